package scoretool

import (
	"fmt"

	"github.com/gdamore/tcell/v2"

	"recordable/server/internal/volume"
)

// Canvas is the drawing surface the scope renders onto. tcell screens satisfy it.
type Canvas interface {
	Size() (int, int)
	SetContent(x, y int, primary rune, combining []rune, style tcell.Style)
}

// Scope renders a volume profile as a scrolling bar chart, one column per tick.
type Scope struct {
	profile *volume.Profile
	offset  int
}

// NewScope constructs a scope positioned on the first tick of profile.
func NewScope(profile *volume.Profile) *Scope {
	return &Scope{profile: profile}
}

// Offset returns the first tick shown in the leftmost column.
func (s *Scope) Offset() int { return s.offset }

// Scroll moves the view by delta ticks, clamped to the profile.
func (s *Scope) Scroll(delta int) {
	s.offset = max(0, min(s.offset+delta, s.profile.FinalTick))
}

// Draw paints the visible window. The bottom row carries a status line.
func (s *Scope) Draw(canvas Canvas) {
	width, height := canvas.Size()
	if width <= 0 || height <= 1 {
		return
	}
	rows := height - 1
	bar := tcell.StyleDefault.Foreground(tcell.ColorGreen)
	loud := tcell.StyleDefault.Foreground(tcell.ColorRed)
	for x := 0; x < width; x++ {
		for y := 0; y < rows; y++ {
			canvas.SetContent(x, y, ' ', nil, tcell.StyleDefault)
		}
		tick := s.offset + x
		if tick > s.profile.FinalTick {
			continue
		}
		level, ok := s.profile.At(tick)
		if !ok {
			continue
		}
		//1.- Heights scale with volume; any audible tick gets at least one cell.
		filled := max(1, min(rows, int(float32(rows)*level+0.5)))
		style := bar
		if level >= 1 {
			style = loud
		}
		for y := rows - filled; y < rows; y++ {
			canvas.SetContent(x, y, '█', nil, style)
		}
	}
	status := fmt.Sprintf(" %s  ticks %d-%d of %d  loudest %.2f  [←/→ scroll, q quit]",
		s.profile.ScoreID, s.offset, min(s.offset+width-1, s.profile.FinalTick), s.profile.FinalTick, s.profile.Loudest())
	drawText(canvas, 0, height-1, width, status, tcell.StyleDefault.Reverse(true))
}

// HandleKey applies a key press and reports whether the scope should close.
func (s *Scope) HandleKey(key tcell.Key, ch rune, page int) bool {
	switch {
	case key == tcell.KeyEscape, key == tcell.KeyCtrlC, key == tcell.KeyRune && ch == 'q':
		return true
	case key == tcell.KeyLeft, key == tcell.KeyRune && ch == 'h':
		s.Scroll(-1)
	case key == tcell.KeyRight, key == tcell.KeyRune && ch == 'l':
		s.Scroll(1)
	case key == tcell.KeyPgUp:
		s.Scroll(-page)
	case key == tcell.KeyPgDn:
		s.Scroll(page)
	case key == tcell.KeyHome:
		s.offset = 0
	}
	return false
}

// Run drives the scope on screen until the user quits.
func (s *Scope) Run(screen tcell.Screen) error {
	if err := screen.Init(); err != nil {
		return fmt.Errorf("init screen: %w", err)
	}
	defer screen.Fini()
	for {
		screen.Clear()
		s.Draw(screen)
		screen.Show()
		switch ev := screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			screen.Sync()
		case *tcell.EventKey:
			width, _ := screen.Size()
			if s.HandleKey(ev.Key(), ev.Rune(), width) {
				return nil
			}
		}
	}
}

func drawText(canvas Canvas, x, y, width int, text string, style tcell.Style) {
	col := x
	for _, r := range text {
		if col >= width {
			return
		}
		canvas.SetContent(col, y, r, nil, style)
		col++
	}
	for ; col < width; col++ {
		canvas.SetContent(col, y, ' ', nil, style)
	}
}
