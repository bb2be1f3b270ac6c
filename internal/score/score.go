package score

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a persisted score. Identifiers are opaque to callers.
type ID string

// NewID allocates a fresh random identifier.
func NewID() ID { return ID(uuid.NewString()) }

// ParseID validates a caller supplied identifier.
func ParseID(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("score id must not be empty")
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse score id %q: %w", raw, err)
	}
	return ID(parsed.String()), nil
}

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// PartialSoundInstance is one recorded sound with its position relative to the recording anchor.
type PartialSoundInstance struct {
	SoundID uint32  `json:"sound_id"`
	X       float32 `json:"x"`
	Y       float32 `json:"y"`
	Z       float32 `json:"z"`
	Volume  float32 `json:"volume"`
	Pitch   float32 `json:"pitch"`
}

// ScheduledSoundGroup holds every sound recorded on one tick.
type ScheduledSoundGroup struct {
	Tick   int                    `json:"tick"`
	Sounds []PartialSoundInstance `json:"sounds"`
}

// Score is the decoded, immutable form of a recording.
type Score struct {
	FinalTick int                   `json:"final_tick"`
	Groups    []ScheduledSoundGroup `json:"groups"`
}

// GroupAt returns the group scheduled on tick when one exists.
func (s *Score) GroupAt(tick int) (ScheduledSoundGroup, bool) {
	if s == nil {
		return ScheduledSoundGroup{}, false
	}
	//1.- Groups are stored in ascending tick order so a binary search suffices.
	idx := sort.Search(len(s.Groups), func(i int) bool { return s.Groups[i].Tick >= tick })
	if idx < len(s.Groups) && s.Groups[idx].Tick == tick {
		return s.Groups[idx], true
	}
	return ScheduledSoundGroup{}, false
}

// SoundCount totals the sounds across every group.
func (s *Score) SoundCount() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, group := range s.Groups {
		total += len(group.Sounds)
	}
	return total
}
