package volume

import (
	"sort"

	"recordable/server/internal/score"
)

// TickVolume is the loudest volume heard on one tick.
type TickVolume struct {
	Tick   int     `json:"tick"`
	Volume float32 `json:"volume"`
}

// Profile is the per-tick loudness of a score. Only ticks that carry sounds appear.
type Profile struct {
	ScoreID   score.ID     `json:"score_id"`
	FinalTick int          `json:"final_tick"`
	Entries   []TickVolume `json:"entries"`
}

// Compute walks an encoded score and keeps the loudest volume of each tick.
func Compute(id score.ID, data []byte) (*Profile, error) {
	profile := &Profile{ScoreID: id}
	final, err := score.Walk(data, func(view score.TickView) error {
		//1.- A tick view always carries at least one sound.
		loudest := view.Sound(0).Volume()
		for i := 1; i < view.Len(); i++ {
			if v := view.Sound(i).Volume(); v > loudest {
				loudest = v
			}
		}
		profile.Entries = append(profile.Entries, TickVolume{Tick: view.Tick, Volume: loudest})
		return nil
	})
	if err != nil {
		return nil, err
	}
	profile.FinalTick = final
	return profile, nil
}

// At returns the loudest volume on tick and whether any sound played on it.
func (p *Profile) At(tick int) (float32, bool) {
	if p == nil {
		return 0, false
	}
	idx := sort.Search(len(p.Entries), func(i int) bool { return p.Entries[i].Tick >= tick })
	if idx < len(p.Entries) && p.Entries[idx].Tick == tick {
		return p.Entries[idx].Volume, true
	}
	return 0, false
}

// Len returns the number of ticks with sounds.
func (p *Profile) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Entries)
}

// Loudest returns the highest volume across the whole score.
func (p *Profile) Loudest() float32 {
	if p == nil {
		return 0
	}
	var loudest float32
	for _, entry := range p.Entries {
		if entry.Volume > loudest {
			loudest = entry.Volume
		}
	}
	return loudest
}
