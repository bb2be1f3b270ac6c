package scoretool

import (
	"sort"

	"recordable/server/internal/score"
)

// SoundUsage counts how often one sound id occurs in a score.
type SoundUsage struct {
	SoundID uint32 `json:"sound_id"`
	Count   int    `json:"count"`
}

// Summary describes an encoded score.
type Summary struct {
	ScoreID   score.ID                    `json:"score_id"`
	Bytes     int                         `json:"bytes"`
	FinalTick int                         `json:"final_tick"`
	Groups    int                         `json:"groups"`
	Sounds    int                         `json:"sounds"`
	Busiest   int                         `json:"busiest_tick"`
	Loudest   float32                     `json:"loudest"`
	Usage     []SoundUsage                `json:"usage"`
	Ticks     []score.ScheduledSoundGroup `json:"ticks,omitempty"`
}

// Inspect summarises data without decoding it into groups unless withTicks is set.
func Inspect(id score.ID, data []byte, withTicks bool) (Summary, error) {
	summary := Summary{ScoreID: id, Bytes: len(data), Busiest: -1}
	usage := make(map[uint32]int)
	busiest := 0
	final, err := score.Walk(data, func(view score.TickView) error {
		summary.Groups++
		summary.Sounds += view.Len()
		if view.Len() > busiest {
			busiest, summary.Busiest = view.Len(), view.Tick
		}
		group := score.ScheduledSoundGroup{Tick: view.Tick}
		for i := 0; i < view.Len(); i++ {
			sound := view.Sound(i)
			usage[sound.SoundID()]++
			summary.Loudest = max(summary.Loudest, sound.Volume())
			if withTicks {
				group.Sounds = append(group.Sounds, sound.Instance())
			}
		}
		if withTicks {
			summary.Ticks = append(summary.Ticks, group)
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	summary.FinalTick = final

	//1.- Most used sounds first, ties broken by id so output is stable.
	summary.Usage = make([]SoundUsage, 0, len(usage))
	for soundID, count := range usage {
		summary.Usage = append(summary.Usage, SoundUsage{SoundID: soundID, Count: count})
	}
	sort.Slice(summary.Usage, func(i, j int) bool {
		if summary.Usage[i].Count == summary.Usage[j].Count {
			return summary.Usage[i].SoundID < summary.Usage[j].SoundID
		}
		return summary.Usage[i].Count > summary.Usage[j].Count
	})
	return summary, nil
}
