package score

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed reports a record that does not follow the tick/sound layout.
var ErrMalformed = errors.New("malformed score record")

// SoundView is a zero-copy window over one encoded sound record.
type SoundView []byte

// SoundID returns the registry identifier of the sound.
func (v SoundView) SoundID() uint32 { return binary.BigEndian.Uint32(v[0:4]) }

// Position returns the anchor-relative coordinates.
func (v SoundView) Position() (x, y, z float32) {
	return readFloat(v[4:8]), readFloat(v[8:12]), readFloat(v[12:16])
}

// Volume returns the recorded volume.
func (v SoundView) Volume() float32 { return readFloat(v[16:20]) }

// Pitch returns the recorded pitch.
func (v SoundView) Pitch() float32 { return readFloat(v[20:24]) }

// Instance copies the view into a value.
func (v SoundView) Instance() PartialSoundInstance {
	x, y, z := v.Position()
	return PartialSoundInstance{SoundID: v.SoundID(), X: x, Y: y, Z: z, Volume: v.Volume(), Pitch: v.Pitch()}
}

// TickView is a zero-copy window over one tick header and its sound records.
type TickView struct {
	Tick   int
	sounds []byte
}

// Len returns the number of sounds recorded on the tick.
func (t TickView) Len() int { return len(t.sounds) / SoundSize }

// Sound returns the i-th sound of the tick.
func (t TickView) Sound(i int) SoundView {
	return SoundView(t.sounds[i*SoundSize : (i+1)*SoundSize : (i+1)*SoundSize])
}

// Walk visits every tick with sounds in record order and returns the final tick.
// Iteration stops at the terminal header; without one the final tick is the last tick
// that carried sounds. Errors from visit abort the walk and are returned unchanged.
func Walk(data []byte, visit func(TickView) error) (int, error) {
	//1.- An empty buffer is not a valid record, not even an empty score.
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty record", ErrMalformed)
	}
	last := -1
	offset := 0
	for offset < len(data) {
		//2.- Every iteration starts on a header boundary.
		if len(data)-offset < TickHeaderSize {
			return 0, fmt.Errorf("%w: truncated tick header at offset %d", ErrMalformed, offset)
		}
		tick := int(binary.BigEndian.Uint16(data[offset:]))
		count := int(data[offset+2])
		offset += TickHeaderSize

		//3.- A zero count terminates the record and must close the buffer.
		if count == 0 {
			if tick < last {
				return 0, fmt.Errorf("%w: terminal tick %d precedes tick %d", ErrMalformed, tick, last)
			}
			if offset != len(data) {
				return 0, fmt.Errorf("%w: %d trailing bytes after terminal tick", ErrMalformed, len(data)-offset)
			}
			return tick, nil
		}

		//4.- Ticks with sounds appear at most once and in ascending order.
		if tick <= last {
			return 0, fmt.Errorf("%w: tick %d does not follow tick %d", ErrMalformed, tick, last)
		}
		size := count * SoundSize
		if len(data)-offset < size {
			return 0, fmt.Errorf("%w: tick %d declares %d sounds but only %d bytes remain", ErrMalformed, tick, count, len(data)-offset)
		}
		if visit != nil {
			if err := visit(TickView{Tick: tick, sounds: data[offset : offset+size : offset+size]}); err != nil {
				return 0, err
			}
		}
		last = tick
		offset += size
	}
	return last, nil
}

// Decode parses an encoded record into an immutable Score.
func Decode(data []byte) (*Score, error) {
	decoded := &Score{}
	final, err := Walk(data, func(view TickView) error {
		group := ScheduledSoundGroup{Tick: view.Tick, Sounds: make([]PartialSoundInstance, view.Len())}
		for i := range group.Sounds {
			group.Sounds[i] = view.Sound(i).Instance()
		}
		decoded.Groups = append(decoded.Groups, group)
		return nil
	})
	if err != nil {
		return nil, err
	}
	decoded.FinalTick = final
	return decoded, nil
}

// PutTickHeader writes a tick header into dst, which must hold TickHeaderSize bytes.
func PutTickHeader(dst []byte, tick int, count int) {
	binary.BigEndian.PutUint16(dst[0:2], uint16(tick))
	dst[2] = byte(count)
}

// PutSound writes one sound record into dst, which must hold SoundSize bytes.
func PutSound(dst []byte, sound PartialSoundInstance) {
	binary.BigEndian.PutUint32(dst[0:4], sound.SoundID)
	writeFloat(dst[4:8], sound.X)
	writeFloat(dst[8:12], sound.Y)
	writeFloat(dst[12:16], sound.Z)
	writeFloat(dst[16:20], sound.Volume)
	writeFloat(dst[20:24], sound.Pitch)
}

// Encode serialises a Score into the record layout, closing it with a terminal header.
func Encode(s *Score) ([]byte, error) {
	if s == nil {
		return nil, errors.New("score is required")
	}
	size := TickHeaderSize
	last := -1
	for _, group := range s.Groups {
		//1.- Reject groups the header fields cannot represent.
		if group.Tick <= last || group.Tick > MaxEncodableTick {
			return nil, fmt.Errorf("group tick %d is out of order or out of range", group.Tick)
		}
		if len(group.Sounds) == 0 || len(group.Sounds) > MaxEncodableSounds {
			return nil, fmt.Errorf("group tick %d carries %d sounds", group.Tick, len(group.Sounds))
		}
		last = group.Tick
		size += TickHeaderSize + len(group.Sounds)*SoundSize
	}
	if s.FinalTick < last || s.FinalTick < 0 || s.FinalTick > MaxEncodableTick {
		return nil, fmt.Errorf("final tick %d is invalid after tick %d", s.FinalTick, last)
	}

	//2.- Write each group followed by the terminal header.
	out := make([]byte, size)
	offset := 0
	for _, group := range s.Groups {
		PutTickHeader(out[offset:], group.Tick, len(group.Sounds))
		offset += TickHeaderSize
		for _, sound := range group.Sounds {
			PutSound(out[offset:], sound)
			offset += SoundSize
		}
	}
	PutTickHeader(out[offset:], s.FinalTick, 0)
	return out, nil
}

func readFloat(b []byte) float32 { return math.Float32frombits(binary.BigEndian.Uint32(b)) }

func writeFloat(b []byte, v float32) { binary.BigEndian.PutUint32(b, math.Float32bits(v)) }
