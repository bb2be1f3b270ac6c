package score

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// TickHeaderSize is the encoded size of a tick header: tick uint16 followed by a count uint8.
	TickHeaderSize = 3
	// SoundSize is the encoded size of one sound record: id uint32 plus five float32 fields.
	SoundSize = 24

	// MaxEncodableTick is the largest tick index a header can carry.
	MaxEncodableTick = math.MaxUint16
	// MaxEncodableSounds is the largest sound count a header can carry.
	MaxEncodableSounds = math.MaxUint8
)

const (
	// DefaultMaxTicks bounds a recording to twenty minutes at twenty ticks per second.
	DefaultMaxTicks = 20 * 60 * 20
	// DefaultMaxSoundsPerTick matches the widest count a header can encode.
	DefaultMaxSoundsPerTick = MaxEncodableSounds
	// DefaultMaxRecordBytes caps the recording arena at one mebibyte.
	DefaultMaxRecordBytes = 1 << 20
)

// Limits captures the capacity bounds enforced while recording.
type Limits struct {
	MaxTicks         int
	MaxSoundsPerTick int
	MaxRecordBytes   int
}

// DefaultLimits returns the stock recording limits.
func DefaultLimits() Limits {
	return Limits{
		MaxTicks:         DefaultMaxTicks,
		MaxSoundsPerTick: DefaultMaxSoundsPerTick,
		MaxRecordBytes:   DefaultMaxRecordBytes,
	}
}

// Validate ensures the limits fit the wire format.
func (l Limits) Validate() error {
	var problems []string
	if l.MaxTicks <= 0 || l.MaxTicks > MaxEncodableTick+1 {
		problems = append(problems, fmt.Sprintf("max ticks must be within [1, %d], got %d", MaxEncodableTick+1, l.MaxTicks))
	}
	if l.MaxSoundsPerTick <= 0 || l.MaxSoundsPerTick > MaxEncodableSounds {
		problems = append(problems, fmt.Sprintf("max sounds per tick must be within [1, %d], got %d", MaxEncodableSounds, l.MaxSoundsPerTick))
	}
	if l.MaxRecordBytes < TickHeaderSize+SoundSize+TickHeaderSize {
		problems = append(problems, fmt.Sprintf("max record bytes must be at least %d, got %d", TickHeaderSize+SoundSize+TickHeaderSize, l.MaxRecordBytes))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
