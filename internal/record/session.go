package record

import (
	"errors"

	"recordable/server/internal/score"
	"recordable/server/internal/spatial"
)

var (
	// ErrUnknownRecording is returned for handles that were never issued or already forgotten.
	ErrUnknownRecording = errors.New("unknown recording handle")
	// ErrUnknownEntity is returned when an entity anchor references a pose never reported.
	ErrUnknownEntity = errors.New("unknown entity")
)

// Anchor kinds accepted by AnchorSpec.
const (
	AnchorBlock  = "block"
	AnchorEntity = "entity"
)

// AnchorSpec describes where a new recording listens from. Block anchors use Position
// and Facing; entity anchors follow the pose last reported for EntityID.
type AnchorSpec struct {
	Kind     string       `json:"kind"`
	Position spatial.Vec3 `json:"position"`
	Facing   float64      `json:"facing"`
	EntityID string       `json:"entity_id,omitempty"`
}

// Status reports the state of one recording handle. ScoreID is set once the session has
// been stored; Error is set instead when storing it failed.
type Status struct {
	Handle    string   `json:"handle"`
	Recording bool     `json:"recording"`
	Tick      int      `json:"tick"`
	BytesUsed int      `json:"bytes_used"`
	ScoreID   score.ID `json:"score_id,omitempty"`
	Error     string   `json:"error,omitempty"`
}
