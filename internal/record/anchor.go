package record

import (
	"recordable/server/internal/spatial"
)

// HearingRadiusPerVolume is the attenuation distance, in blocks, covered by one unit of volume.
const HearingRadiusPerVolume = 16.0

// Anchor is the reference frame a recording is captured in. The set of anchors is closed:
// BlockAnchor and EntityAnchor are the only implementations.
type Anchor interface {
	// Position returns the current world position of the anchor.
	Position() spatial.Vec3
	// Rotation returns the rotation mapping world offsets into the anchor frame.
	Rotation() spatial.Quat
	// Accepts reports whether a sound at pos with the given volume is audible from the anchor.
	Accepts(pos spatial.Vec3, volume float32) bool

	sealed()
}

// BlockAnchor is a recorder placed in the world at a fixed position and heading.
type BlockAnchor struct {
	Pos spatial.Vec3
	// FacingDegrees is the yaw of the recorder's front face.
	FacingDegrees float64
}

// Position implements Anchor.
func (a BlockAnchor) Position() spatial.Vec3 { return a.Pos }

// Rotation implements Anchor.
func (a BlockAnchor) Rotation() spatial.Quat { return spatial.Yaw(a.FacingDegrees).Conjugate() }

// Accepts implements Anchor.
func (a BlockAnchor) Accepts(pos spatial.Vec3, volume float32) bool {
	return audible(a.Pos, pos, volume)
}

func (BlockAnchor) sealed() {}

// PoseSource reports the live pose of a moving entity.
type PoseSource interface {
	Pose() (spatial.Vec3, spatial.Quat)
}

// PoseFunc adapts a function to PoseSource.
type PoseFunc func() (spatial.Vec3, spatial.Quat)

// Pose implements PoseSource.
func (f PoseFunc) Pose() (spatial.Vec3, spatial.Quat) { return f() }

// EntityAnchor follows an entity carrying the recorder.
type EntityAnchor struct {
	source PoseSource
}

// NewEntityAnchor binds an anchor to a pose source.
func NewEntityAnchor(source PoseSource) EntityAnchor {
	return EntityAnchor{source: source}
}

// Position implements Anchor.
func (a EntityAnchor) Position() spatial.Vec3 {
	if a.source == nil {
		return spatial.Vec3{}
	}
	pos, _ := a.source.Pose()
	return pos
}

// Rotation implements Anchor.
func (a EntityAnchor) Rotation() spatial.Quat {
	if a.source == nil {
		return spatial.Identity
	}
	_, orientation := a.source.Pose()
	return orientation.Normalize().Conjugate()
}

// Accepts implements Anchor.
func (a EntityAnchor) Accepts(pos spatial.Vec3, volume float32) bool {
	return audible(a.Position(), pos, volume)
}

func (EntityAnchor) sealed() {}

func audible(anchor, pos spatial.Vec3, volume float32) bool {
	//1.- Quiet sounds still carry the base radius; louder sounds scale it linearly.
	radius := HearingRadiusPerVolume
	if volume > 1 {
		radius *= float64(volume)
	}
	return anchor.DistanceSq(pos) <= radius*radius
}
