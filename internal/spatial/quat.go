package spatial

import "math"

// Quat is a unit quaternion describing an orientation.
type Quat struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Identity is the rotation that leaves vectors untouched.
var Identity = Quat{W: 1}

// AxisAngle builds a rotation of angle radians around axis.
func AxisAngle(axis Vec3, angle float64) Quat {
	//1.- Fall back to the identity when the axis carries no direction.
	length := axis.Length()
	if length == 0 {
		return Identity
	}
	//2.- Normalise the axis and spread the half angle over the vector part.
	half := angle / 2
	s := math.Sin(half) / length
	return Quat{W: math.Cos(half), X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s}
}

// Yaw returns the rotation around the vertical axis for a heading in degrees.
func Yaw(degrees float64) Quat {
	return AxisAngle(Vec3{Y: 1}, degrees*math.Pi/180)
}

// Mul composes two rotations so that q.Mul(o) applies o first and q second.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// Conjugate returns the inverse rotation of a unit quaternion.
func (q Quat) Conjugate() Quat { return Quat{W: q.W, X: -q.X, Y: -q.Y, Z: -q.Z} }

// Normalize rescales q to unit length, returning the identity for a zero quaternion.
func (q Quat) Normalize() Quat {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Identity
	}
	return Quat{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// Rotate applies the rotation to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	//1.- Expand q * v * q^-1 using the cross product form t = 2 * (u x v).
	u := Vec3{X: q.X, Y: q.Y, Z: q.Z}
	t := cross(u, v).Scale(2)
	//2.- v' = v + w*t + u x t.
	return v.Add(t.Scale(q.W)).Add(cross(u, t))
}

func cross(a, b Vec3) Vec3 {
	return Vec3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}
