package world

import "math"

// Vec3 is a 3D vector with the JSON shape {"x":..,"y":..,"z":..}.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Quat is a rotation quaternion with the JSON shape {"x":..,"y":..,"z":..,"w":..}.
type Quat struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

// Transform is the position, rotation and scale of an entity.
type Transform struct {
	Translation Vec3 `json:"translation"`
	Rotation    Quat `json:"rotation"`
	Scale       Vec3 `json:"scale"`
}

// Camera marks an entity as a render camera.
type Camera struct {
	IsActive bool `json:"is_active"`
	Order    int  `json:"order"`
}

// PointLight is an omnidirectional light.
type PointLight struct {
	Intensity      float32 `json:"intensity"`
	Range          float32 `json:"range"`
	ShadowsEnabled bool    `json:"shadows_enabled"`
}

var (
	Vec3Zero = Vec3{}
	Vec3One  = Vec3{1, 1, 1}
	Vec3Y    = Vec3{0, 1, 0}

	QuatIdentity = Quat{W: 1}
)

func (a Vec3) Add(b Vec3) Vec3      { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func (a Vec3) Sub(b Vec3) Vec3      { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
func (a Vec3) Scale(s float32) Vec3 { return Vec3{a.X * s, a.Y * s, a.Z * s} }
func (a Vec3) Dot(b Vec3) float32   { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }
func (a Vec3) Length() float32      { return float32(math.Sqrt(float64(a.Dot(a)))) }

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{a.Y*b.Z - a.Z*b.Y, a.Z*b.X - a.X*b.Z, a.X*b.Y - a.Y*b.X}
}

// Normalize returns a unit vector, or the zero vector for a zero input.
func (a Vec3) Normalize() Vec3 {
	l := a.Length()
	if l == 0 {
		return Vec3Zero
	}
	return a.Scale(1 / l)
}

// QuatFromAxisAngle builds a rotation of angle radians about a unit axis.
func QuatFromAxisAngle(axis Vec3, angle float32) Quat {
	s, c := math.Sincos(float64(angle) / 2)
	return Quat{axis.X * float32(s), axis.Y * float32(s), axis.Z * float32(s), float32(c)}
}

// QuatFromRotationY builds a rotation about the Y axis.
func QuatFromRotationY(angle float32) Quat {
	return QuatFromAxisAngle(Vec3Y, angle)
}

// Mul composes q then r (q * r applies r first).
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
	}
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	u := Vec3{q.X, q.Y, q.Z}
	t := u.Cross(v).Scale(2)
	return v.Add(t.Scale(q.W)).Add(u.Cross(t))
}

// quatFromBasis converts an orthonormal basis (the columns of a rotation matrix) to a quaternion.
func quatFromBasis(x, y, z Vec3) Quat {
	trace := x.X + y.Y + z.Z
	switch {
	case trace > 0:
		s := float32(math.Sqrt(float64(trace+1))) * 2
		return Quat{(y.Z - z.Y) / s, (z.X - x.Z) / s, (x.Y - y.X) / s, s / 4}
	case x.X > y.Y && x.X > z.Z:
		s := float32(math.Sqrt(float64(1+x.X-y.Y-z.Z))) * 2
		return Quat{s / 4, (y.X + x.Y) / s, (z.X + x.Z) / s, (y.Z - z.Y) / s}
	case y.Y > z.Z:
		s := float32(math.Sqrt(float64(1+y.Y-x.X-z.Z))) * 2
		return Quat{(y.X + x.Y) / s, s / 4, (z.Y + y.Z) / s, (z.X - x.Z) / s}
	default:
		s := float32(math.Sqrt(float64(1+z.Z-x.X-y.Y))) * 2
		return Quat{(z.X + x.Z) / s, (z.Y + y.Z) / s, s / 4, (x.Y - y.X) / s}
	}
}

// TransformFromXYZ returns an identity transform translated to (x, y, z).
func TransformFromXYZ(x, y, z float32) Transform {
	return Transform{Translation: Vec3{x, y, z}, Rotation: QuatIdentity, Scale: Vec3One}
}

// LookingAt returns t rotated so that its forward axis (-Z) points at target.
func (t Transform) LookingAt(target, up Vec3) Transform {
	back := t.Translation.Sub(target).Normalize()
	if back == Vec3Zero {
		return t
	}
	right := up.Cross(back).Normalize()
	if right == Vec3Zero {
		return t
	}
	newUp := back.Cross(right)
	t.Rotation = quatFromBasis(right, newUp, back)
	return t
}

// RotateAround orbits t about point by rotation, also turning its orientation.
func (t Transform) RotateAround(point Vec3, rotation Quat) Transform {
	t.Translation = point.Add(rotation.Rotate(t.Translation.Sub(point)))
	t.Rotation = rotation.Mul(t.Rotation)
	return t
}
