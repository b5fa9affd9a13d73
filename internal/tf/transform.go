package tf

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Transform is a rigid transform: a rotation followed by a translation.
// Rotation is a unit quaternion with Real as the scalar (w) part.
type Transform struct {
	Translation r3.Vec
	Rotation    quat.Number
}

// TransformStamped is the transform of Child expressed in Parent at Stamp.
type TransformStamped struct {
	Parent    string
	Child     string
	Stamp     time.Time
	Transform Transform
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: quat.Number{Real: 1}}
}

// NewTransform builds a transform from a translation and an (x, y, z, w)
// quaternion. The quaternion is normalised; a zero quaternion is an error.
func NewTransform(translation [3]float64, rotation [4]float64) (Transform, error) {
	q := quat.Number{Real: rotation[3], Imag: rotation[0], Jmag: rotation[1], Kmag: rotation[2]}
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Transform{}, fmt.Errorf("%w: rotation %v is not a valid quaternion", ErrInvalidTransform, rotation)
	}
	return Transform{
		Translation: r3.Vec{X: translation[0], Y: translation[1], Z: translation[2]},
		Rotation:    quat.Scale(1/n, q),
	}, nil
}

// FromRPY builds a transform from a translation and roll, pitch, yaw angles
// in radians (fixed axes X, Y, Z), as used by URDF joint origins.
func FromRPY(translation [3]float64, roll, pitch, yaw float64) Transform {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	return Transform{
		Translation: r3.Vec{X: translation[0], Y: translation[1], Z: translation[2]},
		Rotation: quat.Number{
			Real: cr*cp*cy + sr*sp*sy,
			Imag: sr*cp*cy - cr*sp*sy,
			Jmag: cr*sp*cy + sr*cp*sy,
			Kmag: cr*cp*sy - sr*sp*cy,
		},
	}
}

// TranslationArray returns the translation as [x, y, z].
func (t Transform) TranslationArray() [3]float64 {
	return [3]float64{t.Translation.X, t.Translation.Y, t.Translation.Z}
}

// RotationArray returns the rotation as [x, y, z, w].
func (t Transform) RotationArray() [4]float64 {
	return [4]float64{t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag, t.Rotation.Real}
}

// Apply maps point p through the transform.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(r3.Rotation(t.Rotation).Rotate(p), t.Translation)
}

// Compose returns t∘o: applying the result equals applying o then t.
func (t Transform) Compose(o Transform) Transform {
	return Transform{
		Translation: t.Apply(o.Translation),
		Rotation:    quat.Mul(t.Rotation, o.Rotation),
	}
}

// Inverse returns the transform that undoes t.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(t.Rotation)
	return Transform{
		Translation: r3.Scale(-1, r3.Rotation(inv).Rotate(t.Translation)),
		Rotation:    inv,
	}
}

// interpolate blends a and b: translation linearly, rotation by slerp.
// ratio 0 yields a, 1 yields b.
func interpolate(a, b Transform, ratio float64) Transform {
	return Transform{
		Translation: r3.Add(a.Translation, r3.Scale(ratio, r3.Sub(b.Translation, a.Translation))),
		Rotation:    slerp(a.Rotation, b.Rotation, ratio),
	}
}

func slerp(a, b quat.Number, ratio float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	var q quat.Number
	if dot > 0.9995 {
		// Nearly parallel: normalised lerp avoids dividing by sin(θ)≈0.
		q = quat.Add(a, quat.Scale(ratio, quat.Sub(b, a)))
	} else {
		theta := math.Acos(dot)
		sin := math.Sin(theta)
		q = quat.Add(
			quat.Scale(math.Sin((1-ratio)*theta)/sin, a),
			quat.Scale(math.Sin(ratio*theta)/sin, b),
		)
	}
	return quat.Scale(1/quat.Abs(q), q)
}
