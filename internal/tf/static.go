package tf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StaticFile is the on-disk form of a set of fixed joints.
//
//	transforms:
//	  - parent: base_link
//	    child: camera_link
//	    translation: [0.1, 0.0, 0.5]
//	    rotation: [0, 0, 0, 1]      # x, y, z, w
//	  - parent: base_link
//	    child: laser
//	    translation: [0.2, 0.0, 0.3]
//	    rpy: [0, 0, 1.5708]         # radians, alternative to rotation
type StaticFile struct {
	Transforms []StaticTransform `yaml:"transforms"`
}

// StaticTransform is one fixed joint.
type StaticTransform struct {
	Parent      string      `yaml:"parent"`
	Child       string      `yaml:"child"`
	Translation [3]float64  `yaml:"translation"`
	Rotation    *[4]float64 `yaml:"rotation,omitempty"`
	RPY         *[3]float64 `yaml:"rpy,omitempty"`
}

// Stamped converts the joint to a TransformStamped.
func (s StaticTransform) Stamped() (TransformStamped, error) {
	var t Transform
	switch {
	case s.Rotation != nil && s.RPY != nil:
		return TransformStamped{}, fmt.Errorf("%w: %s -> %s sets both rotation and rpy", ErrInvalidTransform, s.Parent, s.Child)
	case s.Rotation != nil:
		var err error
		if t, err = NewTransform(s.Translation, *s.Rotation); err != nil {
			return TransformStamped{}, fmt.Errorf("%s -> %s: %w", s.Parent, s.Child, err)
		}
	case s.RPY != nil:
		t = FromRPY(s.Translation, s.RPY[0], s.RPY[1], s.RPY[2])
	default:
		t = Identity()
		t.Translation.X, t.Translation.Y, t.Translation.Z = s.Translation[0], s.Translation[1], s.Translation[2]
	}
	return TransformStamped{Parent: s.Parent, Child: s.Child, Transform: t}, nil
}

// LoadStatic reads a static transform file and records every joint in b.
// It returns the number of joints loaded.
func LoadStatic(path string, b *Buffer) (int, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml":
	default:
		return 0, fmt.Errorf("static transform file must have .yaml or .yml extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read static transform file: %w", err)
	}

	var f StaticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("failed to parse static transform file: %w", err)
	}

	for i, st := range f.Transforms {
		ts, err := st.Stamped()
		if err != nil {
			return i, err
		}
		if err := b.Set(ts, true); err != nil {
			return i, err
		}
	}
	return len(f.Transforms), nil
}
