// Package dataset holds the collections gathered during a calibration run
// and serializes them to the dataset document.
package dataset

import (
	"sort"
	"strconv"

	"github.com/banshee-data/calibration.collector/internal/fixed"
	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/tf"
)

// DocumentName is the file name of the dataset document inside the output
// directory.
const DocumentName = "data_collected.json"

// Transform is the recorded pose of Child in Parent. Quat is (x, y, z, w).
type Transform struct {
	Trans  [3]fixed.Float `json:"trans"`
	Quat   [4]fixed.Float `json:"quat"`
	Parent string         `json:"parent"`
	Child  string         `json:"child"`
}

// NewTransform records t as the pose of child in parent.
func NewTransform(parent, child string, t tf.Transform) Transform {
	tr := t.TranslationArray()
	q := t.RotationArray()
	return Transform{
		Trans:  [3]fixed.Float{fixed.Float(tr[0]), fixed.Float(tr[1]), fixed.Float(tr[2])},
		Quat:   [4]fixed.Float{fixed.Float(q[0]), fixed.Float(q[1]), fixed.Float(q[2]), fixed.Float(q[3])},
		Parent: parent,
		Child:  child,
	}
}

// SensorData is what a collection records for one sensor: an *ImageRef for
// cameras, the *sensor.LaserScan or *sensor.PointCloud itself otherwise.
type SensorData interface {
	MessageHeader() sensor.Header
}

// ImageRef is an image message whose pixels live in a separate file.
type ImageRef struct {
	Header      sensor.Header `json:"header"`
	Height      uint32        `json:"height"`
	Width       uint32        `json:"width"`
	Encoding    string        `json:"encoding"`
	IsBigendian uint8         `json:"is_bigendian"`
	Step        uint32        `json:"step"`
	// DataFile is relative to the dataset document.
	DataFile string `json:"data_file"`
}

// NewImageRef strips the pixels from img and points at file instead.
func NewImageRef(img *sensor.Image, file string) *ImageRef {
	return &ImageRef{
		Header:      img.Header,
		Height:      img.Height,
		Width:       img.Width,
		Encoding:    img.Encoding,
		IsBigendian: img.IsBigendian,
		Step:        img.Step,
		DataFile:    file,
	}
}

func (r *ImageRef) MessageHeader() sensor.Header { return r.Header }

// Collection is one synchronized snapshot. It is not modified after it has
// been appended to a dataset.
type Collection struct {
	Stamp      int                      `json:"-"`
	Data       map[string]SensorData    `json:"data"`
	Labels     map[string]sensor.Labels `json:"labels"`
	Transforms map[string]Transform     `json:"transforms"`
}

// Dataset is everything recorded during one run.
type Dataset struct {
	Sensors map[string]*sensor.Descriptor
	// Collections is indexed by data stamp.
	Collections []*Collection
	// Config is the calibration file as loaded.
	Config map[string]any
}

// New creates an empty dataset for the given sensors.
func New(sensors map[string]*sensor.Descriptor, config map[string]any) *Dataset {
	if sensors == nil {
		sensors = make(map[string]*sensor.Descriptor)
	}
	return &Dataset{Sensors: sensors, Config: config}
}

// SensorNames returns the dataset's sensor names, sorted.
func (d *Dataset) SensorNames() []string {
	names := make([]string, 0, len(d.Sensors))
	for name := range d.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stampKey(stamp int) string { return strconv.Itoa(stamp) }
