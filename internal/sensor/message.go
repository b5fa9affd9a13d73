// Package sensor models the sensor messages a calibration run records and
// the registry of sensors taking part in it.
package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/calibration.collector/internal/fixed"
)

// ErrUnsupportedMessageKind reports a message type that cannot be stored
// as sensor data.
var ErrUnsupportedMessageKind = errors.New("unsupported message kind")

// Stamp is a message time split into seconds and nanoseconds.
type Stamp struct {
	Secs  int64 `json:"secs"`
	Nsecs int64 `json:"nsecs"`
}

// StampFromTime converts t to a Stamp.
func StampFromTime(t time.Time) Stamp {
	ns := t.UnixNano()
	return Stamp{Secs: ns / int64(time.Second), Nsecs: ns % int64(time.Second)}
}

// Time converts s to a time.Time.
func (s Stamp) Time() time.Time {
	return time.Unix(s.Secs, s.Nsecs)
}

// Header is common to every sensor message.
type Header struct {
	Seq     uint32 `json:"seq"`
	Stamp   Stamp  `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Message is one sensor message. The set of implementations is closed.
type Message interface {
	// MessageHeader returns the header of the message.
	MessageHeader() Header
	// Clone returns a deep copy.
	Clone() Message
	// TypeName is the transport type name, for example "sensor_msgs/Image".
	TypeName() string

	isMessage()
}

// Image is a raw camera frame.
type Image struct {
	Header      Header `json:"header"`
	Height      uint32 `json:"height"`
	Width       uint32 `json:"width"`
	Encoding    string `json:"encoding"`
	IsBigendian uint8  `json:"is_bigendian"`
	Step        uint32 `json:"step"`
	Data        []byte `json:"data"`
}

// LaserScan is one sweep of a planar range finder.
type LaserScan struct {
	Header         Header        `json:"header"`
	AngleMin       fixed.Float   `json:"angle_min"`
	AngleMax       fixed.Float   `json:"angle_max"`
	AngleIncrement fixed.Float   `json:"angle_increment"`
	TimeIncrement  fixed.Float   `json:"time_increment"`
	ScanTime       fixed.Float   `json:"scan_time"`
	RangeMin       fixed.Float   `json:"range_min"`
	RangeMax       fixed.Float   `json:"range_max"`
	Ranges         []fixed.Float `json:"ranges"`
	Intensities    []fixed.Float `json:"intensities"`
}

// PointField describes one channel of a point cloud.
type PointField struct {
	Name     string `json:"name"`
	Offset   uint32 `json:"offset"`
	Datatype uint8  `json:"datatype"`
	Count    uint32 `json:"count"`
}

// PointCloud is an unordered or organized 3D point cloud.
type PointCloud struct {
	Header      Header       `json:"header"`
	Height      uint32       `json:"height"`
	Width       uint32       `json:"width"`
	Fields      []PointField `json:"fields"`
	IsBigendian bool         `json:"is_bigendian"`
	PointStep   uint32       `json:"point_step"`
	RowStep     uint32       `json:"row_step"`
	Data        []byte       `json:"data"`
	IsDense     bool         `json:"is_dense"`
}

// RegionOfInterest is a sub-window of a camera image.
type RegionOfInterest struct {
	XOffset   uint32 `json:"x_offset"`
	YOffset   uint32 `json:"y_offset"`
	Height    uint32 `json:"height"`
	Width     uint32 `json:"width"`
	DoRectify bool   `json:"do_rectify"`
}

// CameraInfo holds the intrinsics of a camera.
type CameraInfo struct {
	Header          Header           `json:"header"`
	Height          uint32           `json:"height"`
	Width           uint32           `json:"width"`
	DistortionModel string           `json:"distortion_model"`
	D               []fixed.Float    `json:"D"`
	K               [9]fixed.Float   `json:"K"`
	R               [9]fixed.Float   `json:"R"`
	P               [12]fixed.Float  `json:"P"`
	BinningX        uint32           `json:"binning_x"`
	BinningY        uint32           `json:"binning_y"`
	ROI             RegionOfInterest `json:"roi"`
}

func (m *Image) MessageHeader() Header      { return m.Header }
func (m *LaserScan) MessageHeader() Header  { return m.Header }
func (m *PointCloud) MessageHeader() Header { return m.Header }
func (m *CameraInfo) MessageHeader() Header { return m.Header }

func (*Image) TypeName() string      { return "sensor_msgs/Image" }
func (*LaserScan) TypeName() string  { return "sensor_msgs/LaserScan" }
func (*PointCloud) TypeName() string { return "sensor_msgs/PointCloud2" }
func (*CameraInfo) TypeName() string { return "sensor_msgs/CameraInfo" }

func (*Image) isMessage()      {}
func (*LaserScan) isMessage()  {}
func (*PointCloud) isMessage() {}
func (*CameraInfo) isMessage() {}

func (m *Image) Clone() Message {
	c := *m
	c.Data = append([]byte(nil), m.Data...)
	return &c
}

func (m *LaserScan) Clone() Message {
	c := *m
	c.Ranges = append([]fixed.Float(nil), m.Ranges...)
	c.Intensities = append([]fixed.Float(nil), m.Intensities...)
	return &c
}

func (m *PointCloud) Clone() Message {
	c := *m
	c.Fields = append([]PointField(nil), m.Fields...)
	c.Data = append([]byte(nil), m.Data...)
	return &c
}

func (m *CameraInfo) Clone() Message {
	c := *m
	c.D = append([]fixed.Float(nil), m.D...)
	return &c
}

// Kind is the storage category of a sensor's data.
type Kind int

const (
	KindImage Kind = iota + 1
	KindLaserScan
	KindPointCloud
)

var kindNames = map[Kind]string{
	KindImage:      "Image",
	KindLaserScan:  "LaserScan",
	KindPointCloud: "PointCloud2",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	n, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMessageKind, int(k))
	}
	return []byte(n), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, n := range kindNames {
		if n == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedMessageKind, text)
}

// KindOf reports the storage kind of msg. Camera info is metadata, not
// sensor data, and has no kind.
func KindOf(msg Message) (Kind, error) {
	switch msg.(type) {
	case *Image:
		return KindImage, nil
	case *LaserScan:
		return KindLaserScan, nil
	case *PointCloud:
		return KindPointCloud, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedMessageKind, msg.TypeName())
	}
}

// NewMessage returns an empty message for a transport type name. Both
// "sensor_msgs/Image" and "Image" are accepted.
func NewMessage(typeName string) (Message, error) {
	short := typeName
	if i := strings.LastIndex(short, "/"); i >= 0 {
		short = short[i+1:]
	}
	switch short {
	case "Image":
		return &Image{}, nil
	case "LaserScan":
		return &LaserScan{}, nil
	case "PointCloud2", "PointCloud":
		return &PointCloud{}, nil
	case "CameraInfo":
		return &CameraInfo{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMessageKind, typeName)
}

// DecodeMessage decodes a JSON-encoded message of the given type.
func DecodeMessage(typeName string, raw json.RawMessage) (Message, error) {
	msg, err := NewMessage(typeName)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return msg, nil
}
