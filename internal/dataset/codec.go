package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/banshee-data/calibration.collector/internal/fixed"
	"github.com/banshee-data/calibration.collector/internal/sensor"
)

type document struct {
	CalibrationConfig any                           `json:"calibration_config"`
	Collections       stampedCollections            `json:"collections"`
	Sensors           map[string]*sensor.Descriptor `json:"sensors"`
}

// stampedCollections encodes as an object keyed by data stamp, in numeric
// stamp order rather than the string order a map would get.
type stampedCollections []*Collection

func (cs stampedCollections) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range cs {
		if i > 0 {
			buf.WriteByte(',')
		}
		body, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("collection %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "%q:", stampKey(i))
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode renders the dataset document: JSON indented by two spaces with a
// trailing newline. Map keys are sorted, collections follow stamp order and
// floats carry six decimals, so an unchanged dataset always encodes to the
// same bytes.
func Encode(d *Dataset) ([]byte, error) {
	doc := document{
		CalibrationConfig: fixed.Normalize(d.Config),
		Collections:       d.Collections,
		Sensors:           d.Sensors,
	}
	if doc.Sensors == nil {
		doc.Sensors = map[string]*sensor.Descriptor{}
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	return append(out, '\n'), nil
}

type rawCollection struct {
	Data       map[string]json.RawMessage `json:"data"`
	Labels     map[string]sensor.Labels   `json:"labels"`
	Transforms map[string]Transform       `json:"transforms"`
}

type rawDocument struct {
	CalibrationConfig json.RawMessage               `json:"calibration_config"`
	Collections       map[string]rawCollection      `json:"collections"`
	Sensors           map[string]*sensor.Descriptor `json:"sensors"`
}

// Decode parses a dataset document. Sensor payloads are decoded by the kind
// their sensor was registered with.
func Decode(data []byte) (*Dataset, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}

	d := &Dataset{
		Sensors:     raw.Sensors,
		Collections: make([]*Collection, len(raw.Collections)),
	}
	if d.Sensors == nil {
		d.Sensors = make(map[string]*sensor.Descriptor)
	}

	if len(raw.CalibrationConfig) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw.CalibrationConfig))
		dec.UseNumber()
		var cfg any
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode calibration_config: %w", err)
		}
		if m, ok := cfg.(map[string]any); ok {
			d.Config = m
		} else if cfg != nil {
			return nil, fmt.Errorf("decode calibration_config: expected object, got %T", cfg)
		}
	}

	for key, rc := range raw.Collections {
		stamp, err := strconv.Atoi(key)
		if err != nil || stamp < 0 || stamp >= len(d.Collections) || stampKey(stamp) != key {
			return nil, fmt.Errorf("decode dataset: collection key %q breaks the 0..%d stamp sequence", key, len(d.Collections)-1)
		}

		c := &Collection{
			Stamp:      stamp,
			Data:       make(map[string]SensorData, len(rc.Data)),
			Labels:     rc.Labels,
			Transforms: rc.Transforms,
		}
		for name, payload := range rc.Data {
			desc, ok := d.Sensors[name]
			if !ok {
				return nil, fmt.Errorf("decode collection %d: data for unknown sensor %q", stamp, name)
			}
			sd, err := decodeSensorData(desc.Kind, payload)
			if err != nil {
				return nil, fmt.Errorf("decode collection %d, sensor %s: %w", stamp, name, err)
			}
			c.Data[name] = sd
		}
		d.Collections[stamp] = c
	}
	return d, nil
}

func decodeSensorData(kind sensor.Kind, payload json.RawMessage) (SensorData, error) {
	var sd SensorData
	switch kind {
	case sensor.KindImage:
		sd = &ImageRef{}
	case sensor.KindLaserScan:
		sd = &sensor.LaserScan{}
	case sensor.KindPointCloud:
		sd = &sensor.PointCloud{}
	default:
		return nil, fmt.Errorf("%w: %s", sensor.ErrUnsupportedMessageKind, kind)
	}
	if err := json.Unmarshal(payload, sd); err != nil {
		return nil, err
	}
	return sd, nil
}
