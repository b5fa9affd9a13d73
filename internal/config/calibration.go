package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CalibrationConfig is the calibration file that drives a collection run.
// Optional values are pointers so the Get* methods can supply defaults for
// anything the file leaves out.
type CalibrationConfig struct {
	// WorldLink is the frame every sensor pose is expressed against.
	WorldLink string `yaml:"world_link"`

	// MaxDurationBetweenMsgs is the largest spread, in seconds, between the
	// newest and oldest sensor message accepted into one collection.
	MaxDurationBetweenMsgs *float64 `yaml:"max_duration_between_msgs,omitempty"`

	Sensors map[string]SensorConfig `yaml:"sensors"`

	// CalibrationPattern describes the target (chessboard, charuco...). It is
	// carried into the dataset untouched.
	CalibrationPattern map[string]any `yaml:"calibration_pattern,omitempty"`

	// Bounded waits, as duration strings like "5s".
	MessageTimeout   *string `yaml:"message_timeout,omitempty"`
	ChainTimeout     *string `yaml:"chain_timeout,omitempty"`
	DiscoveryTimeout *string `yaml:"discovery_timeout,omitempty"`
	TransformTimeout *string `yaml:"transform_timeout,omitempty"`

	// Raw is the whole file as decoded, stored verbatim in the dataset.
	Raw map[string]any `yaml:"-"`
}

// SensorConfig describes one sensor in the calibration file.
type SensorConfig struct {
	// Link is the frame the sensor's data is expressed in.
	Link string `yaml:"link"`
	// ParentLink and ChildLink name the joint being calibrated.
	ParentLink string `yaml:"parent_link"`
	ChildLink  string `yaml:"child_link"`
	TopicName  string `yaml:"topic_name"`
}

// LoadCalibrationConfig loads a CalibrationConfig from a YAML (or JSON) file.
// The file is validated to have a known extension and to stay under the max
// file size.
func LoadCalibrationConfig(path string) (*CalibrationConfig, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseCalibrationConfig(data)
}

// ParseCalibrationConfig decodes and validates a calibration document.
func ParseCalibrationConfig(data []byte) (*CalibrationConfig, error) {
	cfg := &CalibrationConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg.Raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *CalibrationConfig) Validate() error {
	if c.WorldLink == "" {
		return fmt.Errorf("world_link is required")
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor is required")
	}

	if c.MaxDurationBetweenMsgs != nil && *c.MaxDurationBetweenMsgs < 0 {
		return fmt.Errorf("max_duration_between_msgs must be non-negative, got %f", *c.MaxDurationBetweenMsgs)
	}

	for _, name := range c.SensorNames() {
		s := c.Sensors[name]
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("sensor name %q must not contain path separators", name)
		}
		if s.Link == "" {
			return fmt.Errorf("sensor %s: link is required", name)
		}
		if s.TopicName == "" {
			return fmt.Errorf("sensor %s: topic_name is required", name)
		}
	}

	for field, v := range map[string]*string{
		"message_timeout":   c.MessageTimeout,
		"chain_timeout":     c.ChainTimeout,
		"discovery_timeout": c.DiscoveryTimeout,
		"transform_timeout": c.TransformTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", field, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", field, d)
		}
	}

	return nil
}

// SensorNames returns the configured sensor names, sorted.
func (c *CalibrationConfig) SensorNames() []string {
	names := make([]string, 0, len(c.Sensors))
	for name := range c.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultMaxDurationBetweenMsgs applies when max_duration_between_msgs is
// absent from the file.
const DefaultMaxDurationBetweenMsgs = 100 * time.Millisecond

// GetMaxDurationBetweenMsgs returns the temporal skew threshold.
func (c *CalibrationConfig) GetMaxDurationBetweenMsgs() time.Duration {
	if c.MaxDurationBetweenMsgs == nil {
		return DefaultMaxDurationBetweenMsgs
	}
	return time.Duration(*c.MaxDurationBetweenMsgs * float64(time.Second))
}

// GetMessageTimeout bounds the wait for a sensor's first message.
func (c *CalibrationConfig) GetMessageTimeout() time.Duration {
	return durationOr(c.MessageTimeout, 30*time.Second)
}

// GetChainTimeout bounds the wait for a sensor's chain to the world frame.
func (c *CalibrationConfig) GetChainTimeout() time.Duration {
	return durationOr(c.ChainTimeout, 5*time.Second)
}

// GetDiscoveryTimeout bounds the per-frame wait during transform discovery.
func (c *CalibrationConfig) GetDiscoveryTimeout() time.Duration {
	return durationOr(c.DiscoveryTimeout, 3*time.Second)
}

// GetTransformTimeout bounds the per-edge wait during a capture.
func (c *CalibrationConfig) GetTransformTimeout() time.Duration {
	return durationOr(c.TransformTimeout, time.Second)
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
