package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
world_link: base_link
max_duration_between_msgs: 0.1
calibration_pattern:
  pattern: chessboard
  dimension: {x: 9, y: 6}
  size: 0.101
sensors:
  left_camera:
    link: left_camera_optical_frame
    parent_link: base_link
    child_link: left_camera_link
    topic_name: /left/image_raw
  front_lidar:
    link: front_lidar
    parent_link: base_link
    child_link: front_lidar
    topic_name: /front/scan
chain_timeout: 2s
`

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

func TestLoadCalibrationConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "calibration.yaml")
	if err := os.WriteFile(configPath, []byte(sampleYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadCalibrationConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.WorldLink != "base_link" {
		t.Errorf("WorldLink = %q, want base_link", cfg.WorldLink)
	}
	if got := cfg.GetMaxDurationBetweenMsgs(); got != 100*time.Millisecond {
		t.Errorf("GetMaxDurationBetweenMsgs() = %v, want 100ms", got)
	}
	if got := cfg.SensorNames(); strings.Join(got, ",") != "front_lidar,left_camera" {
		t.Errorf("SensorNames() = %v", got)
	}
	cam := cfg.Sensors["left_camera"]
	if cam.Link != "left_camera_optical_frame" || cam.ChildLink != "left_camera_link" || cam.TopicName != "/left/image_raw" {
		t.Errorf("unexpected sensor config: %+v", cam)
	}
	if got := cfg.GetChainTimeout(); got != 2*time.Second {
		t.Errorf("GetChainTimeout() = %v, want 2s", got)
	}
	if got := cfg.GetMessageTimeout(); got != 30*time.Second {
		t.Errorf("GetMessageTimeout() = %v, want 30s", got)
	}

	pattern, ok := cfg.Raw["calibration_pattern"].(map[string]any)
	if !ok {
		t.Fatalf("Raw calibration_pattern = %T, want map", cfg.Raw["calibration_pattern"])
	}
	if pattern["pattern"] != "chessboard" {
		t.Errorf("Raw pattern = %v", pattern["pattern"])
	}
	if cfg.CalibrationPattern["size"] != 0.101 {
		t.Errorf("CalibrationPattern size = %v", cfg.CalibrationPattern["size"])
	}
}

func TestLoadCalibrationConfig_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "calibration.json")
	body := `{"world_link": "w", "sensors": {"cam": {"link": "c", "topic_name": "/cam/image"}}}`
	if err := os.WriteFile(configPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadCalibrationConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load JSON config: %v", err)
	}
	if cfg.GetMaxDurationBetweenMsgs() != 100*time.Millisecond {
		t.Errorf("expected default threshold, got %v", cfg.GetMaxDurationBetweenMsgs())
	}
}

func TestLoadCalibrationConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadCalibrationConfig(filepath.Join(tmpDir, "calibration.txt")); err == nil {
		t.Error("expected extension error")
	}
	if _, err := LoadCalibrationConfig(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected stat error")
	}

	big := filepath.Join(tmpDir, "big.yaml")
	if err := os.WriteFile(big, make([]byte, 1024*1024+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCalibrationConfig(big); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}

	bad := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("sensors: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCalibrationConfig(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *CalibrationConfig {
		return &CalibrationConfig{
			WorldLink: "world",
			Sensors: map[string]SensorConfig{
				"cam": {Link: "cam", TopicName: "/cam/image"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *CalibrationConfig)
		wantErr string
	}{
		{"valid", func(c *CalibrationConfig) {}, ""},
		{"no world", func(c *CalibrationConfig) { c.WorldLink = "" }, "world_link"},
		{"no sensors", func(c *CalibrationConfig) { c.Sensors = nil }, "at least one sensor"},
		{"negative threshold", func(c *CalibrationConfig) { c.MaxDurationBetweenMsgs = ptrFloat64(-1) }, "non-negative"},
		{"zero threshold", func(c *CalibrationConfig) { c.MaxDurationBetweenMsgs = ptrFloat64(0) }, ""},
		{"separator in name", func(c *CalibrationConfig) {
			c.Sensors["../evil"] = SensorConfig{Link: "x", TopicName: "/x"}
		}, "path separators"},
		{"missing link", func(c *CalibrationConfig) { c.Sensors["cam"] = SensorConfig{TopicName: "/cam"} }, "link is required"},
		{"missing topic", func(c *CalibrationConfig) { c.Sensors["cam"] = SensorConfig{Link: "cam"} }, "topic_name is required"},
		{"bad duration", func(c *CalibrationConfig) { c.MessageTimeout = ptrString("soon") }, "invalid message_timeout"},
		{"negative duration", func(c *CalibrationConfig) { c.ChainTimeout = ptrString("-1s") }, "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetters_Defaults(t *testing.T) {
	cfg := &CalibrationConfig{}
	if cfg.GetDiscoveryTimeout() != 3*time.Second {
		t.Errorf("GetDiscoveryTimeout() = %v", cfg.GetDiscoveryTimeout())
	}
	if cfg.GetTransformTimeout() != time.Second {
		t.Errorf("GetTransformTimeout() = %v", cfg.GetTransformTimeout())
	}
	cfg.MaxDurationBetweenMsgs = ptrFloat64(0.25)
	if cfg.GetMaxDurationBetweenMsgs() != 250*time.Millisecond {
		t.Errorf("GetMaxDurationBetweenMsgs() = %v", cfg.GetMaxDurationBetweenMsgs())
	}
}
