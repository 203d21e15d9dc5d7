// Package config loads the calibration run settings from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/banshee-data/tshcal/internal/rig"
	"github.com/banshee-data/tshcal/internal/tsh/buffer"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/tshcal.defaults.json"

// CalibrationConfig holds every run setting. Fields omitted from the JSON
// stay nil and the Get* accessors supply defaults, so partial files are safe.
// Durations are strings like "2s".
type CalibrationConfig struct {
	// Sensor
	SensorID   *string  `json:"sensor_id,omitempty"`
	SensorAddr *string  `json:"sensor_addr,omitempty"` // host:port of the data stream
	Rate       *float64 `json:"rate,omitempty"`        // sa/sec

	// Search
	Statistic     *string  `json:"statistic,omitempty"` // "mean" or "median"
	SearchCapture *string  `json:"search_capture,omitempty"`
	RecordCapture *string  `json:"record_capture,omitempty"`
	QuickSummary  *string  `json:"quick_summary,omitempty"`
	MinWidth      *float64 `json:"min_width,omitempty"` // degrees
	MaxIters      *int     `json:"max_iters,omitempty"`
	StartAt       *string  `json:"start_at,omitempty"`

	// Rig
	Settle       *string  `json:"settle,omitempty"`
	Tolerance    *float64 `json:"tolerance,omitempty"` // degrees
	MaxRetries   *int     `json:"max_retries,omitempty"`
	ESPPort      *string  `json:"esp_port,omitempty"`
	ESPBaudRate  *int     `json:"esp_baud_rate,omitempty"`
	PollInterval *string  `json:"poll_interval,omitempty"`

	// Output
	OutDir *string `json:"out_dir,omitempty"`
}

// EmptyCalibrationConfig returns a config with every field nil.
func EmptyCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{}
}

// LoadCalibrationConfig loads a CalibrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadCalibrationConfig(path string) (*CalibrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCalibrationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var sensorIDPattern = regexp.MustCompile(`^es[0-9]{2}$`)

// ValidateSensorID accepts ids of the form esNN, e.g. "es13".
func ValidateSensorID(id string) error {
	if !sensorIDPattern.MatchString(id) {
		return fmt.Errorf("sensor %q must look like es13", id)
	}
	return nil
}

// ValidateRate accepts 1 to 999 sa/sec.
func ValidateRate(rate float64) error {
	if rate < 1 || rate > 999 {
		return fmt.Errorf("rate %.4f sa/sec must be between 1 and 999", rate)
	}
	return nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

// Validate checks every field that is set.
func (c *CalibrationConfig) Validate() error {
	if c.SensorID != nil {
		if err := ValidateSensorID(*c.SensorID); err != nil {
			return err
		}
	}
	if c.Rate != nil {
		if err := ValidateRate(*c.Rate); err != nil {
			return err
		}
	}
	if c.Statistic != nil {
		if _, err := buffer.ParseStatistic(*c.Statistic); err != nil {
			return err
		}
	}
	for name, v := range map[string]*string{
		"search_capture": c.SearchCapture,
		"record_capture": c.RecordCapture,
		"settle":         c.Settle,
		"poll_interval":  c.PollInterval,
	} {
		if err := validDuration(name, v); err != nil {
			return err
		}
	}
	// zero disables the quick summary
	if c.QuickSummary != nil && *c.QuickSummary != "" {
		if d, err := time.ParseDuration(*c.QuickSummary); err != nil || d < 0 {
			return fmt.Errorf("invalid quick_summary '%s'", *c.QuickSummary)
		}
	}
	if c.MinWidth != nil && *c.MinWidth <= 0 {
		return fmt.Errorf("min_width must be positive, got %f", *c.MinWidth)
	}
	if c.MaxIters != nil && *c.MaxIters <= 0 {
		return fmt.Errorf("max_iters must be positive, got %d", *c.MaxIters)
	}
	if c.Tolerance != nil && *c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive, got %f", *c.Tolerance)
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got %d", *c.MaxRetries)
	}
	if c.ESPBaudRate != nil && *c.ESPBaudRate <= 0 {
		return fmt.Errorf("esp_baud_rate must be positive, got %d", *c.ESPBaudRate)
	}
	if c.StartAt != nil && *c.StartAt != "" {
		if _, err := rig.Lookup(*c.StartAt); err != nil {
			return err
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSensorID returns sensor_id or "es13".
func (c *CalibrationConfig) GetSensorID() string {
	if c.SensorID == nil {
		return "es13"
	}
	return *c.SensorID
}

// GetSensorAddr returns sensor_addr or localhost on the default data port.
func (c *CalibrationConfig) GetSensorAddr() string {
	if c.SensorAddr == nil || *c.SensorAddr == "" {
		return "127.0.0.1:9750"
	}
	return *c.SensorAddr
}

// GetRate returns rate or 250 sa/sec.
func (c *CalibrationConfig) GetRate() float64 {
	if c.Rate == nil {
		return 250
	}
	return *c.Rate
}

// GetStatistic returns statistic or mean.
func (c *CalibrationConfig) GetStatistic() buffer.Statistic {
	if c.Statistic == nil {
		return buffer.StatMean
	}
	s, err := buffer.ParseStatistic(*c.Statistic)
	if err != nil {
		return buffer.StatMean
	}
	return s
}

func (c *CalibrationConfig) GetSearchCapture() time.Duration {
	return durationOr(c.SearchCapture, 2*time.Second)
}

func (c *CalibrationConfig) GetRecordCapture() time.Duration {
	return durationOr(c.RecordCapture, 60*time.Second)
}

// GetQuickSummary returns quick_summary or 2s. "0s" disables it.
func (c *CalibrationConfig) GetQuickSummary() time.Duration {
	return durationOr(c.QuickSummary, 2*time.Second)
}

func (c *CalibrationConfig) GetMinWidth() float64 {
	if c.MinWidth == nil {
		return 0.1
	}
	return *c.MinWidth
}

func (c *CalibrationConfig) GetMaxIters() int {
	if c.MaxIters == nil {
		return 25
	}
	return *c.MaxIters
}

func (c *CalibrationConfig) GetStartAt() string {
	if c.StartAt == nil {
		return ""
	}
	return *c.StartAt
}

func (c *CalibrationConfig) GetSettle() time.Duration {
	return durationOr(c.Settle, 3*time.Second)
}

func (c *CalibrationConfig) GetTolerance() float64 {
	if c.Tolerance == nil {
		return 0.01
	}
	return *c.Tolerance
}

func (c *CalibrationConfig) GetMaxRetries() int {
	if c.MaxRetries == nil {
		return 3
	}
	return *c.MaxRetries
}

// GetESPPort returns esp_port or /dev/ttyUSB0.
func (c *CalibrationConfig) GetESPPort() string {
	if c.ESPPort == nil || *c.ESPPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.ESPPort
}

func (c *CalibrationConfig) GetESPBaudRate() int {
	if c.ESPBaudRate == nil {
		return 19200
	}
	return *c.ESPBaudRate
}

func (c *CalibrationConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 100*time.Millisecond)
}

func (c *CalibrationConfig) GetOutDir() string {
	if c.OutDir == nil || *c.OutDir == "" {
		return "."
	}
	return *c.OutDir
}

// MoveConfig assembles the rig settle and retry settings.
func (c *CalibrationConfig) MoveConfig() rig.MoveConfig {
	return rig.MoveConfig{Settle: c.GetSettle(), Tolerance: c.GetTolerance(), MaxRetries: c.GetMaxRetries()}
}
