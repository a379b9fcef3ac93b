// Package metadata performs the cheap structural scan that runs before any decoding.
//
// Only stat data is consulted. The concrete rules are placeholders for real
// container introspection and are swappable through the Rule interface.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/andresmejia3/deepguard/internal/types"
)

const (
	TagAbnormalFileSize      = "abnormal_file_size"
	TagMissingSensorMetadata = "missing_sensor_metadata"
	TagScanError             = "metadata_scan_error"
)

// Finding is what one rule contributes to the metadata score.
type Finding struct {
	Score  float64
	Signal string
}

// Rule inspects stat data and optionally raises a finding.
// A zero Finding means the rule found nothing unusual.
type Rule interface {
	Name() string
	Check(info fs.FileInfo) (Finding, error)
}

// Inspector sums rule contributions into a bounded score.
type Inspector struct {
	rules []Rule
}

// New builds an inspector with the given rules, or the default set when none are passed.
func New(rules ...Rule) *Inspector {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Inspector{rules: rules}
}

// DefaultRules returns the stock rule set.
func DefaultRules() []Rule {
	return []Rule{
		SizeRule{MinBytes: 1000, Penalty: 0.2},
		SensorRule{Probe: NoSensorData, Penalty: 0.1},
	}
}

// Stat resolves path into a regular file's info, mapping failures to the input sentinels.
func Stat(path string) (fs.FileInfo, error) {
	if path == "" {
		return nil, types.ErrNoInput
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", types.ErrNotRegularFile, path)
	}
	return info, nil
}

// Scan returns the metadata risk score in [0,1] and the raised tags.
// Only a missing or non-regular path is returned as an error. A failing rule
// is contained: the score goes to the maximum and a diagnostic tag is raised.
func (in *Inspector) Scan(ctx context.Context, path string) (float64, []string, error) {
	info, err := Stat(path)
	if err != nil {
		return 0, nil, err
	}

	var (
		score   float64
		signals []string
	)
	for _, rule := range in.rules {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		f, err := rule.Check(info)
		if err != nil {
			return types.MaxRisk, []string{TagScanError}, nil
		}
		if f.Signal != "" {
			score += f.Score
			signals = append(signals, f.Signal)
		}
	}
	return types.Clamp01(score), signals, nil
}

// SizeRule flags files too small to hold real camera output.
type SizeRule struct {
	MinBytes int64
	Penalty  float64
}

func (SizeRule) Name() string { return "size" }

func (r SizeRule) Check(info fs.FileInfo) (Finding, error) {
	if info.Size() < r.MinBytes {
		return Finding{Score: r.Penalty, Signal: TagAbnormalFileSize}, nil
	}
	return Finding{}, nil
}

// SensorProbe reports whether camera sensor metadata is present.
type SensorProbe func(info fs.FileInfo) (bool, error)

// NoSensorData is the stock probe. It never finds sensor data.
func NoSensorData(fs.FileInfo) (bool, error) { return false, nil }

// SensorRule flags assets without camera sensor metadata.
type SensorRule struct {
	Probe   SensorProbe
	Penalty float64
}

func (SensorRule) Name() string { return "sensor" }

func (r SensorRule) Check(info fs.FileInfo) (Finding, error) {
	probe := r.Probe
	if probe == nil {
		probe = NoSensorData
	}
	present, err := probe(info)
	if err != nil {
		return Finding{}, err
	}
	if !present {
		return Finding{Score: r.Penalty, Signal: TagMissingSensorMetadata}, nil
	}
	return Finding{}, nil
}
