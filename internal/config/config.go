// Package config loads deepguard settings. Values are layered: built-in
// defaults, then an optional YAML file, then DEEPGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/andresmejia3/deepguard/internal/artifact"
	"github.com/andresmejia3/deepguard/internal/fusion"
	"github.com/andresmejia3/deepguard/internal/sampler"
	"github.com/andresmejia3/deepguard/internal/temporal"
)

const (
	// EnvPrefix starts every environment override, e.g. DEEPGUARD_SERVER_ADDR.
	EnvPrefix = "DEEPGUARD_"
	// PathEnvVar names a config file explicitly.
	PathEnvVar = "DEEPGUARD_CONFIG"
	// DefaultFile is picked up from the working directory when present.
	DefaultFile = "deepguard.yaml"
)

type Config struct {
	Logging  Logging       `koanf:"logging"`
	Engine   Engine        `koanf:"engine"`
	Sampler  Sampler       `koanf:"sampler"`
	Artifact Artifact      `koanf:"artifact"`
	Fusion   fusion.Config `koanf:"fusion"`
	Pipeline Pipeline      `koanf:"pipeline"`
	Server   Server        `koanf:"server"`
	Storage  Storage       `koanf:"storage"`
	Watch    Watch         `koanf:"watch"`
}

type Logging struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Engine describes the external detection/inference process pool.
type Engine struct {
	Command   []string      `koanf:"command" validate:"required,min=1"`
	ModelPath string        `koanf:"model_path"`
	Size      int           `koanf:"size" validate:"gte=1,lte=64"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`

	BreakerFailures    uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
}

// Argv is the engine command with the model path appended when set.
func (e Engine) Argv() []string {
	argv := append([]string(nil), e.Command...)
	if e.ModelPath != "" {
		argv = append(argv, "--model", e.ModelPath)
	}
	return argv
}

type Sampler struct {
	MaxFrames   int     `koanf:"max_frames" validate:"gte=1,lte=1024"`
	Rate        float64 `koanf:"rate" validate:"gt=0"`
	Jitter      float64 `koanf:"jitter" validate:"gte=0"`
	Parallelism int     `koanf:"parallelism" validate:"gte=1"`
}

func (s Sampler) Config() sampler.Config {
	return sampler.Config{MaxFrames: s.MaxFrames, Rate: s.Rate, Jitter: s.Jitter, Parallelism: s.Parallelism}
}

type Artifact struct {
	SpectrumMean      float64 `koanf:"spectrum_mean" validate:"gt=0"`
	MaskRadius        float64 `koanf:"mask_radius" validate:"gte=0"`
	LaplacianVariance float64 `koanf:"laplacian_variance" validate:"gte=0"`
	NoiseLevel        float64 `koanf:"noise_level" validate:"gte=0"`
}

func (a Artifact) Thresholds() artifact.Thresholds {
	return artifact.Thresholds{
		SpectrumMean:      a.SpectrumMean,
		MaskRadius:        a.MaskRadius,
		LaplacianVariance: a.LaplacianVariance,
		NoiseLevel:        a.NoiseLevel,
	}
}

type Pipeline struct {
	ModelName            string        `koanf:"model_name"`
	Parallelism          int           `koanf:"parallelism" validate:"gte=1"`
	Timeout              time.Duration `koanf:"timeout" validate:"gte=0"`
	FluctuationThreshold float64       `koanf:"fluctuation_threshold" validate:"gte=0"`
}

type Server struct {
	Addr        string        `koanf:"addr" validate:"required"`
	JWTSecret   string        `koanf:"jwt_secret"`
	MaxUploadMB int64         `koanf:"max_upload_mb" validate:"gte=1"`
	CORSOrigins []string      `koanf:"cors_origins"`
	RateLimit   int           `koanf:"rate_limit" validate:"gte=0"`
	RateWindow  time.Duration `koanf:"rate_window" validate:"gt=0"`
	ShutdownIn  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type Storage struct {
	Enabled   bool   `koanf:"enabled"`
	Endpoint  string `koanf:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `koanf:"access_key" validate:"required_if=Enabled true"`
	SecretKey string `koanf:"secret_key" validate:"required_if=Enabled true"`
	Bucket    string `koanf:"bucket" validate:"required"`
	UseSSL    bool   `koanf:"use_ssl"`
}

type Watch struct {
	Inbox    string        `koanf:"inbox"`
	Outbox   string        `koanf:"outbox"`
	Debounce time.Duration `koanf:"debounce" validate:"gte=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: Logging{Level: "info", Format: "console"},
		Engine: Engine{
			Command:            []string{"python3", "-u", "engine/engine.py"},
			Size:               2,
			Timeout:            30 * time.Second,
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Sampler: Sampler{
			MaxFrames:   sampler.DefaultConfig().MaxFrames,
			Rate:        sampler.DefaultConfig().Rate,
			Jitter:      sampler.DefaultConfig().Jitter,
			Parallelism: sampler.DefaultConfig().Parallelism,
		},
		Artifact: Artifact{
			SpectrumMean:      artifact.DefaultThresholds().SpectrumMean,
			MaskRadius:        artifact.DefaultThresholds().MaskRadius,
			LaplacianVariance: artifact.DefaultThresholds().LaplacianVariance,
			NoiseLevel:        artifact.DefaultThresholds().NoiseLevel,
		},
		Fusion: fusion.DefaultConfig(),
		Pipeline: Pipeline{
			Parallelism:          4,
			Timeout:              2 * time.Minute,
			FluctuationThreshold: temporal.DefaultFluctuationThreshold,
		},
		Server: Server{
			Addr:        ":8080",
			MaxUploadMB: 100,
			CORSOrigins: []string{"*"},
			RateLimit:   60,
			RateWindow:  time.Minute,
			ShutdownIn:  15 * time.Second,
		},
		Storage: Storage{Bucket: "posts"},
		Watch: Watch{
			Inbox:    "inbox",
			Outbox:   "outbox",
			Debounce: 500 * time.Millisecond,
		},
	}
}

// sliceKeys accept comma-separated values from the environment.
var sliceKeys = []string{"engine.command", "server.cors_origins"}

// Load builds the configuration. path may be empty; then DEEPGUARD_CONFIG and
// ./deepguard.yaml are tried in turn. A missing default file is not an error,
// a missing explicit one is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey(k.Keys())), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps DEEPGUARD_SERVER_MAX_UPLOAD_MB to server.max_upload_mb by
// matching against the known keys. Unknown variables are dropped.
func envKey(known []string) func(string) string {
	lookup := make(map[string]string, len(known))
	for _, key := range known {
		lookup[strings.ReplaceAll(key, ".", "_")] = key
	}
	return func(s string) string {
		if s == PathEnvVar {
			return ""
		}
		return lookup[strings.ToLower(strings.TrimPrefix(s, EnvPrefix))]
	}
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs the struct tag rules and the fusion cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Fusion.Validate(); err != nil {
		return fmt.Errorf("invalid config: fusion: %w", err)
	}
	return nil
}
