package echocancelstream

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/echocancel/pkg/blockqueue"
	"github.com/xaionaro-go/echocancel/pkg/clocksync"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEngine           = "nlms"
	DefaultFrameSize        = 10 * time.Millisecond
	DefaultOutputBufferSize = 1 << 20
)

type Config struct {
	// Engine is the name of the echo canceller (see echocanceller.Names).
	Engine string `yaml:"engine"`

	// EngineArgs are passed to the engine as is, "key=value key2=value2".
	EngineArgs string `yaml:"engine_args"`

	// FrameSize is the hint for the block duration.
	FrameSize time.Duration `yaml:"frame_size"`

	// AdjustTime is the period of the clock synchronization; zero disables it.
	AdjustTime time.Duration `yaml:"adjust_time"`

	// AdjustThreshold is the tolerated positive alignment error.
	AdjustThreshold time.Duration `yaml:"adjust_threshold"`

	QueueMaxBytes    uint64        `yaml:"queue_max_bytes"`
	SnapshotTimeout  time.Duration `yaml:"snapshot_timeout"`
	OutputBufferSize uint          `yaml:"output_buffer_size"`
}

func DefaultConfig() Config {
	return Config{
		Engine:           DefaultEngine,
		FrameSize:        DefaultFrameSize,
		AdjustTime:       clocksync.DefaultInterval,
		AdjustThreshold:  clocksync.DefaultThreshold,
		QueueMaxBytes:    blockqueue.DefaultMaxLength,
		SnapshotTimeout:  clocksync.DefaultTimeout,
		OutputBufferSize: DefaultOutputBufferSize,
	}
}

// LoadConfig reads the config file; the fields not set in the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to open the config file '%s': %w", path, err)
	}
	defer f.Close()

	cfg, err := ParseConfig(f)
	if err != nil {
		return Config{}, fmt.Errorf("unable to load the config file '%s': %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("unable to parse the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns all the problems of the config at once.
func (cfg Config) Validate() error {
	var result *multierror.Error
	if cfg.Engine == "" {
		result = multierror.Append(result, fmt.Errorf("engine is not set"))
	}
	if _, err := echocanceller.ParseArgs(cfg.EngineArgs); err != nil {
		result = multierror.Append(result, err)
	}
	if cfg.FrameSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("frame_size must be positive, but is %v", cfg.FrameSize))
	}
	if cfg.AdjustTime < 0 {
		result = multierror.Append(result, fmt.Errorf("adjust_time must not be negative, but is %v", cfg.AdjustTime))
	}
	if cfg.AdjustThreshold < 0 {
		result = multierror.Append(result, fmt.Errorf("adjust_threshold must not be negative, but is %v", cfg.AdjustThreshold))
	}
	if cfg.QueueMaxBytes == 0 {
		result = multierror.Append(result, fmt.Errorf("queue_max_bytes must be positive"))
	}
	if cfg.SnapshotTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("snapshot_timeout must be positive, but is %v", cfg.SnapshotTimeout))
	}
	if cfg.OutputBufferSize == 0 {
		result = multierror.Append(result, fmt.Errorf("output_buffer_size must be positive"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
