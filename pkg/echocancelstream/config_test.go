package echocancelstream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(`
engine: spectral
engine_args: "floor=0.1 smoothing=0.5"
frame_size: 20ms
adjust_time: 0s
queue_max_bytes: 65536
`))
	require.NoError(t, err)
	assert.Equal(t, "spectral", cfg.Engine)
	assert.Equal(t, "floor=0.1 smoothing=0.5", cfg.EngineArgs)
	assert.Equal(t, 20*time.Millisecond, cfg.FrameSize)
	assert.Zero(t, cfg.AdjustTime)
	assert.Equal(t, uint64(65536), cfg.QueueMaxBytes)

	// not set in the file
	assert.Equal(t, DefaultConfig().AdjustThreshold, cfg.AdjustThreshold)
	assert.Equal(t, DefaultConfig().SnapshotTimeout, cfg.SnapshotTimeout)
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfigUnknownField(t *testing.T) {
	_, err := ParseConfig(strings.NewReader("engine: nlms\nadjust_tim: 1s\n"))
	assert.Error(t, err)
}

func TestConfigValidateAggregates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine = ""
	cfg.EngineArgs = "broken"
	cfg.FrameSize = 0
	cfg.AdjustTime = -time.Second
	cfg.SnapshotTimeout = 0

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 5)

	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: \"null\"\nadjust_threshold: 2ms\n"), 0640))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "null", cfg.Engine)
	assert.Equal(t, 2*time.Millisecond, cfg.AdjustThreshold)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
