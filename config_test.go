package procfn

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestChildEnvAppliesMarkerAndOverrides(t *testing.T) {
	t.Setenv(markerEnv, "stale")
	t.Setenv("PROCFN_TEST_KEEP", "kept")
	t.Setenv("PROCFN_TEST_OVERRIDE", "old")

	env := childEnv(map[string]string{"PROCFN_TEST_OVERRIDE": "new"}, modeLoop)

	byKey := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		byKey[k] = v
	}
	require.Equal(t, modeLoop, byKey[markerEnv])
	require.Equal(t, "kept", byKey["PROCFN_TEST_KEEP"])
	require.Equal(t, "new", byKey["PROCFN_TEST_OVERRIDE"])

	// The stale marker from this process must not appear twice.
	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, markerEnv+"=") {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`250ms`), &d))
	require.Equal(t, 250*time.Millisecond, d.Duration)
	require.True(t, d.IsSet())

	var empty Duration
	require.NoError(t, yaml.Unmarshal([]byte(`""`), &empty))
	require.Zero(t, empty.Duration)
	require.True(t, empty.IsSet())

	var bad Duration
	require.Error(t, yaml.Unmarshal([]byte(`soon`), &bad))
}

func TestPoolOptionsValidateDefaults(t *testing.T) {
	opts := &PoolOptions{Size: 3}
	require.NoError(t, opts.Validate())
	require.Equal(t, defaultBackoffMin, opts.Backoff.Min.Duration)
	require.Equal(t, defaultBackoffMax, opts.Backoff.Max.Duration)
	require.Equal(t, defaultBackoffFactor, opts.Backoff.Factor)
	require.Equal(t, defaultLiveness, opts.LivenessInterval.Duration)
	require.NotNil(t, opts.Logger)
	require.NotNil(t, opts.Config)
	require.NotNil(t, opts.Config.Logger)
}

func TestPoolOptionsValidateRejectsBadSizes(t *testing.T) {
	require.Error(t, (&PoolOptions{}).Validate())
	require.Error(t, (&PoolOptions{Size: -1}).Validate())
	require.Error(t, (&PoolOptions{Size: 1, QueueSize: -2}).Validate())
}

func TestPoolOptionsValidateClampsBackoff(t *testing.T) {
	opts := &PoolOptions{Size: 1}
	opts.Backoff.Min.Duration = time.Second
	opts.Backoff.Max.Duration = 100 * time.Millisecond
	opts.Backoff.Factor = 0.5
	require.NoError(t, opts.Validate())
	require.Equal(t, time.Second, opts.Backoff.Max.Duration)
	require.Equal(t, defaultBackoffFactor, opts.Backoff.Factor)
}

func TestLoadPoolOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	doc := strings.Join([]string{
		"size: 4",
		"queueSize: 8",
		"livenessInterval: 10s",
		"backoff:",
		"  min: 50ms",
		"  max: 2s",
		"  factor: 3",
		"maxRestarts: 5",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	opts, err := LoadPoolOptions(path)
	require.NoError(t, err)
	require.Equal(t, 4, opts.Size)
	require.Equal(t, 8, opts.QueueSize)
	require.Equal(t, 10*time.Second, opts.LivenessInterval.Duration)
	require.Equal(t, 50*time.Millisecond, opts.Backoff.Min.Duration)
	require.Equal(t, 2*time.Second, opts.Backoff.Max.Duration)
	require.Equal(t, 3.0, opts.Backoff.Factor)
	require.Equal(t, 5, opts.MaxRestarts)
}

func TestLoadPoolOptionsRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("size: 2\nworkers: 3\n"), 0o644))
	_, err := LoadPoolOptions(path)
	require.Error(t, err)
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	opts := BackoffOptions{Factor: 2}
	opts.Min.Duration = 100 * time.Millisecond
	opts.Max.Duration = time.Second

	d := opts.Min.Duration
	for i := 0; i < 10; i++ {
		d = nextBackoff(d, opts)
		require.LessOrEqual(t, d, opts.Max.Duration)
		require.GreaterOrEqual(t, d, opts.Min.Duration)
	}
	require.Equal(t, opts.Max.Duration, d)
}

func TestDefaultJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := defaultJitter(time.Second)
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.LessOrEqual(t, j, time.Second)
	}
	require.Zero(t, defaultJitter(0))
}
