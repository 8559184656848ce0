package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/taggw/internal/devconf"
	"github.com/shaunagostinho/taggw/internal/packet"
)

func fastRetry(t *testing.T) {
	t.Helper()
	base, ceiling := retryBase, retryMax
	retryBase, retryMax = time.Millisecond, 4*time.Millisecond
	t.Cleanup(func() { retryBase, retryMax = base, ceiling })
}

func TestConnectWithRetrySucceedsAfterFailures(t *testing.T) {
	fastRetry(t)
	calls := 0
	ok := connectWithRetry(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("port busy")
		}
		return nil
	}, 2)
	assert.True(t, ok)
	assert.Equal(t, 4, calls)
}

func TestConnectWithRetryStopsOnCancel(t *testing.T) {
	fastRetry(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ok := connectWithRetry(ctx, "test", func(ctx context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return errors.New("no gateway")
	}, 10)
	assert.False(t, ok)
	assert.Equal(t, 3, calls)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LOG_LEVEL", "error")
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath, "--demo"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestListenDemo(t *testing.T) {
	out, err := run(t, "listen", "--count", "5", "--time", "5s")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	for _, l := range lines {
		var p packet.ProcessedPacket
		require.NoError(t, json.Unmarshal([]byte(l), &p))
		assert.True(t, p.IsValidTagPacket, l)
		require.NotNil(t, p.CounterTag)
	}
}

func TestConfigDemoAppliesAndReports(t *testing.T) {
	out, err := run(t, "config", "--energizing", "51", "--channel", "39")
	require.NoError(t, err)
	assert.Contains(t, out, "Energizing Pattern: 51")
	assert.Contains(t, out, "Scan Channel: 39")
	assert.NotContains(t, out, "process_packet")
}

func TestConfigRejectsBadValuesBeforeConnecting(t *testing.T) {
	_, err := run(t, "config", "--pacer", "70000", "--channel", "40")
	var invalid *devconf.InvalidConfigError
	require.ErrorAs(t, err, &invalid)
	assert.Len(t, invalid.Fields, 2)

	_, err = run(t, "config", "--period", "20")
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	out, err := run(t, "config", "--show")
	require.NoError(t, err)
	assert.Contains(t, out, `"demo":true`)
}

func TestPortsDemo(t *testing.T) {
	out, err := run(t, "ports")
	require.NoError(t, err)
	assert.Contains(t, out, "PORT")
	assert.Contains(t, out, demoPort)
}

func TestFirmwareCheckDemo(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "firmware", "--check", "--target", "3.1.0", "--dir", dir)
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "up_to_date", res["state"])
}
