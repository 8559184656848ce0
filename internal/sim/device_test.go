package sim

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/taggw/internal/packet"
)

func open(t *testing.T, d *Device) {
	t.Helper()
	_, err := d.Opener()("sim0", 921600)
	require.NoError(t, err)
}

func TestVersionReply(t *testing.T) {
	d := New(Config{Hardware: "HW1", Software: "4.0.2"})
	open(t, d)

	_, err := d.Write([]byte("!version\r\n"))
	require.NoError(t, err)
	line, ok, err := d.ReadLine(100 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(line, "HW1=SW_VER=4.0.2"))
	assert.Equal(t, []string{"!version"}, d.Writes())
}

func TestConfigDumpReflectsCommands(t *testing.T) {
	d := New(Config{})
	open(t, d)
	for _, c := range []string{"!set_energizing_pattern 51", "!scan_ch 39", "!print_config"} {
		_, err := d.Write([]byte(c + "\r\n"))
		require.NoError(t, err)
	}
	var dump []string
	for {
		line, ok, err := d.ReadLine(20 * time.Millisecond)
		require.NoError(t, err)
		if !ok {
			break
		}
		dump = append(dump, line)
	}
	assert.Contains(t, dump, "Energizing Pattern: 51")
	assert.Contains(t, dump, "Scan Channel: 39")
}

func TestStreamingAfterGatewayApp(t *testing.T) {
	d := New(Config{Stream: true, Interval: 5 * time.Millisecond})
	open(t, d)

	_, ok, err := d.ReadLine(20 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "no packets before !gateway_app")

	_, err = d.Write([]byte("!gateway_app\r\n"))
	require.NoError(t, err)
	line, ok, err := d.ReadLine(200 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	p := packet.Decode(packet.RawSample{Raw: line})
	assert.True(t, p.IsValidTagPacket)
}

func TestBootloaderIgnoresCommandsUntilFlashed(t *testing.T) {
	d := New(Config{Software: "1.0.0"})
	open(t, d)
	_, _ = d.Write([]byte("!move_to_bootloader\r\n"))
	assert.True(t, d.InBootloader())

	_, _ = d.Write([]byte("!version\r\n"))
	_, ok, _ := d.ReadLine(20 * time.Millisecond)
	assert.False(t, ok)

	d.Flash("2.0.0")
	_, _ = d.Write([]byte("!version\r\n"))
	line, ok, _ := d.ReadLine(20 * time.Millisecond)
	require.True(t, ok)
	assert.Contains(t, line, "SW_VER=2.0.0")
}

func TestInjectedFailuresAndClose(t *testing.T) {
	d := New(Config{})
	open(t, d)

	d.FailWrites(1)
	_, err := d.Write([]byte("!version\r\n"))
	assert.Error(t, err)

	boom := assert.AnError
	d.FailReads(boom)
	_, _, err = d.ReadLine(10 * time.Millisecond)
	assert.ErrorIs(t, err, boom)

	require.NoError(t, d.Close())
	_, _, err = d.ReadLine(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}
