package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/taggw/internal/gateway"
	"github.com/shaunagostinho/taggw/internal/packet"
	"github.com/shaunagostinho/taggw/internal/sim"
)

type fixture struct {
	dev *sim.Device
	gw  *gateway.Gateway
	srv *Server
	ts  *httptest.Server
	cfg *Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := sim.New(sim.Config{Hardware: "GW04", Software: "3.1.0"})

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Recording.Path = t.TempDir()
	cfg.Firmware.Dir = t.TempDir()
	cfg.Gateway.SettleDelayMs = 0
	cfg.Gateway.CommandDelayMs = 1

	opts := cfg.GatewayOptions()
	opts.Opener = dev.Opener()
	gw := gateway.New(opts)
	require.NoError(t, gw.Connect(context.Background(), gateway.ConnectOptions{Port: "sim0"}))

	srv := New(cfg, gw, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.recorder.Close()
		_ = gw.Disconnect()
	})
	return &fixture{dev: dev, gw: gw, srv: srv, ts: ts, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st map[string]any
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, true, st["connected"])
	assert.Equal(t, "sim0", st["port"])
	assert.Equal(t, "3.1.0", st["version"].(map[string]any)["software"])
	assert.Equal(t, "idle", st["listener"].(map[string]any)["state"])
	assert.Equal(t, false, st["recording"].(map[string]any)["enabled"])

	resp, _ = f.do(t, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDeviceConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/device/config", `{"energizing_pattern":51,"received_channel":38}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, f.dev.Writes(), "!set_energizing_pattern 51")
	assert.Contains(t, f.dev.Writes(), "!scan_ch 38")

	resp, body = f.do(t, http.MethodGet, "/api/device/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report struct {
		Values map[string]string `json:"values"`
	}
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, "51", report.Values["Energizing Pattern"])

	f.dev.ClearWrites()
	resp, body = f.do(t, http.MethodPost, "/api/device/config", `{"pacer_interval":70000,"received_channel":40}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Len(t, e.Fields, 2)
	assert.Empty(t, f.dev.Writes())

	resp, _ = f.do(t, http.MethodPost, "/api/device/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeviceCommandEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/device/command", `{"command":"!set_packet_filter_on"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, f.dev.Writes(), "!set_packet_filter_on")

	resp, _ = f.do(t, http.MethodPost, "/api/device/command", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.NoError(t, f.gw.Disconnect())
	resp, _ = f.do(t, http.MethodPost, "/api/device/command", `{"command":"!reset"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFirmwareCheckEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/firmware", `{"target":"3.1.0","check_only":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res map[string]any
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "up_to_date", res["state"])

	resp, body = f.do(t, http.MethodPost, "/api/firmware", `{"target":"latest","check_only":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(body))
}

func TestAppConfigEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"listen_addr":":8080"`)

	resp, _ = f.do(t, http.MethodPost, "/api/config", `{"server":{"poll_ms":250}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 250, f.cfg.ServerSettings().PollMs)
	assert.Equal(t, ":8080", f.cfg.ServerSettings().ListenAddr)

	saved := LoadConfig(f.cfg.Path())
	assert.Equal(t, 250, saved.ServerSettings().PollMs)

	resp, _ = f.do(t, http.MethodPost, "/api/config", `{"device":{"energizing_pattern":29}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, f.cfg.DeviceOptions().EnergizingPattern)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "taggw_commands_written_total")
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var fr Frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func TestWebSocketStreamsAndRecordsPackets(t *testing.T) {
	f := newFixture(t)
	f.srv.recorder.SetEnabled(true)
	require.NoError(t, f.srv.StartWorkers())

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	require.NotNil(t, first.Status)
	assert.True(t, first.Status.Connected)

	require.Eventually(t, func() bool {
		f.srv.clientsMu.RLock()
		defer f.srv.clientsMu.RUnlock()
		return len(f.srv.clients) == 1
	}, time.Second, 10*time.Millisecond)

	f.dev.Feed(packet.Encode("AABBCCDDEEFF", "0A1B2C", 42, 1))
	var got []packet.ProcessedPacket
	require.Eventually(t, func() bool {
		f.srv.poll()
		return f.gw.Status().ProcessedQueued == 0 && f.gw.Status().Processor.Emitted == 1
	}, 2*time.Second, 10*time.Millisecond)

	fr := readFrame(t, conn)
	got = fr.Packets
	require.Len(t, got, 1)
	assert.Equal(t, "AABBCCDDEEFF", *got[0].AdvAddress)
	assert.EqualValues(t, 42, *got[0].RSSI)
	assert.Equal(t, 1, *got[0].CounterTag)

	assert.NotEmpty(t, f.srv.recorder.Path())
	resp, body := f.do(t, http.MethodPost, "/api/recording", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(body, []byte(`"enabled":false`)))
}
