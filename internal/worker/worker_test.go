package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/taggw/internal/link"
	"github.com/shaunagostinho/taggw/internal/packet"
	"github.com/shaunagostinho/taggw/internal/queue"
	"github.com/shaunagostinho/taggw/internal/sim"
)

func scenarioLine() string {
	payload := strings.Repeat("A1", 6) + strings.Repeat("0", 8) + strings.Repeat("B2", 3) +
		strings.Repeat("0", 48) + "0A" + "03"
	return `process_packet("` + payload + `")`
}

func openSim(t *testing.T, cfg sim.Config) (*sim.Device, *link.Link) {
	t.Helper()
	dev := sim.New(cfg)
	l := link.New(dev.Opener())
	require.NoError(t, l.Open("sim0", 0))
	return dev, l
}

func waitDone(t *testing.T, done <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatalf("worker did not exit within %v", within)
	}
}

func TestListenerToProcessorScenario(t *testing.T) {
	dev, l := openSim(t, sim.Config{})
	dev.Feed(scenarioLine())

	raw := queue.New[packet.RawSample](0)
	lis := NewListener(l, raw, ListenerOptions{Bounds: Bounds{MaxCount: 1, MaxTime: 2 * time.Second}})
	require.NoError(t, lis.Run(context.Background()))
	assert.Equal(t, Exhausted, lis.Status().State())
	require.Equal(t, 1, raw.Len())

	processed := queue.New[packet.ProcessedPacket](0)
	proc := NewProcessor(raw, processed, ProcessorOptions{Bounds: Bounds{MaxCount: 1, MaxTime: 2 * time.Second}})
	require.NoError(t, proc.Run(context.Background()))

	out := processed.Receiver().Drain(queue.AllItems())
	require.Len(t, out, 1)
	p := out[0]
	assert.True(t, p.IsValidTagPacket)
	require.NotNil(t, p.RSSI)
	assert.EqualValues(t, 10, *p.RSSI)
	require.NotNil(t, p.NPacketFilter)
	assert.EqualValues(t, 3, *p.NPacketFilter)
	require.NotNil(t, p.CounterTag)
	assert.Equal(t, 1, *p.CounterTag)
	require.NotNil(t, p.TimeFromStart)
}

func TestListenerStopLatency(t *testing.T) {
	_, l := openSim(t, sim.Config{})
	lis := NewListener(l, queue.New[packet.RawSample](0), ListenerOptions{})
	lis.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	begin := time.Now()
	lis.Stop()
	assert.LessOrEqual(t, time.Since(begin), 200*time.Millisecond)
	assert.Equal(t, Stopped, lis.Status().State())
}

func TestStopBeforeRunIsHonored(t *testing.T) {
	_, l := openSim(t, sim.Config{})
	lis := NewListener(l, queue.New[packet.RawSample](0), ListenerOptions{})
	lis.Status().RequestStop()
	require.NoError(t, lis.Run(context.Background()))
	assert.Equal(t, Stopped, lis.Status().State())
}

func TestStopWithoutStartReturns(t *testing.T) {
	_, l := openSim(t, sim.Config{})
	lis := NewListener(l, queue.New[packet.RawSample](0), ListenerOptions{})
	lis.Stop()
	assert.Equal(t, Idle, lis.Status().State())
}

func TestListenerTimestampsAndOrder(t *testing.T) {
	dev, l := openSim(t, sim.Config{})
	dev.Feed("one", "two", "three")

	raw := queue.New[packet.RawSample](0)
	lis := NewListener(l, raw, ListenerOptions{Bounds: Bounds{MaxCount: 3, MaxTime: time.Second}})
	require.NoError(t, lis.Run(context.Background()))

	got := raw.Receiver().Drain(queue.AllItems())
	require.Len(t, got, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{got[0].Raw, got[1].Raw, got[2].Raw})
	assert.LessOrEqual(t, got[0].Timestamp, got[1].Timestamp)
	assert.LessOrEqual(t, got[1].Timestamp, got[2].Timestamp)
}

func TestListenerTagOnly(t *testing.T) {
	dev, l := openSim(t, sim.Config{})
	raw := queue.New[packet.RawSample](0)
	require.NoError(t, raw.Sender().Push(packet.RawSample{Raw: "stale"}))
	dev.Feed("stale line")

	lis := NewListener(l, raw, ListenerOptions{TagOnly: true, Bounds: Bounds{MaxCount: 2, MaxTime: time.Second}})
	assert.Zero(t, raw.Len(), "raw queue cleared at construction")
	assert.Equal(t, 1, dev.InputResets())

	dev.Feed("boot banner", `process_packet("short")`, "Gateway ready", scenarioLine())
	require.NoError(t, lis.Run(context.Background()))

	got := raw.Receiver().Drain(queue.AllItems())
	require.Len(t, got, 2)
	assert.Equal(t, `process_packet("short")`, got[0].Raw)
	assert.Equal(t, scenarioLine(), got[1].Raw)
}

func TestListenerTimeBound(t *testing.T) {
	_, l := openSim(t, sim.Config{})
	lis := NewListener(l, queue.New[packet.RawSample](0), ListenerOptions{
		ReadTimeout: 10 * time.Millisecond,
		Bounds:      Bounds{MaxTime: 50 * time.Millisecond},
	})
	begin := time.Now()
	require.NoError(t, lis.Run(context.Background()))
	assert.Equal(t, TimedOut, lis.Status().State())
	assert.Less(t, time.Since(begin), time.Second)
}

func TestListenerContextCancel(t *testing.T) {
	_, l := openSim(t, sim.Config{})
	lis := NewListener(l, queue.New[packet.RawSample](0), ListenerOptions{ReadTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	lis.Start(ctx)
	cancel()
	waitDone(t, lis.Done(), 200*time.Millisecond)
	assert.Equal(t, Stopped, lis.Status().State())
}

func TestListenerWatchdogResetsInput(t *testing.T) {
	dev, l := openSim(t, sim.Config{})
	lis := NewListener(l, queue.New[packet.RawSample](0), ListenerOptions{
		ReadTimeout: 10 * time.Millisecond,
		Watchdog:    40 * time.Millisecond,
		Bounds:      Bounds{MaxTime: 150 * time.Millisecond},
	})
	require.NoError(t, lis.Run(context.Background()))
	assert.GreaterOrEqual(t, dev.InputResets(), 1)
}

func TestListenerKeepsFirstErrorOfBurst(t *testing.T) {
	dev, l := openSim(t, sim.Config{})
	first := errors.New("first")
	dev.FailReads(first, errors.New("second"))
	dev.Feed("ok")

	raw := queue.New[packet.RawSample](0)
	lis := NewListener(l, raw, ListenerOptions{Bounds: Bounds{MaxCount: 1, MaxTime: time.Second}})
	require.NoError(t, lis.Run(context.Background()))

	assert.Equal(t, Exhausted, lis.Status().State())
	assert.Zero(t, lis.Status().ConsecutiveErrors())
	assert.ErrorIs(t, lis.Status().TakeError(), first)
	assert.NoError(t, lis.Status().TakeError())
	assert.Equal(t, 1, raw.Len())
}

func TestListenerFaultClosesLink(t *testing.T) {
	dev, l := openSim(t, sim.Config{})
	errs := make([]error, MaxConsecutiveErrors+1)
	first := errors.New("read failed 0")
	errs[0] = first
	for i := 1; i < len(errs); i++ {
		errs[i] = errors.New("read failed")
	}
	dev.FailReads(errs...)

	lis := NewListener(l, queue.New[packet.RawSample](0), ListenerOptions{Bounds: Bounds{MaxTime: 2 * time.Second}})
	err := lis.Run(context.Background())

	var fault *WorkerFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, MaxConsecutiveErrors+1, fault.Count)
	assert.ErrorIs(t, fault, first)
	assert.Equal(t, Faulted, lis.Status().State())
	assert.False(t, l.IsOpen())
	assert.True(t, dev.IsClosed())

	taken := lis.Status().TakeError()
	assert.ErrorAs(t, taken, &fault)
}

func TestProcessorBatchPreservesOrder(t *testing.T) {
	samples := []packet.RawSample{
		{Raw: packet.Encode("AABBCCDDEEFF", "000001", 1, 0), Timestamp: 0.1},
		{Raw: packet.Encode("AABBCCDDEEFF", "000001", 2, 0), Timestamp: 0.2},
		{Raw: packet.Encode("AABBCCDDEEFF", "000001", 3, 0), Timestamp: 0.3},
	}
	processed := queue.New[packet.ProcessedPacket](0)
	proc := NewBatchProcessor(samples, processed, ProcessorOptions{})
	require.NoError(t, proc.Run(context.Background()))
	assert.Equal(t, Exhausted, proc.Status().State())

	out := processed.Receiver().Drain(queue.AllItems())
	require.Len(t, out, 3)
	for i, want := range []float64{0.1, 0.2, 0.3} {
		require.NotNil(t, out[i].TimeFromStart)
		assert.Equal(t, want, *out[i].TimeFromStart)
		assert.EqualValues(t, i+1, *out[i].RSSI)
	}
}

func TestProcessorCountersPerTag(t *testing.T) {
	order := []string{"AABBCCDDEEFF", "112233445566", "AABBCCDDEEFF", "112233445566", "AABBCCDDEEFF"}
	samples := make([]packet.RawSample, len(order))
	for i, adv := range order {
		samples[i] = packet.RawSample{Raw: packet.Encode(adv, "", 0, 0), Timestamp: float64(i)}
	}
	processed := queue.New[packet.ProcessedPacket](0)
	proc := NewBatchProcessor(samples, processed, ProcessorOptions{})
	require.NoError(t, proc.Run(context.Background()))

	out := processed.Receiver().Drain(queue.AllItems())
	require.Len(t, out, 5)
	var counters []int
	for _, p := range out {
		counters = append(counters, *p.CounterTag)
	}
	assert.Equal(t, []int{1, 1, 2, 2, 3}, counters)
	assert.Equal(t, 5, proc.History().Len())
}

func TestProcessorNoAddressNoCounter(t *testing.T) {
	proc := NewBatchProcessor(nil, queue.New[packet.ProcessedPacket](0), ProcessorOptions{})
	p := proc.Process(packet.RawSample{Raw: "Gateway ready", Timestamp: 1.5})
	assert.False(t, p.IsValidTagPacket)
	assert.Nil(t, p.CounterTag)
	assert.Nil(t, p.TimeFromStart)
	assert.Equal(t, "Gateway ready", p.Packet)
}

func TestProcessorStreamingStop(t *testing.T) {
	raw := queue.New[packet.RawSample](0)
	processed := queue.New[packet.ProcessedPacket](0)
	proc := NewProcessor(raw, processed, ProcessorOptions{})
	proc.Start(context.Background())

	tx := raw.Sender()
	for i, ts := range []float64{0.1, 0.2, 0.3} {
		require.NoError(t, tx.Push(packet.RawSample{Raw: packet.Encode("AABBCCDDEEFF", "", uint8(i), 0), Timestamp: ts}))
	}
	require.Eventually(t, func() bool { return processed.Len() == 3 }, time.Second, 5*time.Millisecond)

	begin := time.Now()
	proc.Stop()
	assert.LessOrEqual(t, time.Since(begin), 200*time.Millisecond)
	assert.Equal(t, Stopped, proc.Status().State())

	out := processed.Receiver().Drain(queue.AllItems())
	for i, want := range []float64{0.1, 0.2, 0.3} {
		assert.Equal(t, want, *out[i].TimeFromStart)
		assert.Equal(t, i+1, *out[i].CounterTag)
	}
}

func TestProcessorPushErrorsAreRecorded(t *testing.T) {
	samples := []packet.RawSample{{Raw: "a"}, {Raw: "b"}, {Raw: "c"}}
	processed := queue.New[packet.ProcessedPacket](1)
	proc := NewBatchProcessor(samples, processed, ProcessorOptions{})
	require.NoError(t, proc.Run(context.Background()))

	assert.Equal(t, Exhausted, proc.Status().State())
	assert.EqualValues(t, 1, proc.Status().Emitted())
	assert.ErrorIs(t, proc.Status().TakeError(), queue.ErrFull)
}

func TestProcessorFaultsAfterConsecutivePushErrors(t *testing.T) {
	samples := make([]packet.RawSample, MaxConsecutiveErrors+3)
	for i := range samples {
		samples[i] = packet.RawSample{Raw: scenarioLine()}
	}
	processed := queue.New[packet.ProcessedPacket](1)
	proc := NewBatchProcessor(samples, processed, ProcessorOptions{})

	err := proc.Run(context.Background())
	var fault *WorkerFault
	require.ErrorAs(t, err, &fault)
	assert.ErrorIs(t, fault, queue.ErrFull)
	assert.Equal(t, Faulted, proc.Status().State())
	assert.EqualValues(t, 1, proc.Status().Emitted())
	assert.Equal(t, 1, processed.Len())

	taken := proc.Status().TakeError()
	require.ErrorAs(t, taken, &fault)
	assert.NoError(t, proc.Status().TakeError())
}

func TestSnapshotReportsWithoutTaking(t *testing.T) {
	st := NewStatus("listener")
	st.begin()
	st.fail(errors.New("boom"))
	snap := st.Snapshot()
	assert.Equal(t, "boom", snap.LastError)
	assert.EqualValues(t, 1, snap.ConsecutiveErrors)
	assert.Equal(t, Running, snap.State)
	assert.Error(t, st.TakeError())
}

func TestStateText(t *testing.T) {
	b, err := TimedOut.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "timed_out", string(b))
	assert.True(t, Faulted.Done())
	assert.False(t, Running.Done())

	var st State
	require.NoError(t, st.UnmarshalText([]byte("exhausted")))
	assert.Equal(t, Exhausted, st)
	assert.Error(t, st.UnmarshalText([]byte("sleeping")))
}
