// Package sim provides a simulated gateway that speaks the serial text
// protocol. It backs the --demo mode and doubles as the scriptable transport
// in tests: every write is recorded, lines can be fed in, and read or write
// failures can be injected.
package sim

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/taggw/internal/link"
	"github.com/shaunagostinho/taggw/internal/packet"
)

// ErrClosed is returned by I/O on a closed simulator.
var ErrClosed = errors.New("sim: device closed")

// Config describes the simulated gateway.
type Config struct {
	Hardware string
	Software string
	// Stream makes the device emit synthetic tag packets after !gateway_app.
	Stream bool
	// Interval between synthetic packets. Defaults to 50ms.
	Interval time.Duration
	// Tags is the pool of advertising addresses used for synthetic packets.
	Tags []string
}

// Device is an in-memory gateway implementing link.Transport.
type Device struct {
	mu     sync.Mutex
	notify chan struct{}

	hardware string
	software string
	stream   bool
	interval time.Duration
	tags     []string

	closed     bool
	bootloader bool
	streaming  bool
	nextEmit   time.Time
	t          float64
	rng        *rand.Rand

	out         []string
	writes      []string
	failWrites  int
	failReads   []error
	inputResets int
	opens       int

	energizing int
	pacer      int
	channel    int
	period     int
	on         int
	backoff    int
	filter     bool
	modulation bool
}

// New creates a closed simulated gateway.
func New(cfg Config) *Device {
	if cfg.Hardware == "" {
		cfg.Hardware = "SIM"
	}
	if cfg.Software == "" {
		cfg.Software = "3.1.0"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = []string{"AABBCCDDEEFF", "112233445566", "0A0B0C0D0E0F"}
	}
	return &Device{
		notify:     make(chan struct{}, 1),
		hardware:   cfg.Hardware,
		software:   cfg.Software,
		stream:     cfg.Stream,
		interval:   cfg.Interval,
		tags:       cfg.Tags,
		closed:     true,
		rng:        rand.New(rand.NewSource(1)),
		energizing: 18,
		channel:    37,
		period:     15,
		on:         5,
		backoff:    2,
	}
}

// Opener returns a link.Opener that (re)opens this device on any port.
func (d *Device) Opener() link.Opener {
	return func(port string, baud int) (link.Transport, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.closed = false
		d.opens++
		return d, nil
	}
}

// ReadLine implements link.Transport.
func (d *Device) ReadLine(timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return "", false, ErrClosed
		}
		if len(d.failReads) > 0 {
			err := d.failReads[0]
			d.failReads = d.failReads[1:]
			d.mu.Unlock()
			return "", false, err
		}
		if len(d.out) > 0 {
			line := d.out[0]
			d.out = d.out[1:]
			d.mu.Unlock()
			return line, true, nil
		}
		wait := time.Until(deadline)
		if d.streaming {
			if now := time.Now(); !now.Before(d.nextEmit) {
				d.nextEmit = now.Add(d.interval)
				line := d.syntheticPacket()
				d.mu.Unlock()
				return line, true, nil
			}
			wait = min(wait, time.Until(d.nextEmit))
		}
		d.mu.Unlock()

		if time.Until(deadline) <= 0 {
			return "", false, nil
		}
		timer := time.NewTimer(max(wait, time.Millisecond))
		select {
		case <-d.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// syntheticPacket builds one tag line; d.mu must be held.
func (d *Device) syntheticPacket() string {
	d.t += 0.05
	tag := d.tags[d.rng.Intn(len(d.tags))]
	rssi := uint8(40 + 20*math.Abs(math.Sin(d.t)) + d.rng.Float64()*5)
	return packet.Encode(tag, "0A1B2C", rssi, uint8(d.rng.Intn(4)))
}

// Write implements link.Transport and answers the commands it understands.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	cmd := strings.TrimSpace(string(p))
	d.writes = append(d.writes, cmd)
	if d.failWrites > 0 {
		d.failWrites--
		return 0, errors.New("sim: injected write failure")
	}
	d.handle(cmd)
	return len(p), nil
}

// handle updates state for cmd and queues any reply; d.mu must be held.
func (d *Device) handle(cmd string) {
	if d.bootloader {
		return
	}
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return
	}
	arg := func(i int) int {
		if i >= len(fields) {
			return 0
		}
		n, _ := strconv.Atoi(fields[i])
		return n
	}

	switch fields[0] {
	case "!version":
		d.emit(fmt.Sprintf("%s=SW_VER=%s BLE_CHIP", d.hardware, d.software))
	case "!print_config":
		d.emit(d.configDump()...)
	case "!reset":
		d.streaming = false
	case "!gateway_app":
		if d.stream {
			d.streaming = true
			d.nextEmit = time.Now()
		}
	case "!move_to_bootloader":
		d.bootloader = true
		d.streaming = false
	case "!set_packet_filter_on":
		d.filter = true
	case "!set_packet_filter_off":
		d.filter = false
	case "!set_modulation_on":
		d.modulation = true
	case "!set_modulation_off":
		d.modulation = false
	case "!set_pacer_interval":
		d.pacer = arg(1)
	case "!scan_ch":
		d.channel = arg(1)
	case "!time_profile":
		d.period, d.on = arg(1), arg(2)
	case "!beacons_backoff":
		d.backoff = arg(1)
	case "!set_energizing_pattern":
		d.energizing = arg(1)
	}
}

func (d *Device) configDump() []string {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	return []string{
		"Gateway Configuration:",
		fmt.Sprintf("Version: %s", d.software),
		fmt.Sprintf("Packet Filter: %s", onOff(d.filter)),
		fmt.Sprintf("Pacer Interval: %d", d.pacer),
		fmt.Sprintf("Scan Channel: %d", d.channel),
		fmt.Sprintf("Time Profile: %d %d", d.period, d.on),
		fmt.Sprintf("Beacons Backoff: %d", d.backoff),
		fmt.Sprintf("Modulation: %s", onOff(d.modulation)),
		fmt.Sprintf("Energizing Pattern: %d", d.energizing),
	}
}

// emit queues reply lines; d.mu must be held.
func (d *Device) emit(lines ...string) {
	d.out = append(d.out, lines...)
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// ResetInputBuffer drops queued output lines, as a port flush would.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.out = nil
	d.inputResets++
	return nil
}

// ResetOutputBuffer implements link.Transport.
func (d *Device) ResetOutputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

// Close implements link.Transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.streaming = false
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// Feed queues lines as if the gateway had sent them.
func (d *Device) Feed(lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit(lines...)
}

// FailWrites makes the next n writes fail.
func (d *Device) FailWrites(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrites = n
}

// FailReads makes the next reads return errs in order.
func (d *Device) FailReads(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failReads = append(d.failReads, errs...)
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Writes returns every command written so far, trimmed.
func (d *Device) Writes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.writes...)
}

// ClearWrites forgets recorded writes.
func (d *Device) ClearWrites() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}

// InputResets returns how many times the input buffer was reset.
func (d *Device) InputResets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputResets
}

// Opens returns how many times the device was opened.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// IsClosed reports whether the transport is closed.
func (d *Device) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// InBootloader reports whether !move_to_bootloader was received.
func (d *Device) InBootloader() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bootloader
}

// Flash installs version and leaves bootloader mode.
func (d *Device) Flash(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.software = version
	d.bootloader = false
}

// SetSoftware changes the reported firmware version.
func (d *Device) SetSoftware(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.software = version
}
