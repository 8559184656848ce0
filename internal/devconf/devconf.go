// Package devconf validates and sends gateway configuration commands and
// parses the gateway's configuration report.
package devconf

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/taggw/internal/link"
)

const (
	// DefaultCommandDelay separates consecutive commands so the gateway's
	// command buffer is not overrun.
	DefaultCommandDelay = 10 * time.Millisecond
	maxCommandDelay     = 50 * time.Millisecond

	// ReportTimeout bounds the wait for the configuration dump.
	ReportTimeout = 3 * time.Second
	reportMarker  = "Energizing Pattern"
)

// Gateway commands.
const (
	cmdFilterOn      = "!set_packet_filter_on"
	cmdFilterOff     = "!set_packet_filter_off"
	cmdPacer         = "!set_pacer_interval"
	cmdChannel       = "!scan_ch"
	cmdTimeProfile   = "!time_profile"
	cmdBackoff       = "!beacons_backoff"
	cmdModulationOn  = "!set_modulation_on"
	cmdModulationOff = "!set_modulation_off"
	cmdEnergizing    = "!set_energizing_pattern"
	cmdGatewayApp    = "!gateway_app"
	cmdPrintConfig   = "!print_config"
)

// ErrNoReport is returned when the configuration dump does not arrive in time.
var ErrNoReport = errors.New("devconf: no configuration report")

// Commander is the part of the link the controller borrows.
type Commander interface {
	Write(cmd string) error
	Request(cmd, substr string, timeout time.Duration) (link.Response, error)
}

// TimeProfile is the radio duty cycle: on slots out of period.
type TimeProfile struct {
	On     int `json:"on" yaml:"on"`
	Period int `json:"period" yaml:"period"`
}

// Options selects which settings Apply sends. Nil fields are left alone.
type Options struct {
	Filter            *bool        `json:"filter,omitempty" yaml:"filter,omitempty"`
	PacerInterval     *int         `json:"pacer_interval,omitempty" yaml:"pacer_interval,omitempty"`
	ReceivedChannel   *int         `json:"received_channel,omitempty" yaml:"received_channel,omitempty"`
	TimeProfile       *TimeProfile `json:"time_profile,omitempty" yaml:"time_profile,omitempty"`
	BeaconBackoff     *int         `json:"beacon_backoff,omitempty" yaml:"beacon_backoff,omitempty"`
	Modulation        *bool        `json:"modulation,omitempty" yaml:"modulation,omitempty"`
	EnergizingPattern *int         `json:"energizing_pattern,omitempty" yaml:"energizing_pattern,omitempty"`
	// StartGatewayApp sends !gateway_app after the settings.
	StartGatewayApp bool `json:"start_gateway_app,omitempty" yaml:"start_gateway_app,omitempty"`
}

// Empty reports whether no setting is selected.
func (o Options) Empty() bool {
	return o.Filter == nil && o.PacerInterval == nil && o.ReceivedChannel == nil &&
		o.TimeProfile == nil && o.BeaconBackoff == nil && o.Modulation == nil &&
		o.EnergizingPattern == nil && !o.StartGatewayApp
}

// Params holds the last value successfully written for each setting.
type Params struct {
	Filter            *bool        `json:"filter"`
	PacerInterval     *int         `json:"pacer_interval"`
	ReceivedChannel   *int         `json:"received_channel"`
	TimeProfile       *TimeProfile `json:"time_profile"`
	BeaconBackoff     *int         `json:"beacon_backoff"`
	Modulation        *bool        `json:"modulation"`
	EnergizingPattern *int         `json:"energizing_pattern"`
}

// Config tunes a Controller.
type Config struct {
	// SkipValidation sends values without range checks.
	SkipValidation bool
	// CommandDelay follows every command; must stay under 50ms.
	CommandDelay time.Duration
}

// Controller sends configuration commands over a borrowed link.
type Controller struct {
	cmd      Commander
	validate bool
	delay    time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	params Params
}

// New creates a controller.
func New(cmd Commander, cfg Config) *Controller {
	delay := cfg.CommandDelay
	if delay <= 0 || delay >= maxCommandDelay {
		delay = DefaultCommandDelay
	}
	return &Controller{
		cmd:      cmd,
		validate: !cfg.SkipValidation,
		delay:    delay,
		log:      slog.Default().With("component", "devconf"),
	}
}

// Params returns a copy of the last-applied settings.
func (c *Controller) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.params
	if p.TimeProfile != nil {
		tp := *p.TimeProfile
		p.TimeProfile = &tp
	}
	return p
}

func (c *Controller) check(o Options) error {
	if !c.validate {
		return nil
	}
	return Validate(o)
}

// send writes one command and pauses for the inter-command delay.
func (c *Controller) send(cmd string) error {
	if err := c.cmd.Write(cmd); err != nil {
		return err
	}
	time.Sleep(c.delay)
	return nil
}

func (c *Controller) update(fn func(p *Params)) {
	c.mu.Lock()
	fn(&c.params)
	c.mu.Unlock()
}

// SetFilter turns the duplicate packet filter on or off.
func (c *Controller) SetFilter(on bool) error { return c.setFilter(on) }

// SetPacerInterval sets the pacer interval.
func (c *Controller) SetPacerInterval(v int) error {
	if err := c.check(Options{PacerInterval: &v}); err != nil {
		return err
	}
	return c.setPacerInterval(v)
}

// SetReceivedChannel selects the advertising channel to scan.
func (c *Controller) SetReceivedChannel(ch int) error {
	if err := c.check(Options{ReceivedChannel: &ch}); err != nil {
		return err
	}
	return c.setReceivedChannel(ch)
}

// SetTimeProfile sets the duty cycle.
func (c *Controller) SetTimeProfile(on, period int) error {
	tp := TimeProfile{On: on, Period: period}
	if err := c.check(Options{TimeProfile: &tp}); err != nil {
		return err
	}
	return c.setTimeProfile(tp)
}

// SetBeaconBackoff sets the beacon backoff.
func (c *Controller) SetBeaconBackoff(v int) error {
	if err := c.check(Options{BeaconBackoff: &v}); err != nil {
		return err
	}
	return c.setBeaconBackoff(v)
}

// SetModulation turns modulation on or off.
func (c *Controller) SetModulation(on bool) error { return c.setModulation(on) }

// SetEnergizingPattern selects the energizing pattern.
func (c *Controller) SetEnergizingPattern(v int) error {
	if err := c.check(Options{EnergizingPattern: &v}); err != nil {
		return err
	}
	return c.setEnergizingPattern(v)
}

// StartGatewayApp starts normal gateway operation.
func (c *Controller) StartGatewayApp() error {
	return c.send(cmdGatewayApp)
}

// Apply validates every selected setting and then sends them in a fixed
// order. If any value is out of range nothing is sent.
func (c *Controller) Apply(o Options) error {
	if err := c.check(o); err != nil {
		return err
	}

	var steps []func() error
	if o.Filter != nil {
		v := *o.Filter
		steps = append(steps, func() error { return c.setFilter(v) })
	}
	if o.PacerInterval != nil {
		v := *o.PacerInterval
		steps = append(steps, func() error { return c.setPacerInterval(v) })
	}
	if o.ReceivedChannel != nil {
		v := *o.ReceivedChannel
		steps = append(steps, func() error { return c.setReceivedChannel(v) })
	}
	if o.TimeProfile != nil {
		v := *o.TimeProfile
		steps = append(steps, func() error { return c.setTimeProfile(v) })
	}
	if o.BeaconBackoff != nil {
		v := *o.BeaconBackoff
		steps = append(steps, func() error { return c.setBeaconBackoff(v) })
	}
	if o.Modulation != nil {
		v := *o.Modulation
		steps = append(steps, func() error { return c.setModulation(v) })
	}
	if o.EnergizingPattern != nil {
		v := *o.EnergizingPattern
		steps = append(steps, func() error { return c.setEnergizingPattern(v) })
	}
	if o.StartGatewayApp {
		steps = append(steps, c.StartGatewayApp)
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	c.log.Info("configuration applied", "commands", len(steps))
	return nil
}

func (c *Controller) setFilter(on bool) error {
	cmd := cmdFilterOff
	if on {
		cmd = cmdFilterOn
	}
	if err := c.send(cmd); err != nil {
		return err
	}
	c.update(func(p *Params) { p.Filter = &on })
	return nil
}

func (c *Controller) setPacerInterval(v int) error {
	if err := c.send(fmt.Sprintf("%s %d", cmdPacer, v)); err != nil {
		return err
	}
	c.update(func(p *Params) { p.PacerInterval = &v })
	return nil
}

func (c *Controller) setReceivedChannel(ch int) error {
	if err := c.send(fmt.Sprintf("%s %d", cmdChannel, ch)); err != nil {
		return err
	}
	c.update(func(p *Params) { p.ReceivedChannel = &ch })
	return nil
}

// setTimeProfile sends period before on, as the gateway expects.
func (c *Controller) setTimeProfile(tp TimeProfile) error {
	if err := c.send(fmt.Sprintf("%s %d %d", cmdTimeProfile, tp.Period, tp.On)); err != nil {
		return err
	}
	c.update(func(p *Params) { p.TimeProfile = &tp })
	return nil
}

func (c *Controller) setBeaconBackoff(v int) error {
	if err := c.send(fmt.Sprintf("%s %d", cmdBackoff, v)); err != nil {
		return err
	}
	c.update(func(p *Params) { p.BeaconBackoff = &v })
	return nil
}

func (c *Controller) setModulation(on bool) error {
	cmd := cmdModulationOff
	if on {
		cmd = cmdModulationOn
	}
	if err := c.send(cmd); err != nil {
		return err
	}
	c.update(func(p *Params) { p.Modulation = &on })
	return nil
}

func (c *Controller) setEnergizingPattern(v int) error {
	if err := c.send(fmt.Sprintf("%s %d", cmdEnergizing, v)); err != nil {
		return err
	}
	c.update(func(p *Params) { p.EnergizingPattern = &v })
	return nil
}

// Report is the gateway's configuration dump.
type Report struct {
	Lines  []string          `json:"lines"`
	Values map[string]string `json:"values"`
}

// Report asks the gateway for its configuration and waits for the dump.
func (c *Controller) Report() (Report, error) {
	resp, err := c.cmd.Request(cmdPrintConfig, reportMarker, ReportTimeout)
	if err != nil {
		return Report{}, err
	}
	if !resp.OK {
		return Report{Lines: resp.Lines}, ErrNoReport
	}
	return ParseReport(resp.Lines), nil
}

// ParseReport collects "key: value" pairs from a configuration dump. Tag
// packets that arrived during the dump are skipped.
func ParseReport(lines []string) Report {
	r := Report{Values: map[string]string{}}
	for _, line := range lines {
		if strings.HasPrefix(line, "process_packet") {
			continue
		}
		r.Lines = append(r.Lines, line)
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r.Values[key] = strings.TrimSpace(val)
	}
	return r
}
