package devconf

import (
	"fmt"
	"slices"
	"strings"
)

const (
	minPacerInterval = 0
	maxPacerInterval = 65535
	minPeriod        = 6
	maxPeriod        = 50
	// onMargin is the number of slots of a period that cannot be "on".
	onMargin = 3
)

var (
	energizingExtra  = []int{50, 51, 52}
	beaconBackoffs   = []int{0, 2, 7, 12, 19, 20, 21, 22, 23, 24, 25, 27, 29, 30, 33, 36, 40}
	receivedChannels = []int{37, 38, 39}
)

// FieldError describes one out-of-range setting.
type FieldError struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s=%s: %s", e.Field, e.Value, e.Reason)
}

// InvalidConfigError lists every rejected setting of a request. Nothing was
// sent to the gateway.
type InvalidConfigError struct {
	Fields []FieldError
}

func (e *InvalidConfigError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "devconf: invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks every selected setting against the gateway's accepted
// ranges and returns an *InvalidConfigError naming all violations.
func Validate(o Options) error {
	var bad []FieldError
	reject := func(field string, v any, reason string) {
		bad = append(bad, FieldError{Field: field, Value: fmt.Sprint(v), Reason: reason})
	}

	if v := o.PacerInterval; v != nil && (*v < minPacerInterval || *v > maxPacerInterval) {
		reject("pacer_interval", *v, fmt.Sprintf("must be %d-%d", minPacerInterval, maxPacerInterval))
	}
	if v := o.EnergizingPattern; v != nil && !validEnergizing(*v) {
		reject("energizing_pattern", *v, "must be 1-28 or 50-52")
	}
	if tp := o.TimeProfile; tp != nil {
		if tp.Period < minPeriod || tp.Period > maxPeriod {
			reject("time_profile.period", tp.Period, fmt.Sprintf("must be %d-%d", minPeriod, maxPeriod))
		}
		if maxOn := tp.Period - onMargin; tp.On < 0 || tp.On > maxOn {
			reject("time_profile.on", tp.On, fmt.Sprintf("must be 0-%d for period %d", max(maxOn, 0), tp.Period))
		}
	}
	if v := o.BeaconBackoff; v != nil && !slices.Contains(beaconBackoffs, *v) {
		reject("beacon_backoff", *v, fmt.Sprintf("must be one of %v", beaconBackoffs))
	}
	if v := o.ReceivedChannel; v != nil && !slices.Contains(receivedChannels, *v) {
		reject("received_channel", *v, fmt.Sprintf("must be one of %v", receivedChannels))
	}

	if len(bad) > 0 {
		return &InvalidConfigError{Fields: bad}
	}
	return nil
}

func validEnergizing(v int) bool {
	return (v >= 1 && v <= 28) || slices.Contains(energizingExtra, v)
}
