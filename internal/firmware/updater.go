// Package firmware checks the gateway's firmware version and reflashes it
// through the bootloader.
//
// An update walks CheckVersion, then UpToDate or NeedsUpdate. An update that
// is not check-only continues through Bootloader, Flashing and Reconnecting
// and ends in Success or Failed. The link is closed before flashing and is
// only reopened if the flash tool succeeds.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// BootloaderCommand hands the gateway over to its bootloader.
const BootloaderCommand = "!move_to_bootloader"

// State is a step of the update procedure.
type State int

const (
	CheckVersion State = iota
	UpToDate
	NeedsUpdate
	Bootloader
	Flashing
	Reconnecting
	Success
	Failed
)

var stateNames = [...]string{
	"check_version", "up_to_date", "needs_update", "bootloader",
	"flashing", "reconnecting", "success", "failed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// FlashError is a terminal update failure: the tool failed, the gateway did
// not come back, or it came back with the wrong version. It is not retried.
type FlashError struct {
	Stage string
	Err   error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("firmware: %s: %v", e.Stage, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

// Gateway is the part of the link the updater borrows.
type Gateway interface {
	Write(cmd string) error
	Close(resetFirst bool) error
}

// Reconnector reopens the link on the same port and baud rate, repeats the
// handshake and returns the reported software version.
type Reconnector func(ctx context.Context) (string, error)

// Request describes one update.
type Request struct {
	// Current is the software version reported at handshake.
	Current string
	// Target is "latest", a version or an image path.
	Target    string
	Port      string
	CheckOnly bool
}

// Result is the outcome of an update.
type Result struct {
	State   State   `json:"state"`
	Current string  `json:"current"`
	Image   Image   `json:"image"`
	Trail   []State `json:"trail"`
}

// Updater runs the update procedure.
type Updater struct {
	ImageDir string
	Flasher  Flasher
	// BootDelay is the pause between closing the link and flashing.
	BootDelay time.Duration

	log *slog.Logger
}

// NewUpdater creates an updater resolving images from dir.
func NewUpdater(dir string, f Flasher) *Updater {
	return &Updater{
		ImageDir:  dir,
		Flasher:   f,
		BootDelay: 500 * time.Millisecond,
		log:       slog.Default().With("component", "firmware"),
	}
}

// Update checks the gateway version against req.Target and, unless
// check-only, reflashes it. gw must be the open link; reconnect is only called
// after a successful flash.
func (u *Updater) Update(ctx context.Context, req Request, gw Gateway, reconnect Reconnector) (Result, error) {
	res := Result{Current: req.Current}
	step := func(s State) {
		res.State = s
		res.Trail = append(res.Trail, s)
		u.log.Debug("step", "state", s)
	}
	fail := func(err error) (Result, error) {
		step(Failed)
		u.log.Error("update failed", "error", err)
		return res, err
	}

	step(CheckVersion)
	img, err := Resolve(u.ImageDir, req.Target)
	if err != nil {
		return fail(err)
	}
	res.Image = img

	if sameVersion(req.Current, img.Version) {
		step(UpToDate)
		u.log.Info("firmware up to date", "version", req.Current)
		return res, nil
	}
	step(NeedsUpdate)
	u.log.Info("firmware update needed", "current", req.Current, "target", img.Version,
		"image", img.Path, "size", img.Size, "crc", fmt.Sprintf("%04X", img.CRC))
	if req.CheckOnly {
		return res, nil
	}
	if u.Flasher == nil {
		return fail(&FlashError{Stage: "flash", Err: errors.New("no flasher configured")})
	}
	if img.Path == "" {
		return fail(&FlashError{Stage: "resolve", Err: fmt.Errorf("no image file for version %s in %s", img.Version, u.ImageDir)})
	}

	step(Bootloader)
	if err := gw.Write(BootloaderCommand); err != nil {
		return fail(&FlashError{Stage: "bootloader", Err: err})
	}
	if err := gw.Close(false); err != nil {
		return fail(&FlashError{Stage: "bootloader", Err: err})
	}
	if err := sleepCtx(ctx, u.BootDelay); err != nil {
		return fail(err)
	}

	step(Flashing)
	if err := u.Flasher.Flash(ctx, img, req.Port); err != nil {
		return fail(&FlashError{Stage: "flash", Err: err})
	}

	step(Reconnecting)
	got, err := reconnect(ctx)
	if err != nil {
		return fail(&FlashError{Stage: "reconnect", Err: err})
	}
	if !sameVersion(got, img.Version) {
		return fail(&FlashError{Stage: "verify", Err: fmt.Errorf("gateway reports %s, want %s", got, img.Version)})
	}
	res.Current = got
	step(Success)
	u.log.Info("firmware updated", "version", got)
	return res, nil
}

func sameVersion(a, b string) bool {
	va, err := ParseVersion(a)
	if err != nil {
		return false
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return false
	}
	return va == vb
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
