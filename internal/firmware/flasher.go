package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultFlashTimeout bounds one run of the external flashing tool.
const DefaultFlashTimeout = 2 * time.Minute

// Flasher writes an image to a gateway that is in bootloader mode.
type Flasher interface {
	Flash(ctx context.Context, img Image, port string) error
}

// FlasherFunc adapts a function to Flasher.
type FlasherFunc func(ctx context.Context, img Image, port string) error

func (f FlasherFunc) Flash(ctx context.Context, img Image, port string) error {
	return f(ctx, img, port)
}

// ExecFlasher runs an external tool. Each argument may contain the
// placeholders {image} and {port}.
type ExecFlasher struct {
	Command []string
	Timeout time.Duration
}

// Flash implements Flasher.
func (f ExecFlasher) Flash(ctx context.Context, img Image, port string) error {
	if len(f.Command) == 0 {
		return errors.New("firmware: no flash command configured")
	}
	if img.Path == "" {
		return fmt.Errorf("firmware: no image file for version %s", img.Version)
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFlashTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := strings.NewReplacer("{image}", img.Path, "{port}", port)
	args := make([]string, len(f.Command))
	for i, a := range f.Command {
		args[i] = r.Replace(a)
	}

	log := slog.Default().With("component", "flasher")
	log.Info("running flash tool", "command", strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if len(out) > 0 {
		log.Debug("flash tool output", "output", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}
