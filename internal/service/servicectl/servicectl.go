// Package servicectl drives the init script of the NanoKVM application service.
package servicectl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// DefaultTimeout bounds a single init script invocation.
const DefaultTimeout = 60 * time.Second

var (
	// ErrUnsupportedOS indicates the current OS has no init scripts.
	ErrUnsupportedOS = errors.New("unsupported operating system")
	// ErrScriptMissing indicates the configured init script does not exist.
	ErrScriptMissing = errors.New("init script not found")
)

// Action is an init script verb.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// Run invokes `<script> <action>` and waits for it. The combined output is
// attached to the error when the script fails.
func Run(ctx context.Context, script string, action Action) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("%s: %w", runtime.GOOS, ErrUnsupportedOS)
	}

	script = filepath.Clean(script)

	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("%s: %w", script, ErrScriptMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var output bytes.Buffer

	cmd := exec.CommandContext(ctx, script, string(action))
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", script, action, err, strings.TrimSpace(output.String()))
	}

	return nil
}

// Restart restarts the service.
func Restart(ctx context.Context, script string) error {
	return Run(ctx, script, ActionRestart)
}
