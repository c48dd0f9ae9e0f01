package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/afero"

	"github.com/jbweber/attachdetach/internal/device"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	exitOK           = 0
	exitOSError      = 1
	exitServiceError = 2
	exitUsage        = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	a := &app{
		fs:         afero.NewOsFs(),
		args:       os.Args[1:],
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		newService: newService,
	}

	code := a.run(ctx)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns its exit code.
func (a *app) run(ctx context.Context) int {
	cmd := a.rootCmd()
	cmd.SetArgs(a.args)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	_, _ = fmt.Fprintf(a.stderr, "Error: %v\n", err)

	var ue *usageError
	if errors.As(err, &ue) {
		_, _ = fmt.Fprintln(a.stderr)
		_, _ = fmt.Fprint(a.stderr, cmd.UsageString())
	}

	return exitCode(err)
}

// usageError marks a problem with the command line.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var ue *usageError
	if errors.As(err, &ue) {
		return exitUsage
	}

	var oe *device.OSError
	if errors.As(err, &oe) {
		return exitOSError
	}

	return exitServiceError
}
