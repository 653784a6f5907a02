package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// codedError carries a foundry exit code out of a RunE.
type codedError struct {
	code int
	msg  string
	err  error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.msg, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError wraps err with a message and the exit code Execute returns.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = fmt.Errorf("%s", message)
	}
	return &codedError{code: code, msg: message, err: err}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
