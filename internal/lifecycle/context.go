package lifecycle

import (
	"context"
	"os/signal"
)

// SignalContext is cancelled on the first termination signal.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, TerminationSignals()...)
}
