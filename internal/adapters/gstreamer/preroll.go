package gstreamer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const defaultPrerollTimeout = 20 * time.Second

// prerollGate hands the first bus outcome of a pending preroll to the Load
// that armed it. Outcomes arriving while nothing is armed are dropped.
type prerollGate struct {
	mu      sync.Mutex
	pending chan error
}

func (g *prerollGate) arm() chan error {
	ch := make(chan error, 1)
	g.mu.Lock()
	g.pending = ch
	g.mu.Unlock()
	return ch
}

func (g *prerollGate) settle(err error) {
	g.mu.Lock()
	ch := g.pending
	g.pending = nil
	g.mu.Unlock()
	if ch != nil {
		ch <- err
	}
}

// disarm clears the gate only if ch is still the armed channel; a newer Load
// keeps its own.
func (g *prerollGate) disarm(ch chan error) {
	g.mu.Lock()
	if g.pending == ch {
		g.pending = nil
	}
	g.mu.Unlock()
}

func awaitPreroll(ctx context.Context, outcome <-chan error, limit time.Duration) error {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case err := <-outcome:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.Errorf("no preroll within %s", limit)
	}
}
