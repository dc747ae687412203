package discovery

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go2tv.app/syncview/internal/domain"
)

// Handler receives each newly found render target once, on the watcher goroutine.
type Handler func(domain.RenderTarget)

// Watcher is one session's view of discovery: a background scan loop that
// reports targets as they appear.
type Watcher struct {
	svc *Service

	mu      sync.Mutex
	handler Handler
	seen    map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *Service) NewWatcher() *Watcher {
	return &Watcher{svc: s, seen: make(map[string]struct{})}
}

// Start begins background discovery. Starting a running watcher is an error.
func (w *Watcher) Start(h Handler) error {
	if w.svc == nil || w.svc.adapter == nil {
		return errors.New("discovery adapter is not configured")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("discovery already running")
	}

	w.svc.ensureLoop()
	ctx, cancel := context.WithCancel(w.svc.loopCtx)
	w.handler = h
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	return nil
}

// Stop cancels the scan loop, waits for it to exit and detaches the handler.
// No handler call starts after Stop returns. It is idempotent.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	w.mu.Lock()
	w.handler = nil
	w.mu.Unlock()
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := w.svc.log

	for {
		found, err := w.svc.scan(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("device scan failed")
			continue
		}
		for _, target := range found {
			w.report(target)
		}
	}
}

func (w *Watcher) report(target domain.RenderTarget) {
	w.mu.Lock()
	if _, ok := w.seen[target.ID]; ok {
		w.mu.Unlock()
		return
	}
	w.seen[target.ID] = struct{}{}
	h := w.handler
	w.mu.Unlock()

	w.svc.log.Debug().Str("target", target.Name).Str("protocol", target.Protocol).Msg("render target found")
	if h != nil {
		h(target)
	}
}
