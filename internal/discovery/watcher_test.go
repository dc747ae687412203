package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/syncview/internal/domain"
)

type collected struct {
	mu      sync.Mutex
	targets []domain.RenderTarget
}

func (c *collected) add(t domain.RenderTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, t)
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWatcherReportsEachVideoTargetOnce(t *testing.T) {
	var mu sync.Mutex
	round := 0
	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			mu.Lock()
			defer mu.Unlock()
			round++
			if round == 1 {
				return nil, devices.ErrNoDeviceAvailable
			}
			if round == 2 {
				return mixedDevices[:3], nil
			}
			return mixedDevices, nil
		},
	}

	svc := NewService(adapter, context.Background(), fastOptions())
	w := svc.NewWatcher()
	var got collected
	if err := w.Start(got.add); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	waitFor(t, func() bool { return got.len() == 2 })
	_, loadsBefore := adapter.calls()
	waitFor(t, func() bool {
		_, loads := adapter.calls()
		return loads > loadsBefore+2
	})
	if got.len() != 2 {
		t.Fatalf("expected targets to be reported once, got %d", got.len())
	}

	got.mu.Lock()
	first := got.targets[0]
	got.mu.Unlock()
	if first.Name != "Living Room TV" {
		t.Fatalf("expected first discovery to be reported first, got %q", first.Name)
	}
	w.mu.Lock()
	seen := len(w.seen)
	w.mu.Unlock()
	if seen != 2 {
		t.Fatalf("expected 2 known targets, got %d", seen)
	}
}

func TestWatcherStopDetachesHandler(t *testing.T) {
	release := make(chan struct{})
	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			<-release
			return mixedDevices, nil
		},
	}

	svc := NewService(adapter, context.Background(), fastOptions())
	w := svc.NewWatcher()
	var got collected
	if err := w.Start(got.add); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		_, loads := adapter.calls()
		return loads == 1
	})

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	close(release)
	<-stopped

	after := got.len()
	time.Sleep(20 * time.Millisecond)
	if got.len() != after {
		t.Fatal("handler called after Stop returned")
	}
	w.Stop()
}

func TestWatcherRejectsDoubleStart(t *testing.T) {
	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			return nil, devices.ErrNoDeviceAvailable
		},
	}
	svc := NewService(adapter, context.Background(), fastOptions())
	w := svc.NewWatcher()
	if err := w.Start(func(domain.RenderTarget) {}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()
	if err := w.Start(func(domain.RenderTarget) {}); err == nil {
		t.Fatal("expected second start to fail")
	}
}

func TestWatcherWithoutAdapter(t *testing.T) {
	svc := NewService(nil, context.Background(), fastOptions())
	if err := svc.NewWatcher().Start(func(domain.RenderTarget) {}); err == nil {
		t.Fatal("expected error without adapter")
	}
}
