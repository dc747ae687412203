package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/go2tv/v2/devices"
)

type fakeAdapter struct {
	mu             sync.Mutex
	loadAllDevices func(delaySeconds int) ([]devices.Device, error)
	startLoopCalls int
	loadCalls      int
}

func (f *fakeAdapter) StartChromecastDiscoveryLoop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startLoopCalls++
}

func (f *fakeAdapter) LoadAllDevices(delaySeconds int) ([]devices.Device, error) {
	f.mu.Lock()
	f.loadCalls++
	load := f.loadAllDevices
	f.mu.Unlock()
	if load == nil {
		return nil, errors.New("not configured")
	}
	return load(delaySeconds)
}

func (f *fakeAdapter) calls() (loops, loads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startLoopCalls, f.loadCalls
}

func stubReachable(t *testing.T, fn func(address string) bool) {
	t.Helper()
	orig := isReachable
	t.Cleanup(func() { isReachable = orig })
	isReachable = func(_ context.Context, address string) bool { return fn(address) }
}

func fastOptions() Options {
	return Options{PollInterval: time.Millisecond, Logger: zerolog.Nop()}
}

var mixedDevices = []devices.Device{
	{Name: "Kitchen Speaker (Chromecast Audio)", Addr: "http://192.168.1.30:8009", Type: "Chromecast", IsAudioOnly: true},
	{Name: "Bedroom TV", Addr: "http://192.168.1.10:1400/desc.xml", Type: "DLNA", IsAudioOnly: false},
	{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast", IsAudioOnly: false},
	{Name: "Attic TV", Addr: "http://192.168.1.40:8009", Type: "Chromecast", IsAudioOnly: false},
}

func TestListRenderTargets_KeepsVideoTargetsWithStableIDs(t *testing.T) {
	stubReachable(t, func(address string) bool {
		return true
	})

	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			return mixedDevices, nil
		},
	}

	svc := NewService(adapter, context.Background(), fastOptions())

	first, err := svc.ListRenderTargets(context.Background(), 2500*time.Millisecond, true)
	if err != nil {
		t.Fatalf("list render targets: %v", err)
	}
	second, err := svc.ListRenderTargets(context.Background(), 2500*time.Millisecond, true)
	if err != nil {
		t.Fatalf("list render targets (second call): %v", err)
	}

	if len(first) != 2 {
		t.Fatalf("expected 2 video targets, got %d: %+v", len(first), first)
	}
	if loops, _ := adapter.calls(); loops != 1 {
		t.Fatalf("expected discovery loop to start once, got %d", loops)
	}
	if first[0].Name != "Attic TV" || first[1].Name != "Living Room TV" {
		t.Fatalf("unexpected order: %q, %q", first[0].Name, first[1].Name)
	}
	for i := range first {
		if !first[i].CanRenderVideo || first[i].Protocol != "chromecast" {
			t.Fatalf("unexpected target kept: %+v", first[i])
		}
		if first[i].ID != second[i].ID {
			t.Fatalf("expected stable IDs across calls at index %d", i)
		}
	}
}

func TestListRenderTargets_IncludeUnreachableFalseFiltersTargets(t *testing.T) {
	stubReachable(t, func(address string) bool {
		return address == "http://192.168.1.20:8009"
	})

	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			return mixedDevices, nil
		},
	}

	svc := NewService(adapter, context.Background(), fastOptions())
	filtered, err := svc.ListRenderTargets(context.Background(), 2500*time.Millisecond, false)
	if err != nil {
		t.Fatalf("list render targets: %v", err)
	}

	if len(filtered) != 1 {
		t.Fatalf("expected 1 reachable target, got %d", len(filtered))
	}
	if filtered[0].Address != "http://192.168.1.20:8009" {
		t.Fatalf("unexpected kept address: %s", filtered[0].Address)
	}
}

func TestListRenderTargets_TimeoutReturnsEmptyList(t *testing.T) {
	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			time.Sleep(120 * time.Millisecond)
			return []devices.Device{{Name: "Late Device", Addr: "http://192.168.1.50:8009", Type: "Chromecast"}}, nil
		},
	}

	svc := NewService(adapter, context.Background(), fastOptions())
	start := time.Now()
	items, err := svc.ListRenderTargets(context.Background(), 20*time.Millisecond, true)
	if err != nil {
		t.Fatalf("list render targets: %v", err)
	}

	if len(items) != 0 {
		t.Fatalf("expected timeout to return empty list, got %d items", len(items))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("expected timeout behavior, elapsed=%s", elapsed)
	}
}

func TestScanDelayRoundsUp(t *testing.T) {
	cases := map[time.Duration]int{
		2500 * time.Millisecond: 3,
		2 * time.Second:         2,
		time.Millisecond:        1,
		0:                       1,
		-time.Second:            1,
	}
	for wait, want := range cases {
		if got := scanDelay(wait); got != want {
			t.Fatalf("scanDelay(%s) = %d, want %d", wait, got, want)
		}
	}
}

func TestListRenderTargets_CancelledCallerGetsError(t *testing.T) {
	adapter := &fakeAdapter{
		loadAllDevices: func(int) ([]devices.Device, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		},
	}
	svc := NewService(adapter, context.Background(), fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.ListRenderTargets(ctx, time.Second, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHostPortDefaults(t *testing.T) {
	if got := canonicalAddress("https://Receiver.local"); got != "https://receiver.local:443/" {
		t.Fatalf("unexpected canonical address %q", got)
	}
	if got := canonicalAddress("not a url"); got != "not a url" {
		t.Fatalf("unexpected fallback %q", got)
	}
}

func TestListRenderTargets_RetriesWithinTimeoutToCatchWarmupDevices(t *testing.T) {
	stubReachable(t, func(address string) bool {
		return true
	})

	callCount := 0
	adapter := &fakeAdapter{
		loadAllDevices: func(delaySeconds int) ([]devices.Device, error) {
			callCount++
			if callCount == 1 {
				return nil, devices.ErrNoDeviceAvailable
			}
			return []devices.Device{
				{Name: "Living Room TV", Addr: "http://192.168.1.20:8009", Type: "Chromecast"},
			}, nil
		},
	}

	svc := NewService(adapter, context.Background(), fastOptions())
	items, err := svc.ListRenderTargets(context.Background(), 4500*time.Millisecond, true)
	if err != nil {
		t.Fatalf("list render targets: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 target, got %d", len(items))
	}
	if callCount < 2 {
		t.Fatalf("expected at least 2 discovery calls, got %d", callCount)
	}
}

func TestCanRenderVideo(t *testing.T) {
	cases := []struct {
		protocol  string
		audioOnly bool
		want      bool
	}{
		{"chromecast", false, true},
		{"chromecast", true, false},
		{"dlna", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		if got := canRenderVideo(tc.protocol, tc.audioOnly); got != tc.want {
			t.Fatalf("canRenderVideo(%q, %v) = %v, want %v", tc.protocol, tc.audioOnly, got, tc.want)
		}
	}
}

func TestStableIDIgnoresAddressSpelling(t *testing.T) {
	a := stableID("chromecast", "http://192.168.1.20:80")
	b := stableID("chromecast", "HTTP://192.168.1.20/")
	if a != b {
		t.Fatalf("expected equal ids, got %s and %s", a, b)
	}
	if stableID("dlna", "http://192.168.1.20") == a {
		t.Fatal("protocol must be part of the id")
	}
}
