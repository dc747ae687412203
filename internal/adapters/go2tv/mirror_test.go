package go2tv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go2tv.app/go2tv/v2/castprotocol"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/domain"
)

type fakeCastFactory struct {
	mu      sync.Mutex
	clients []*fakeCastClient
	addrs   []string
	err     error
}

func (f *fakeCastFactory) NewCastClient(deviceAddr string) (adapters.CastClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeCastClient{status: castprotocol.CastStatus{PlayerState: "PLAYING"}}
	f.clients = append(f.clients, c)
	f.addrs = append(f.addrs, deviceAddr)
	return c, nil
}

type fakeCastClient struct {
	mu          sync.Mutex
	connectErr  error
	loadErr     error
	loadURL     string
	loadType    string
	loadLive    bool
	seeks       []int
	playCalls   int
	pauseCalls  int
	stopCalls   int
	closeCalls  int
	closeStop   bool
	status      castprotocol.CastStatus
	statusCalls int
}

func (f *fakeCastClient) Connect() error { return f.connectErr }

func (f *fakeCastClient) Load(mediaURL, contentType string, startTime int, duration float64, subtitleURL string, live bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadURL = mediaURL
	f.loadType = contentType
	f.loadLive = live
	return f.loadErr
}

func (f *fakeCastClient) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
	return nil
}

func (f *fakeCastClient) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return nil
}

func (f *fakeCastClient) Seek(seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, seconds)
	return nil
}

func (f *fakeCastClient) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeCastClient) GetStatus() (*castprotocol.CastStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	s := f.status
	return &s, nil
}

func (f *fakeCastClient) Close(stopMedia bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closeStop = stopMedia
	return nil
}

func newTestMirror(t *testing.T, casts *fakeCastFactory, now func() time.Time) *MirrorPlayer {
	t.Helper()
	factory := &MirrorFactory{Casts: casts, StatusPoll: time.Hour, Now: now}
	p, err := factory.NewPlayer()
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	return p.(*MirrorPlayer)
}

var livingRoom = domain.RenderTarget{ID: "cc-1", Name: "Living Room", Address: "http://192.168.1.20:8009", Protocol: "chromecast", CanRenderVideo: true}

func TestMirrorLoadRequiresTarget(t *testing.T) {
	p := newTestMirror(t, &fakeCastFactory{}, time.Now)
	if err := p.Load(context.Background(), "https://cdn.example/live.m3u8"); err == nil {
		t.Fatal("expected error without render target")
	}
}

func TestMirrorLoadsLiveHLSOnTarget(t *testing.T) {
	casts := &fakeCastFactory{}
	p := newTestMirror(t, casts, time.Now)
	defer p.Dispose()

	if err := p.AttachRenderTarget(livingRoom); err != nil {
		t.Fatalf("AttachRenderTarget: %v", err)
	}
	if err := p.Load(context.Background(), "https://cdn.example/ch1/index.m3u8?token=x"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(casts.clients) != 1 || casts.addrs[0] != livingRoom.Address {
		t.Fatalf("unexpected clients: %v", casts.addrs)
	}
	c := casts.clients[0]
	if c.loadType != hlsContentType || !c.loadLive {
		t.Fatalf("unexpected load: type=%q live=%v", c.loadType, c.loadLive)
	}
}

func TestMirrorConnectFailureSurfaces(t *testing.T) {
	casts := &fakeCastFactory{}
	p := newTestMirror(t, casts, time.Now)
	_ = p.AttachRenderTarget(livingRoom)

	casts.err = errors.New("no route")
	if err := p.Load(context.Background(), "https://cdn.example/a.m3u8"); err == nil {
		t.Fatal("expected factory error")
	}
}

func TestMirrorSeekAndExtrapolatedPosition(t *testing.T) {
	clock := time.Unix(1000, 0)
	now := func() time.Time { return clock }
	casts := &fakeCastFactory{}
	p := newTestMirror(t, casts, now)
	defer p.Dispose()

	_ = p.AttachRenderTarget(livingRoom)
	if err := p.Load(context.Background(), "https://cdn.example/a.m3u8"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p.setState("PLAYING")
	if err := p.SetPosition(45 * time.Second); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	if got := casts.clients[0].seeks; len(got) != 1 || got[0] != 45 {
		t.Fatalf("unexpected seeks: %v", got)
	}

	clock = clock.Add(2 * time.Second)
	if got := p.Position(); got != 47*time.Second {
		t.Fatalf("expected 47s, got %v", got)
	}
	if !p.IsPlaying() {
		t.Fatal("expected playing")
	}

	if err := p.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock = clock.Add(5 * time.Second)
	if got := p.Position(); got != 47*time.Second {
		t.Fatalf("paused position should hold at 47s, got %v", got)
	}
}

func TestMirrorRetargetClosesPreviousClient(t *testing.T) {
	casts := &fakeCastFactory{}
	p := newTestMirror(t, casts, time.Now)
	defer p.Dispose()

	_ = p.AttachRenderTarget(livingRoom)
	_ = p.Load(context.Background(), "https://cdn.example/a.m3u8")

	bedroom := livingRoom
	bedroom.ID = "cc-2"
	bedroom.Address = "http://192.168.1.21:8009"
	if err := p.AttachRenderTarget(bedroom); err != nil {
		t.Fatalf("AttachRenderTarget: %v", err)
	}
	if casts.clients[0].closeCalls != 1 {
		t.Fatalf("expected previous client closed, got %d", casts.clients[0].closeCalls)
	}
	if p.IsPlaying() {
		t.Fatal("retargeted player should not report playing")
	}
}

func TestMirrorStopAndDispose(t *testing.T) {
	casts := &fakeCastFactory{}
	p := newTestMirror(t, casts, time.Now)
	_ = p.AttachRenderTarget(livingRoom)
	_ = p.Load(context.Background(), "https://cdn.example/a.m3u8")

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	c := casts.clients[0]
	if c.stopCalls != 1 {
		t.Fatalf("expected one stop, got %d", c.stopCalls)
	}
	if err := p.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := p.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if c.closeCalls != 1 || !c.closeStop {
		t.Fatalf("expected one Close(true), got %d stop=%v", c.closeCalls, c.closeStop)
	}
	if err := p.Play(); err == nil {
		t.Fatal("expected error after dispose")
	}
}

func TestMirrorHasNoSelectableTracks(t *testing.T) {
	p := newTestMirror(t, &fakeCastFactory{}, time.Now)
	if got := p.Tracks(domain.TrackAudio); len(got) != 0 {
		t.Fatalf("expected no tracks, got %v", got)
	}
	if err := p.SetActiveTrack(domain.TrackAudio, 1); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestMediaContentType(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example/live/index.m3u8": hlsContentType,
		"https://cdn.example/viewing/abc?t=1": hlsContentType,
		"https://cdn.example/movie.mp4":       "video/mp4",
		"https://cdn.example/clip.unknownext": fallbackContentType,
	}
	for in, want := range cases {
		if got := mediaContentType(in); got != want {
			t.Errorf("mediaContentType(%q) = %q, want %q", in, got, want)
		}
	}
}
