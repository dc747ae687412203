package discovery

import (
	"cmp"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/go2tv/v2/devices"
	"go2tv.app/syncview/internal/adapters"
	"go2tv.app/syncview/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout      = 2500 * time.Millisecond
	defaultPollInterval = 5 * time.Second
	defaultScanDelay    = 1
	// maxAttemptWait caps one LoadAllDevices call so warm-up retries fit
	// inside the caller's timeout.
	maxAttemptWait = 3 * time.Second
	retryPause     = 100 * time.Millisecond
	probeTimeout   = 400 * time.Millisecond
	probeWorkers   = 8
)

var isReachable = dialReachable

type Options struct {
	// PollInterval is the minimum gap between device scans across all watchers.
	PollInterval time.Duration
	DelaySeconds int
	Logger       zerolog.Logger
}

// Service is the process-wide discovery front end. It starts the go2tv
// Chromecast loop once and paces scans shared by every watcher.
type Service struct {
	adapter      adapters.Discovery
	loopCtx      context.Context
	once         sync.Once
	limiter      *rate.Limiter
	delaySeconds int
	log          zerolog.Logger
}

func NewService(adapter adapters.Discovery, loopCtx context.Context, opts Options) *Service {
	if loopCtx == nil {
		loopCtx = context.Background()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	delay := opts.DelaySeconds
	if delay <= 0 {
		delay = defaultScanDelay
	}

	return &Service{
		adapter:      adapter,
		loopCtx:      loopCtx,
		limiter:      rate.NewLimiter(rate.Every(interval), 1),
		delaySeconds: delay,
		log:          opts.Logger.With().Str("component", "discovery").Logger(),
	}
}

func (s *Service) ensureLoop() {
	s.once.Do(func() {
		s.log.Debug().Msg("starting chromecast discovery loop")
		s.adapter.StartChromecastDiscoveryLoop(s.loopCtx)
	})
}

type lookupResult struct {
	devices []devices.Device
	err     error
}

// ListRenderTargets performs one bounded lookup and returns video-capable
// targets sorted by protocol and name. Running out of time yields an empty
// list, not an error.
func (s *Service) ListRenderTargets(ctx context.Context, timeout time.Duration, includeUnreachable bool) ([]domain.RenderTarget, error) {
	if s.adapter == nil {
		return nil, errors.New("discovery adapter is not configured")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s.ensureLoop()

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// LoadAllDevices blocks without a context, so the lookup runs aside and
	// is abandoned when the deadline passes.
	found := make(chan lookupResult, 1)
	go func() {
		loaded, err := s.loadUntilDeadline(lookupCtx)
		found <- lookupResult{devices: loaded, err: err}
	}()

	var res lookupResult
	select {
	case <-lookupCtx.Done():
		res.err = lookupCtx.Err()
	case res = <-found:
	}

	switch {
	case res.err == nil:
	case errors.Is(res.err, devices.ErrNoDeviceAvailable),
		errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil:
		return []domain.RenderTarget{}, nil
	default:
		return nil, res.err
	}

	targets := videoTargets(res.devices)
	if !includeUnreachable {
		targets = filterReachable(ctx, targets)
	}
	sortTargets(targets)
	s.log.Debug().Int("devices", len(res.devices)).Int("targets", len(targets)).Msg("render target lookup finished")
	return targets, nil
}

// loadUntilDeadline retries while the go2tv loop is still warming up and
// reports no devices.
func (s *Service) loadUntilDeadline(ctx context.Context) ([]devices.Device, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := s.adapter.LoadAllDevices(scanDelay(min(time.Until(deadline), maxAttemptWait)))
		if !errors.Is(err, devices.ErrNoDeviceAvailable) {
			return loaded, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryPause):
		}
	}
}

// scan waits for the shared limiter and runs one device load.
func (s *Service) scan(ctx context.Context) ([]domain.RenderTarget, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	loaded, err := s.adapter.LoadAllDevices(s.delaySeconds)
	if err != nil {
		if errors.Is(err, devices.ErrNoDeviceAvailable) {
			return nil, nil
		}
		return nil, err
	}
	targets := videoTargets(loaded)
	sortTargets(targets)
	return targets, nil
}

// scanDelay converts a wait into whole go2tv delay seconds, rounding up.
func scanDelay(wait time.Duration) int {
	if wait <= 0 {
		return defaultScanDelay
	}
	return int((wait + time.Second - 1) / time.Second)
}

// videoTargets normalizes raw devices and keeps only those that can render video.
func videoTargets(discovered []devices.Device) []domain.RenderTarget {
	result := make([]domain.RenderTarget, 0, len(discovered))
	for _, raw := range discovered {
		if target := normalizeDevice(raw); target.CanRenderVideo {
			result = append(result, target)
		}
	}
	return result
}

func normalizeDevice(raw devices.Device) domain.RenderTarget {
	protocol := normalizeProtocol(raw.Type)
	address := strings.TrimSpace(raw.Addr)
	return domain.RenderTarget{
		ID:             stableID(protocol, address),
		Name:           strings.TrimSpace(raw.Name),
		Address:        address,
		Protocol:       protocol,
		CanRenderVideo: canRenderVideo(protocol, raw.IsAudioOnly),
	}
}

// canRenderVideo is true for Chromecast video receivers only. DLNA renderers
// cannot take live HLS playlists.
func canRenderVideo(protocol string, audioOnly bool) bool {
	return protocol == "chromecast" && !audioOnly
}

// filterReachable probes every target concurrently and keeps the order.
func filterReachable(ctx context.Context, all []domain.RenderTarget) []domain.RenderTarget {
	up := make([]bool, len(all))
	var g errgroup.Group
	g.SetLimit(probeWorkers)
	for i, t := range all {
		g.Go(func() error {
			up[i] = isReachable(ctx, t.Address)
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]domain.RenderTarget, 0, len(all))
	for i, t := range all {
		if up[i] {
			kept = append(kept, t)
		}
	}
	return kept
}

func sortTargets(all []domain.RenderTarget) {
	slices.SortFunc(all, func(a, b domain.RenderTarget) int {
		return cmp.Or(
			cmp.Compare(protocolRank(a.Protocol), protocolRank(b.Protocol)),
			strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
			strings.Compare(strings.ToLower(a.Address), strings.ToLower(b.Address)),
			strings.Compare(a.ID, b.ID),
		)
	})
}

func protocolRank(protocol string) int {
	switch protocol {
	case "chromecast":
		return 0
	case "dlna":
		return 1
	default:
		return 2
	}
}

// stableID derives a render target id that survives rediscovery and
// cosmetic differences in how a device spells its address.
func stableID(protocol, address string) string {
	sum := sha1.Sum([]byte(protocol + "|" + canonicalAddress(address)))
	return "rt_" + hex.EncodeToString(sum[:8])
}

func canonicalAddress(address string) string {
	u, err := url.Parse(strings.TrimSpace(address))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(address))
	}
	path := strings.ToLower(u.EscapedPath())
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(hostPort(u)) + path
}

// hostPort fills in the scheme's default port.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if strings.EqualFold(u.Scheme, "https") {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func normalizeProtocol(kind string) string {
	lower := strings.ToLower(strings.TrimSpace(kind))
	switch {
	case strings.Contains(lower, "chrome"):
		return "chromecast"
	case strings.Contains(lower, "dlna"):
		return "dlna"
	}
	return lower
}

func dialReachable(ctx context.Context, address string) bool {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return false
	}
	dialer := net.Dialer{Timeout: probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
