// Package netmon tracks online/offline transitions and best-effort
// connection quality. It is the single authority on connectivity: every
// other component consults it before attempting remote work.
package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/pkg/schema"
)

// Prober performs one lightweight reachability check. A failed probe means
// "still offline", never an error to the caller.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// HTTPProber probes connectivity with a HEAD request to a static resource.
// The target is only meaningful as "something cheap that answers"; any
// response, including an error status, proves the network path is up.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// EventAppender is satisfied by the Store; used to record network transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Config holds monitor tuning. Zero values fall back to defaults.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Monitor coalesces probe results and transport-observed failures into a
// single authoritative online/offline state with transition callbacks.
type Monitor struct {
	prober    Prober
	appender  EventAppender
	sessionID string
	logger    *slog.Logger
	config    Config

	mu          sync.Mutex
	status      schema.NetworkStatus
	onReconnect []func(schema.NetworkStatus)
	onOffline   []func(schema.NetworkStatus)

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewMonitor creates a Monitor. The appender may be nil when transition
// events should not be recorded.
func NewMonitor(prober Prober, appender EventAppender, sessionID string, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Monitor{
		prober:    prober,
		appender:  appender,
		sessionID: sessionID,
		logger:    logger,
		config:    cfg,
		// Assume online until a probe says otherwise; remote failures
		// push the real state through SetOnline.
		status: schema.NetworkStatus{IsOnline: true},
	}
}

// Status returns a snapshot of the current network status.
func (m *Monitor) Status() schema.NetworkStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOnline reports the current authoritative connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsOnline
}

// OnReconnect registers a callback fired exactly once per offline->online
// transition, with the status snapshot taken at transition time.
func (m *Monitor) OnReconnect(fn func(schema.NetworkStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// OnOffline registers a callback fired exactly once per online->offline transition.
func (m *Monitor) OnOffline(fn func(schema.NetworkStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}

// SetOnline pushes an externally observed connectivity state, e.g. a
// transport that just saw a connection refused. Quality metrics are not
// touched; only the authoritative boolean and transition bookkeeping.
func (m *Monitor) SetOnline(online bool) {
	m.apply(online, nil)
}

// Start launches the background probe loop. An initial probe runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.done != nil {
		return fmt.Errorf("network monitor already started")
	}

	probeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(probeCtx)
	m.logger.Info("network monitor started",
		slog.Duration("probe_interval", m.config.ProbeInterval))
	return nil
}

// Stop shuts down the probe loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.logger.Info("network monitor stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	m.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh runs a single probe and applies the result. All state updates
// flow through here or SetOnline; no shared mutable state is exposed.
func (m *Monitor) Refresh(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	rtt, err := m.prober.Probe(probeCtx)
	if err != nil {
		m.apply(false, nil)
		return
	}
	m.apply(true, &rtt)
}

func (m *Monitor) apply(online bool, rtt *time.Duration) {
	m.mu.Lock()

	wasOnline := m.status.IsOnline
	m.status.IsOnline = online
	if rtt != nil {
		d := *rtt
		m.status.RTT = &d
		et := effectiveType(d)
		m.status.EffectiveType = &et
	}

	now := time.Now().UTC()
	var fire []func(schema.NetworkStatus)
	var eventType string

	switch {
	case !wasOnline && online:
		m.status.LastOnlineAt = &now
		fire = append(fire, m.onReconnect...)
		eventType = schema.EventNetworkOnline
	case wasOnline && !online:
		m.status.LastOfflineAt = &now
		fire = append(fire, m.onOffline...)
		eventType = schema.EventNetworkOffline
	}
	snapshot := m.status
	m.mu.Unlock()

	if eventType == "" {
		return
	}

	m.logger.Info("network transition",
		slog.Bool("online", online),
		slog.Duration("offline_duration", snapshot.OfflineDuration(now)))

	if m.appender != nil {
		event := &store.Event{SessionID: m.sessionID, Type: eventType}
		if err := m.appender.AppendEvent(context.Background(), event); err != nil {
			m.logger.Warn("record network transition", slog.String("error", err.Error()))
		}
	}

	// Callbacks run outside the lock; each fires once for this transition.
	for _, fn := range fire {
		fn(snapshot)
	}
}

// effectiveType buckets a measured round trip into the coarse quality
// labels UI consumers already understand. Only RTT is measurable here;
// downlink and save-data have no platform signal and stay nil.
func effectiveType(rtt time.Duration) string {
	switch {
	case rtt < 150*time.Millisecond:
		return "4g"
	case rtt < 600*time.Millisecond:
		return "3g"
	default:
		return "2g"
	}
}
