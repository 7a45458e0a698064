// Package connectivity decides whether the client should talk to the server.
// Runtime network events flip the state immediately; a periodic health probe
// catches the case where the network is up but the server is not.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultProbeInterval = 30 * time.Second

// Prober checks server reachability. A nil error means reachable.
type Prober interface {
	Health(ctx context.Context) error
}

type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu          sync.Mutex
	online      bool
	onReconnect []func()
}

func NewMonitor(prober Prober, interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  10 * time.Second,
		log:      log.With(zap.String("component", "connectivity")),
	}
}

// OnReconnect registers fn to run once on every offline to online transition.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = append(m.onReconnect, fn)
	m.mu.Unlock()
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a runtime online/offline event.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	var callbacks []func()
	if changed && online {
		callbacks = append(callbacks, m.onReconnect...)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.log.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range callbacks {
		fn()
	}
}

// CheckNow probes the server once and updates the state from the result.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(ctx)
	if err != nil {
		m.log.Debug("health probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}
