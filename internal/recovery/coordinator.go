// Package recovery rebuilds the client's cached collections from the server.
// It is the bulk counterpart of queue replay: whatever it fetches overwrites
// optimistic local state.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"waste-sync/internal/clock"
	"waste-sync/internal/domain"
	"waste-sync/internal/localstore"
)

const (
	LastRecoveredKey = "lastRecoveredAt"

	DefaultDebounce = 30 * time.Second
	DefaultMaxAge   = 15 * time.Minute
)

var (
	ErrRecoveryInFlight  = errors.New("recovery already in progress")
	ErrRecoveryDebounced = errors.New("recovery ran too recently")
)

// roleFields lists the collections each role keeps cached.
var roleFields = map[domain.Role][]string{
	domain.RoleWorker:   {"wasteHistory", "stats"},
	domain.RoleRecycler: {"orders", "stats"},
	domain.RoleCitizen:  {"reports"},
	domain.RoleAdmin:    {"reports", "stats", "wasteHistory"},
}

func Fields(role domain.Role) []string {
	return roleFields[role]
}

type Fetcher interface {
	Fetch(ctx context.Context, field string) (json.RawMessage, error)
}

// Snapshot holds every field that was fetched. Failed fields are absent from
// Data and present in Errors.
type Snapshot struct {
	Role        domain.Role                `json:"role"`
	Data        map[string]json.RawMessage `json:"data"`
	Errors      map[string]string          `json:"errors,omitempty"`
	RecoveredAt time.Time                  `json:"recoveredAt"`
}

type Options struct {
	Debounce time.Duration
	// MaxAge is how old a tracked collection may get before CheckStaleness
	// triggers a recovery. Per-field overrides go in FieldMaxAge.
	MaxAge      time.Duration
	FieldMaxAge map[string]time.Duration
	Clock       clock.Clock
}

type Coordinator struct {
	fetcher Fetcher
	store   *localstore.Store
	opts    Options
	log     *zap.Logger

	mu       sync.Mutex
	inFlight bool
	lastRun  time.Time
}

func NewCoordinator(fetcher Fetcher, store *localstore.Store, opts Options, log *zap.Logger) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		fetcher: fetcher,
		store:   store,
		opts:    opts,
		log:     log.With(zap.String("component", "recovery")),
	}
}

// Recover fetches every collection of role in parallel. A failed field does
// not cancel its siblings and does not fail the call.
func (c *Coordinator) Recover(ctx context.Context, role domain.Role) (*Snapshot, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.finish()

	fields := Fields(role)
	results := make([]json.RawMessage, len(fields))
	errs := make([]error, len(fields))

	var g errgroup.Group
	for i, field := range fields {
		g.Go(func() error {
			results[i], errs[i] = c.fetcher.Fetch(ctx, field)
			return nil
		})
	}
	_ = g.Wait()

	now := c.opts.Clock.Now()
	snap := &Snapshot{
		Role:        role,
		Data:        make(map[string]json.RawMessage),
		Errors:      make(map[string]string),
		RecoveredAt: now,
	}

	for i, field := range fields {
		if errs[i] != nil {
			c.log.Warn("field recovery failed", zap.String("field", field), zap.Error(errs[i]))
			snap.Errors[field] = errs[i].Error()
			continue
		}
		snap.Data[field] = results[i]
		c.store.Store(field, results[i])
		c.store.MarkUpdated(field)
	}
	c.store.Store(LastRecoveredKey, now)

	c.log.Info("recovery finished",
		zap.String("role", string(role)),
		zap.Int("recovered", len(snap.Data)),
		zap.Int("failed", len(snap.Errors)))

	return snap, nil
}

// Stale lists the role's collections that were never fetched or are older
// than their max age.
func (c *Coordinator) Stale(role domain.Role) []string {
	now := c.opts.Clock.Now()

	var stale []string
	for _, field := range Fields(role) {
		maxAge := c.opts.MaxAge
		if v, ok := c.opts.FieldMaxAge[field]; ok {
			maxAge = v
		}
		at, ok := c.store.LastUpdate(field)
		if !ok || now.Sub(at) > maxAge {
			stale = append(stale, field)
		}
	}
	return stale
}

// CheckStaleness recovers when any tracked collection is stale. It returns a
// nil snapshot when everything is fresh.
func (c *Coordinator) CheckStaleness(ctx context.Context, role domain.Role) (*Snapshot, error) {
	stale := c.Stale(role)
	if len(stale) == 0 {
		return nil, nil
	}
	c.log.Debug("stale collections", zap.Strings("fields", stale))
	return c.Recover(ctx, role)
}

// LastRecoveredAt reads the global marker written by Recover.
func (c *Coordinator) LastRecoveredAt() (time.Time, bool) {
	var at time.Time
	if !c.store.Retrieve(LastRecoveredKey, &at) {
		return time.Time{}, false
	}
	return at, true
}

func (c *Coordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight {
		return ErrRecoveryInFlight
	}
	if !c.lastRun.IsZero() && c.opts.Clock.Now().Sub(c.lastRun) < c.opts.Debounce {
		return ErrRecoveryDebounced
	}
	c.inFlight = true
	return nil
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.inFlight = false
	c.lastRun = c.opts.Clock.Now()
	c.mu.Unlock()
}
