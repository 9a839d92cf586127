// Package monitor polls active role assignments and warns before they expire.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"pimhelper.org/internal/auth"
	"pimhelper.org/internal/obs"
	"pimhelper.org/internal/pim"
)

const (
	DefaultInterval   = 5 * time.Minute
	DefaultWarnBefore = 15 * time.Minute
)

var ErrInvalidInterval = errors.New("monitor: interval must be positive")

// ExpiryWarning is emitted once per assignment and end time.
type ExpiryWarning struct {
	AssignmentID     string        `json:"assignmentId"`
	RoleName         string        `json:"roleName"`
	RoleDefinitionID string        `json:"roleDefinitionId"`
	EndDateTime      time.Time     `json:"endDateTime"`
	Remaining        time.Duration `json:"remaining"`
}

// ActiveLister is satisfied by *pim.Catalog.
type ActiveLister interface {
	ListActiveRoles(ctx context.Context) ([]pim.Assignment, error)
}

// Notifier receives every warning in addition to hub subscribers.
type Notifier interface {
	Notify(ctx context.Context, w ExpiryWarning) error
}

// LogNotifier writes warnings as structured log lines.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, w ExpiryWarning) error {
	obs.Warn("role expiring soon", map[string]any{
		"role":               w.RoleName,
		"role_definition_id": w.RoleDefinitionID,
		"end":                w.EndDateTime.Format(time.RFC3339),
		"remaining_seconds":  int64(w.Remaining.Seconds()),
	})
	return nil
}

// Status is a snapshot of the monitor.
type Status struct {
	Running    bool          `json:"running"`
	Interval   time.Duration `json:"interval"`
	WarnBefore time.Duration `json:"warnBefore"`
	LastCheck  *time.Time    `json:"lastCheck,omitempty"`
	LastError  string        `json:"lastError,omitempty"`
	Warned     int           `json:"warned"`
}

type Monitor struct {
	source    ActiveLister
	hub       *Hub
	notifiers []Notifier
	now       func() time.Time

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	interval   time.Duration
	warnBefore time.Duration
	lastCheck  time.Time
	lastErr    string
	warned     map[string]struct{}
}

type Option func(*Monitor)

func WithHub(h *Hub) Option {
	return func(m *Monitor) {
		if h != nil {
			m.hub = h
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(m *Monitor) {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

func New(source ActiveLister, opts ...Option) *Monitor {
	m := &Monitor{
		source:     source,
		hub:        NewHub(0),
		now:        time.Now,
		interval:   DefaultInterval,
		warnBefore: DefaultWarnBefore,
		warned:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hub returns the fan-out that receives every warning.
func (m *Monitor) Hub() *Hub { return m.hub }

// Start begins polling. Zero values select the defaults. Starting a running
// monitor restarts it with the new settings.
func (m *Monitor) Start(interval, warnBefore time.Duration) error {
	if interval == 0 {
		interval = DefaultInterval
	}
	if warnBefore == 0 {
		warnBefore = DefaultWarnBefore
	}
	if interval < 0 || warnBefore < 0 {
		return ErrInvalidInterval
	}
	m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.interval = interval
	m.warnBefore = warnBefore
	m.mu.Unlock()

	go m.run(ctx, done, interval)
	obs.Info("expiry monitor started", map[string]any{
		"interval_seconds":    int64(interval.Seconds()),
		"warn_before_seconds": int64(warnBefore.Seconds()),
	})
	return nil
}

// run polls until ctx ends. Polls may refresh the token but never open a
// browser sign-in that nobody is there to answer.
func (m *Monitor) run(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)
	ctx = auth.WithoutInteraction(ctx)
	m.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Stop halts polling and waits for the loop to exit. It is a no-op when
// the monitor is not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	obs.Info("expiry monitor stopped", nil)
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		Running:    m.cancel != nil,
		Interval:   m.interval,
		WarnBefore: m.warnBefore,
		LastError:  m.lastErr,
		Warned:     len(m.warned),
	}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		s.LastCheck = &t
	}
	return s
}

// Check runs one poll and returns the warnings it emitted.
func (m *Monitor) Check(ctx context.Context) []ExpiryWarning {
	roles, err := m.source.ListActiveRoles(ctx)
	now := m.now()

	m.mu.Lock()
	m.lastCheck = now
	if err != nil {
		m.lastErr = err.Error()
		m.mu.Unlock()
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, auth.ErrInteractionRequired):
			obs.Info("expiry check skipped: not signed in", nil)
		default:
			obs.Warn("expiry check failed", map[string]any{"error": err.Error()})
		}
		return nil
	}
	m.lastErr = ""
	warnBefore := m.warnBefore
	var out []ExpiryWarning
	for _, a := range roles {
		end := a.ScheduleInfo.Expiration.EndDateTime
		if end == nil {
			continue
		}
		remaining := end.Sub(now)
		if remaining <= 0 || remaining > warnBefore {
			continue
		}
		key := a.ID + "|" + a.RoleDefinitionID + "|" + end.UTC().Format(time.RFC3339)
		if _, seen := m.warned[key]; seen {
			continue
		}
		m.warned[key] = struct{}{}
		out = append(out, ExpiryWarning{
			AssignmentID:     a.ID,
			RoleName:         a.RoleName,
			RoleDefinitionID: a.RoleDefinitionID,
			EndDateTime:      end.UTC(),
			Remaining:        remaining,
		})
	}
	m.mu.Unlock()

	for _, w := range out {
		m.hub.Publish(w)
		for _, n := range m.notifiers {
			if err := n.Notify(ctx, w); err != nil {
				obs.Warn("expiry notifier failed", map[string]any{"error": err.Error()})
			}
		}
	}
	return out
}
