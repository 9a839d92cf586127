// Package broker dispatches action messages from the CLI and local clients
// to the auth, catalog, activation and monitor services.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pimhelper.org/internal/audit"
	"pimhelper.org/internal/auth"
	"pimhelper.org/internal/graph"
	"pimhelper.org/internal/monitor"
	"pimhelper.org/internal/obs"
	"pimhelper.org/internal/pim"
	"pimhelper.org/internal/store"
)

// Actions understood by Dispatch.
const (
	ActionGetAuthStatus         = "getAuthStatus"
	ActionListEligibleRoles     = "listEligibleRoles"
	ActionListActiveRoles       = "listActiveRoles"
	ActionActivateRole          = "activateRole"
	ActionExtendRole            = "extendRole"
	ActionClearAuth             = "clearAuth"
	ActionForceReauth           = "forceReauth"
	ActionGetTenantInfo         = "getTenantInfo"
	ActionStartNotifications    = "startNotifications"
	ActionStopNotifications     = "stopNotifications"
	ActionGetNotificationStatus = "getNotificationStatus"
	ActionGetLanguage           = "getLanguage"
	ActionSetLanguage           = "setLanguage"
)

// readOnly actions change nothing and may be re-sent after a transport failure.
var readOnly = map[string]bool{
	ActionGetAuthStatus:         true,
	ActionListEligibleRoles:     true,
	ActionListActiveRoles:       true,
	ActionGetTenantInfo:         true,
	ActionGetNotificationStatus: true,
	ActionGetLanguage:           true,
}

// ReadOnly reports whether action is safe to retry.
func ReadOnly(action string) bool { return readOnly[action] }

// mayPrompt actions need a Graph token and so may block on a browser sign-in.
var mayPrompt = map[string]bool{
	ActionListEligibleRoles: true,
	ActionListActiveRoles:   true,
	ActionActivateRole:      true,
	ActionExtendRole:        true,
	ActionForceReauth:       true,
}

// CallTimeout picks the client-side deadline for action. forceReauth always
// waits on the user and gets none (0); other actions that may sign in get
// signIn; the rest get normal.
func CallTimeout(action string, normal, signIn time.Duration) time.Duration {
	switch {
	case action == ActionForceReauth:
		return 0
	case mayPrompt[action]:
		return signIn
	default:
		return normal
	}
}

const (
	errUnknownAction = "Unknown action"
	defaultLanguage  = "en"
)

var ErrBadRequest = errors.New("broker: malformed request")

// Request is one action message. Only the fields relevant to Action are read.
type Request struct {
	Action             string           `json:"action"`
	Eligibility        *pim.Eligibility `json:"eligibility,omitempty"`
	Assignment         *pim.Assignment  `json:"assignment,omitempty"`
	Duration           string           `json:"duration,omitempty"`
	AdditionalDuration string           `json:"additionalDuration,omitempty"`
	Justification      string           `json:"justification,omitempty"`
	Interval           string           `json:"interval,omitempty"`
	WarnBefore         string           `json:"warnBefore,omitempty"`
	Language           string           `json:"language,omitempty"`
}

// Response mirrors Request: Success plus whichever payload the action has.
type Response struct {
	Success       bool   `json:"success"`
	Authenticated *bool  `json:"authenticated,omitempty"`
	Data          any    `json:"data,omitempty"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	NeedsAuth     bool   `json:"needsAuth,omitempty"`
}

// Collection is the {value: [...]} envelope used for role lists.
type Collection[T any] struct {
	Value []T `json:"value"`
}

type Auth interface {
	Authenticated(ctx context.Context) bool
	TenantInfo() (auth.TenantInfo, bool)
	State() auth.State
	ClearTokens(ctx context.Context) error
	ForceReauth(ctx context.Context) error
}

type Catalog interface {
	ListEligibleRoles(ctx context.Context) ([]pim.Eligibility, error)
	ListActiveRoles(ctx context.Context) ([]pim.Assignment, error)
	ClearCache()
}

type Activator interface {
	ActivateRole(ctx context.Context, e pim.Eligibility, duration, justification string) (pim.ScheduleRequestResult, error)
	ExtendRole(ctx context.Context, a pim.Assignment, additionalDuration, justification string) (pim.ScheduleRequestResult, error)
}

type Monitor interface {
	Start(interval, warnBefore time.Duration) error
	Stop()
	Status() monitor.Status
}

type Broker struct {
	auth      Auth
	catalog   Catalog
	activator Activator
	monitor   Monitor
	prefs     store.Store
}

type Option func(*Broker)

// WithMonitor enables the notification actions.
func WithMonitor(m Monitor) Option {
	return func(b *Broker) { b.monitor = m }
}

// WithPreferences persists the language preference in st.
func WithPreferences(st store.Store) Option {
	return func(b *Broker) { b.prefs = st }
}

func New(a Auth, c Catalog, act Activator, opts ...Option) *Broker {
	b := &Broker{auth: a, catalog: c, activator: act}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DispatchJSON decodes a raw message and dispatches it.
func (b *Broker) DispatchJSON(ctx context.Context, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{Error: fmt.Sprintf("%s: %v", ErrBadRequest, err)}
	}
	return b.Dispatch(ctx, req)
}

// Dispatch runs one action. It never returns a Go error: failures become
// Success=false with NeedsAuth set when signing in again would help.
func (b *Broker) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	resp, err := b.handle(ctx, req)
	fields := map[string]any{
		"action":      req.Action,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	if err != nil {
		resp = Response{Error: err.Error(), NeedsAuth: needsAuth(err)}
		fields["error"] = err.Error()
		fields["needs_auth"] = resp.NeedsAuth
		obs.Warn("broker action failed", fields)
		return resp
	}
	obs.Debug("broker action", fields)
	return resp
}

func needsAuth(err error) bool {
	return errors.Is(err, auth.ErrAuthentication) || graph.IsUnauthorized(err)
}

func ok() Response { return Response{Success: true} }

func (b *Broker) handle(ctx context.Context, req Request) (Response, error) {
	switch req.Action {
	case ActionGetAuthStatus:
		authenticated := b.auth.Authenticated(ctx)
		return Response{
			Success:       true,
			Authenticated: &authenticated,
			Data:          map[string]string{"state": b.auth.State().String()},
		}, nil

	case ActionListEligibleRoles:
		roles, err := b.catalog.ListEligibleRoles(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Data: Collection[pim.Eligibility]{Value: nonNil(roles)}}, nil

	case ActionListActiveRoles:
		roles, err := b.catalog.ListActiveRoles(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Data: Collection[pim.Assignment]{Value: nonNil(roles)}}, nil

	case ActionActivateRole:
		if req.Eligibility == nil {
			return Response{}, fmt.Errorf("%w: eligibility is required", ErrBadRequest)
		}
		res, err := b.activator.ActivateRole(ctx, *req.Eligibility, req.Duration, req.Justification)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Result: res}, nil

	case ActionExtendRole:
		if req.Assignment == nil {
			return Response{}, fmt.Errorf("%w: assignment is required", ErrBadRequest)
		}
		res, err := b.activator.ExtendRole(ctx, *req.Assignment, req.AdditionalDuration, req.Justification)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Result: res}, nil

	case ActionClearAuth:
		b.catalog.ClearCache()
		if err := b.auth.ClearTokens(ctx); err != nil {
			return Response{}, err
		}
		return ok(), nil

	case ActionForceReauth:
		b.catalog.ClearCache()
		if err := b.auth.ForceReauth(ctx); err != nil {
			return Response{}, err
		}
		authenticated := b.auth.Authenticated(ctx)
		return Response{Success: true, Authenticated: &authenticated}, nil

	case ActionGetTenantInfo:
		if !b.auth.Authenticated(ctx) {
			return Response{}, auth.ErrNoAccessToken
		}
		info, found := b.auth.TenantInfo()
		if !found {
			return Response{Success: true}, nil
		}
		return Response{Success: true, Data: info}, nil

	case ActionStartNotifications:
		if b.monitor == nil {
			return Response{}, errors.New("notifications are not available")
		}
		interval, err := optionalDuration(req.Interval)
		if err != nil {
			return Response{}, err
		}
		warnBefore, err := optionalDuration(req.WarnBefore)
		if err != nil {
			return Response{}, err
		}
		if err := b.monitor.Start(interval, warnBefore); err != nil {
			return Response{}, err
		}
		return Response{Success: true, Data: b.monitor.Status()}, nil

	case ActionStopNotifications:
		if b.monitor == nil {
			return Response{}, errors.New("notifications are not available")
		}
		b.monitor.Stop()
		return Response{Success: true, Data: b.monitor.Status()}, nil

	case ActionGetNotificationStatus:
		if b.monitor == nil {
			return Response{Success: true, Data: monitor.Status{}}, nil
		}
		return Response{Success: true, Data: b.monitor.Status()}, nil

	case ActionGetLanguage:
		lang, err := b.language(ctx)
		if err != nil {
			return Response{}, err
		}
		return Response{Success: true, Data: map[string]string{"language": lang}}, nil

	case ActionSetLanguage:
		lang := strings.TrimSpace(req.Language)
		if lang == "" {
			return Response{}, fmt.Errorf("%w: language is required", ErrBadRequest)
		}
		if b.prefs == nil {
			return Response{}, errors.New("preferences are not available")
		}
		if err := b.prefs.Set(ctx, map[string]string{store.KeyUserLanguage: lang}); err != nil {
			return Response{}, err
		}
		return Response{Success: true, Data: map[string]string{"language": lang}}, nil

	default:
		obs.Warn("unknown action", map[string]any{"action": req.Action})
		return Response{Error: errUnknownAction}, nil
	}
}

func (b *Broker) language(ctx context.Context) (string, error) {
	if b.prefs == nil {
		return defaultLanguage, nil
	}
	values, err := b.prefs.Get(ctx, store.KeyUserLanguage)
	if err != nil {
		return "", err
	}
	if lang := values[store.KeyUserLanguage]; lang != "" {
		return lang, nil
	}
	return defaultLanguage, nil
}

func optionalDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return pim.ParseDuration(v)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
