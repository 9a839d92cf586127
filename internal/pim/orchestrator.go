package pim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pimhelper.org/internal/audit"
	"pimhelper.org/internal/obs"
)

const (
	scheduleRequestsEndpoint = "/roleManagement/directory/roleAssignmentScheduleRequests"

	ActionSelfActivate = "selfActivate"
	ActionSelfExtend   = "selfExtend"

	DefaultActivationDuration      = "PT1H"
	DefaultActivationJustification = "Temporary access required"
	DefaultExtensionDuration       = "PT2H"
	DefaultExtensionJustification  = "Extension required"

	// ExtensionIncrement is added to the current end of an assignment on
	// every extension, whatever duration the caller asked for.
	ExtensionIncrement = 2 * time.Hour
)

// Orchestrator submits self-activation and self-extension requests.
type Orchestrator struct {
	graph Graph
	now   func() time.Time
}

type OrchestratorOption func(*Orchestrator)

func WithOrchestratorClock(fn func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

func NewOrchestrator(g Graph, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{graph: g, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type me struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
}

func (o *Orchestrator) principalID(ctx context.Context, current string) (string, error) {
	if current != "" {
		return current, nil
	}
	var user me
	if err := o.graph.Get(ctx, "/me", &user); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPrincipalResolution, err)
	}
	if user.ID == "" {
		return "", ErrPrincipalResolution
	}
	return user.ID, nil
}

func scopeOrRoot(scope string) string {
	if scope == "" {
		return "/"
	}
	return scope
}

// ActivateRole requests activation of an eligibility for the given ISO-8601
// duration. Empty duration and justification take the defaults.
func (o *Orchestrator) ActivateRole(ctx context.Context, e Eligibility, duration, justification string) (ScheduleRequestResult, error) {
	if e.RoleDefinitionID == "" {
		return ScheduleRequestResult{}, ErrMissingRole
	}
	if duration == "" {
		duration = DefaultActivationDuration
	}
	if strings.TrimSpace(justification) == "" {
		justification = DefaultActivationJustification
	}
	if _, err := ParseDuration(duration); err != nil {
		return ScheduleRequestResult{}, err
	}
	principal, err := o.principalID(ctx, e.PrincipalID)
	if err != nil {
		return ScheduleRequestResult{}, err
	}

	start := o.now().UTC()
	req := ScheduleRequest{
		Action:           ActionSelfActivate,
		PrincipalID:      principal,
		RoleDefinitionID: e.RoleDefinitionID,
		DirectoryScopeID: scopeOrRoot(e.DirectoryScopeID),
		Justification:    justification,
		ScheduleInfo: ScheduleInfo{
			StartDateTime: &start,
			Expiration:    Expiration{Type: ExpirationAfterDuration, Duration: duration},
		},
	}
	return o.submit(ctx, req, map[string]any{"duration": duration})
}

// ExtendRole pushes the end of an active assignment out by ExtensionIncrement
// from its current end, or from now when it has none. additionalDuration is
// validated and recorded but does not change the new end.
func (o *Orchestrator) ExtendRole(ctx context.Context, a Assignment, additionalDuration, justification string) (ScheduleRequestResult, error) {
	if a.RoleDefinitionID == "" {
		return ScheduleRequestResult{}, ErrMissingRole
	}
	if additionalDuration == "" {
		additionalDuration = DefaultExtensionDuration
	}
	if strings.TrimSpace(justification) == "" {
		justification = DefaultExtensionJustification
	}
	if _, err := ParseDuration(additionalDuration); err != nil {
		return ScheduleRequestResult{}, err
	}
	principal, err := o.principalID(ctx, a.PrincipalID)
	if err != nil {
		return ScheduleRequestResult{}, err
	}

	now := o.now().UTC()
	base := now
	if end := a.ScheduleInfo.Expiration.EndDateTime; end != nil {
		base = end.UTC()
	}
	newEnd := base.Add(ExtensionIncrement)
	req := ScheduleRequest{
		Action:           ActionSelfExtend,
		PrincipalID:      principal,
		RoleDefinitionID: a.RoleDefinitionID,
		DirectoryScopeID: scopeOrRoot(a.DirectoryScopeID),
		Justification:    justification,
		ScheduleInfo: ScheduleInfo{
			StartDateTime: &now,
			Expiration:    Expiration{Type: ExpirationAfterDateTime, EndDateTime: &newEnd},
		},
	}
	return o.submit(ctx, req, map[string]any{
		"requested_duration": additionalDuration,
		"new_end":            newEnd.Format(time.RFC3339),
	})
}

func (o *Orchestrator) submit(ctx context.Context, req ScheduleRequest, extra map[string]any) (ScheduleRequestResult, error) {
	fields := map[string]any{
		"action":             req.Action,
		"role_definition_id": req.RoleDefinitionID,
		"directory_scope_id": req.DirectoryScopeID,
	}
	for k, v := range extra {
		fields[k] = v
	}

	var res ScheduleRequestResult
	if err := o.graph.Post(ctx, scheduleRequestsEndpoint, req, &res); err != nil {
		fields["outcome"] = "failed"
		fields["error"] = err.Error()
		if auditErr := audit.LogEvent(ctx, "pim.schedule_request", fields); auditErr != nil {
			obs.Warn("audit log failed", map[string]any{"error": auditErr.Error()})
		}
		return ScheduleRequestResult{}, err
	}
	fields["outcome"] = "submitted"
	fields["request_id"] = res.ID
	fields["status"] = res.Status
	if auditErr := audit.LogEvent(ctx, "pim.schedule_request", fields); auditErr != nil {
		obs.Warn("audit log failed", map[string]any{"error": auditErr.Error()})
	}
	return res, nil
}
