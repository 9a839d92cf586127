// Package policy decides whether activating a directory role requires a
// justification by reading the role management policy rules from Graph.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"pimhelper.org/internal/graph"
	"pimhelper.org/internal/obs"
)

// DefaultFallbackRoles require justification when no rule can be read.
// The list is deliberately short and is not grown beyond what is configured.
var DefaultFallbackRoles = []string{
	"Global Administrator",
	"Privileged Role Administrator",
	"Security Administrator",
}

// builtinTemplateIDs maps built-in role names to their template ids, which
// are also their role definition ids in every tenant. A fallback name
// matches by id too, since RoleName is the raw id when enrichment failed.
var builtinTemplateIDs = map[string]string{
	"global administrator":          "62e90394-69f5-4237-9190-012177145e10",
	"privileged role administrator": "e8611ab8-c189-46e8-94e1-60213ab1f814",
	"security administrator":        "194ae4cb-b126-40b2-bd5b-6091b380977d",
}

const probeEndpoint = "/policies/roleManagementPolicyAssignments?$top=1"

// Getter is the read side of the Graph client.
type Getter = graph.Getter

// Target identifies the role being activated.
type Target struct {
	RoleDefinitionID string
	ScopeID          string
	RoleName         string
}

// Engine resolves justification requirements. Lookup failures never escape:
// each one degrades to the next strategy and finally to the role-name
// fallback.
type Engine struct {
	graph    Getter
	fallback map[string]struct{}

	probeMu   sync.Mutex
	probed    bool
	forbidden bool
}

// Option configures Engine.
type Option func(*Engine)

// WithFallbackRoles replaces the role names that require justification
// when policy cannot be read.
func WithFallbackRoles(names []string) Option {
	return func(e *Engine) {
		if len(names) == 0 {
			return
		}
		e.fallback = toSet(names)
	}
}

func New(g Getter, opts ...Option) *Engine {
	e := &Engine{graph: g, fallback: toSet(DefaultFallbackRoles)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			set[n] = struct{}{}
			if id, ok := builtinTemplateIDs[n]; ok {
				set[id] = struct{}{}
			}
		}
	}
	return set
}

// RequiresJustification never fails; see Decision.Source for how it was reached.
func (e *Engine) RequiresJustification(ctx context.Context, t Target) Decision {
	if t.ScopeID == "" {
		t.ScopeID = "/"
	}
	d := e.resolve(ctx, t)
	obs.PolicyDecision(string(d.Source), d.Required)
	obs.Debug("policy: justification resolved", map[string]any{
		"role_definition_id": t.RoleDefinitionID,
		"scope":              t.ScopeID,
		"required":           d.Required,
		"source":             string(d.Source),
	})
	return d
}

func (e *Engine) resolve(ctx context.Context, t Target) Decision {
	if t.RoleDefinitionID != "" && e.policyReadable(ctx) {
		if rules, err := e.rulesFromAssignment(ctx, t); err != nil {
			lookupFailed("assignment", t, err)
		} else if d, ok := Evaluate(rules); ok {
			return d
		}

		if rules, err := e.rulesFromPolicyQuery(ctx, t); err != nil {
			lookupFailed("policy", t, err)
		} else if d, ok := Evaluate(rules); ok {
			return d
		}
	}
	if d := e.Fallback(t.RoleName); d.Required {
		return d
	}
	return e.Fallback(t.RoleDefinitionID)
}

// Fallback is the conservative answer by role display name or built-in
// template id.
func (e *Engine) Fallback(roleName string) Decision {
	_, ok := e.fallback[strings.ToLower(strings.TrimSpace(roleName))]
	return Decision{Required: ok, Source: SourceFallback}
}

// policyReadable probes once whether the signed-in user may read policies.
// A 403 is remembered; other probe errors are not, so a transient failure
// does not disable lookups for the rest of the session.
func (e *Engine) policyReadable(ctx context.Context) bool {
	e.probeMu.Lock()
	defer e.probeMu.Unlock()
	if e.probed {
		return !e.forbidden
	}
	var out struct {
		Value []assignment `json:"value"`
	}
	err := e.graph.Get(ctx, probeEndpoint, &out)
	switch {
	case err == nil:
		e.probed = true
	case graph.IsForbidden(err):
		e.probed = true
		e.forbidden = true
		obs.Warn("policy: policy reads are forbidden for this user, using role-name fallback", nil)
	default:
		lookupFailed("probe", Target{}, err)
	}
	return !e.forbidden
}

type assignment struct {
	PolicyID string `json:"policyId"`
}

func (e *Engine) rulesFromAssignment(ctx context.Context, t Target) ([]Rule, error) {
	filter := fmt.Sprintf("scopeId eq '%s' and scopeType eq 'DirectoryRole' and roleDefinitionId eq '%s'",
		odataString(t.ScopeID), odataString(t.RoleDefinitionID))
	var assignments struct {
		Value []assignment `json:"value"`
	}
	if err := e.graph.Get(ctx, "/policies/roleManagementPolicyAssignments?$filter="+escapeQuery(filter), &assignments); err != nil {
		return nil, err
	}
	var policyID string
	for _, a := range assignments.Value {
		if a.PolicyID != "" {
			policyID = a.PolicyID
			break
		}
	}
	if policyID == "" {
		return nil, nil
	}
	var rules struct {
		Value []Rule `json:"value"`
	}
	if err := e.graph.Get(ctx, "/policies/roleManagementPolicies/"+url.PathEscape(policyID)+"/rules", &rules); err != nil {
		return nil, err
	}
	return rules.Value, nil
}

func (e *Engine) rulesFromPolicyQuery(ctx context.Context, t Target) ([]Rule, error) {
	filter := fmt.Sprintf("scopeId eq '%s' and scopeType eq 'DirectoryRole' and roleDefinitionId eq '%s'",
		odataString(t.ScopeID), odataString(t.RoleDefinitionID))
	var policies struct {
		Value []struct {
			ID    string `json:"id"`
			Rules []Rule `json:"rules"`
		} `json:"value"`
	}
	if err := e.graph.Get(ctx, "/policies/roleManagementPolicies?$filter="+escapeQuery(filter)+"&$expand=rules", &policies); err != nil {
		return nil, err
	}
	var rules []Rule
	for _, p := range policies.Value {
		rules = append(rules, p.Rules...)
	}
	return rules, nil
}

func lookupFailed(step string, t Target, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	obs.Warn("policy: lookup failed, falling through", map[string]any{
		"step":               step,
		"role_definition_id": t.RoleDefinitionID,
		"error":              err.Error(),
	})
}

func odataString(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

// escapeQuery percent-encodes an OData expression; spaces become %20.
func escapeQuery(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
