package pim

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pimhelper.org/internal/graph"
	"pimhelper.org/internal/obs"
	"pimhelper.org/internal/policy"
)

const (
	eligibilityEndpoint = "/roleManagement/directory/roleEligibilityScheduleInstances/filterByCurrentUser(on='principal')"
	assignmentEndpoint  = "/roleManagement/directory/roleAssignmentScheduleInstances/filterByCurrentUser(on='principal')"
	definitionsEndpoint = "/roleManagement/directory/roleDefinitions"
	definitionsSelect   = "$select=id,displayName,description"

	defaultCacheTTL    = time.Hour
	defaultConcurrency = 4
)

// Catalog owns the role definition cache and lists roles for the current
// principal.
type Catalog struct {
	graph       Graph
	policy      Resolver
	now         func() time.Time
	ttl         time.Duration
	concurrency int

	mu       sync.RWMutex
	defs     map[string]RoleDefinition
	loadedAt time.Time
}

// CatalogOption configures Catalog.
type CatalogOption func(*Catalog)

func WithCacheTTL(d time.Duration) CatalogOption {
	return func(c *Catalog) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithConcurrency bounds parallel policy lookups.
func WithConcurrency(n int) CatalogOption {
	return func(c *Catalog) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithCatalogClock(fn func() time.Time) CatalogOption {
	return func(c *Catalog) {
		if fn != nil {
			c.now = fn
		}
	}
}

func NewCatalog(g Graph, resolver Resolver, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		graph:       g,
		policy:      resolver,
		now:         time.Now,
		ttl:         defaultCacheTTL,
		concurrency: defaultConcurrency,
		defs:        make(map[string]RoleDefinition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PreloadRoleDefinitions fills the cache when it is empty or older than
// the TTL. Failures are logged; names degrade to raw ids.
func (c *Catalog) PreloadRoleDefinitions(ctx context.Context) {
	c.mu.RLock()
	fresh := len(c.defs) > 0 && c.now().Sub(c.loadedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return
	}

	defs, err := graph.List[RoleDefinition](ctx, c.graph, definitionsEndpoint+"?"+definitionsSelect)
	if err != nil {
		obs.Warn("pim: preload role definitions failed", map[string]any{"error": err.Error()})
		return
	}
	next := make(map[string]RoleDefinition, len(defs))
	for _, d := range defs {
		next[d.ID] = d
	}
	c.mu.Lock()
	c.defs = next
	c.loadedAt = c.now()
	c.mu.Unlock()
	obs.Debug("pim: role definitions preloaded", map[string]any{"count": len(defs)})
}

// EnrichRolesWithNames returns a definition for every id. Ids missing from
// the cache are fetched in one $filter query; unresolved ids map to a
// definition whose DisplayName is the id itself.
func (c *Catalog) EnrichRolesWithNames(ctx context.Context, ids []string) map[string]RoleDefinition {
	distinct := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}

	c.mu.RLock()
	var missing []string
	for _, id := range distinct {
		if _, ok := c.defs[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	if len(missing) > 0 {
		c.fetchDefinitions(ctx, missing)
	}

	out := make(map[string]RoleDefinition, len(distinct))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range distinct {
		if d, ok := c.defs[id]; ok && d.DisplayName != "" {
			out[id] = d
			continue
		}
		out[id] = RoleDefinition{ID: id, DisplayName: id}
	}
	return out
}

func (c *Catalog) fetchDefinitions(ctx context.Context, ids []string) {
	clauses := make([]string, len(ids))
	for i, id := range ids {
		clauses[i] = fmt.Sprintf("id eq '%s'", strings.ReplaceAll(id, "'", "''"))
	}
	filter := strings.ReplaceAll(url.QueryEscape(strings.Join(clauses, " or ")), "+", "%20")
	var resp struct {
		Value []RoleDefinition `json:"value"`
	}
	if err := c.graph.Get(ctx, definitionsEndpoint+"?$filter="+filter+"&"+definitionsSelect, &resp); err != nil {
		obs.Warn("pim: batch role definition fetch failed", map[string]any{"count": len(ids), "error": err.Error()})
		return
	}
	c.mu.Lock()
	for _, d := range resp.Value {
		c.defs[d.ID] = d
	}
	c.mu.Unlock()
}

// ClearCache empties the definition cache and resets its freshness.
func (c *Catalog) ClearCache() {
	c.mu.Lock()
	c.defs = make(map[string]RoleDefinition)
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// CachedDefinitions reports the current cache size.
func (c *Catalog) CachedDefinitions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// ListEligibleRoles returns every eligibility of the current principal with
// names and the justification requirement attached. Eligibilities are not
// filtered by time window.
func (c *Catalog) ListEligibleRoles(ctx context.Context) ([]Eligibility, error) {
	c.PreloadRoleDefinitions(ctx)

	raw, err := graph.List[rawInstance](ctx, c.graph, eligibilityEndpoint)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(raw))
	for i, r := range raw {
		ids[i] = r.RoleDefinitionID
	}
	names := c.EnrichRolesWithNames(ctx, ids)

	out := make([]Eligibility, len(raw))
	for i, r := range raw {
		start, end := r.window()
		def := names[r.RoleDefinitionID]
		out[i] = Eligibility{
			ID:               r.ID,
			PrincipalID:      r.PrincipalID,
			RoleDefinitionID: r.RoleDefinitionID,
			DirectoryScopeID: r.DirectoryScopeID,
			MemberType:       r.MemberType,
			StartDateTime:    start,
			EndDateTime:      end,
			RoleName:         def.DisplayName,
			RoleDescription:  def.Description,
		}
	}

	decisions := c.resolvePolicies(ctx, out)
	for i := range out {
		d := decisions[policyKey(out[i].RoleDefinitionID, out[i].DirectoryScopeID)]
		out[i].RequiresJustification = d.Required
		out[i].JustificationSource = d.Source
	}
	return out, nil
}

func policyKey(roleID, scope string) string {
	if scope == "" {
		scope = "/"
	}
	return roleID + "|" + scope
}

// resolvePolicies runs one policy lookup per distinct (role, scope), with
// at most c.concurrency in flight.
func (c *Catalog) resolvePolicies(ctx context.Context, roles []Eligibility) map[string]policy.Decision {
	decisions := make(map[string]policy.Decision)
	if c.policy == nil {
		return decisions
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	queued := make(map[string]struct{})
	for _, r := range roles {
		key := policyKey(r.RoleDefinitionID, r.DirectoryScopeID)
		if _, ok := queued[key]; ok {
			continue
		}
		queued[key] = struct{}{}
		target := policy.Target{RoleDefinitionID: r.RoleDefinitionID, ScopeID: r.DirectoryScopeID, RoleName: r.RoleName}
		g.Go(func() error {
			d := c.policy.RequiresJustification(ctx, target)
			mu.Lock()
			decisions[key] = d
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return decisions
}

// ListActiveRoles returns assignments whose window contains now, with the
// schedule normalised to ScheduleInfo.
func (c *Catalog) ListActiveRoles(ctx context.Context) ([]Assignment, error) {
	c.PreloadRoleDefinitions(ctx)

	raw, err := graph.List[rawInstance](ctx, c.graph, assignmentEndpoint)
	if err != nil {
		return nil, err
	}
	now := c.now()
	active := raw[:0]
	for _, r := range raw {
		start, end := r.window()
		if activeAt(start, end, now) {
			active = append(active, r)
		}
	}

	ids := make([]string, len(active))
	for i, r := range active {
		ids[i] = r.RoleDefinitionID
	}
	names := c.EnrichRolesWithNames(ctx, ids)

	out := make([]Assignment, len(active))
	for i, r := range active {
		out[i] = normalizeAssignment(r, names[r.RoleDefinitionID].DisplayName)
	}
	return out, nil
}

func normalizeAssignment(r rawInstance, roleName string) Assignment {
	start, end := r.window()
	info := ScheduleInfo{StartDateTime: start, Expiration: Expiration{EndDateTime: end}}
	if r.ScheduleInfo != nil {
		info.Expiration.Type = r.ScheduleInfo.Expiration.Type
		info.Expiration.Duration = r.ScheduleInfo.Expiration.Duration
	}
	return Assignment{
		ID:               r.ID,
		PrincipalID:      r.PrincipalID,
		RoleDefinitionID: r.RoleDefinitionID,
		DirectoryScopeID: r.DirectoryScopeID,
		AssignmentType:   r.AssignmentType,
		MemberType:       r.MemberType,
		RoleName:         roleName,
		ScheduleInfo:     info,
	}
}
