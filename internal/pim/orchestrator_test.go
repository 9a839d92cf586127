package pim

import (
	"context"
	"errors"
	"testing"
	"time"

	"pimhelper.org/internal/auth"
)

func expirationOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	info, ok := body["scheduleInfo"].(map[string]any)
	if !ok {
		t.Fatalf("scheduleInfo missing in %v", body)
	}
	exp, ok := info["expiration"].(map[string]any)
	if !ok {
		t.Fatalf("expiration missing in %v", info)
	}
	return exp
}

func TestActivateRoleAppliesDefaults(t *testing.T) {
	now := t0
	g := newFakeGraph()
	o := NewOrchestrator(g, WithOrchestratorClock(fixedClock(&now)))

	res, err := o.ActivateRole(context.Background(), Eligibility{PrincipalID: "user-1", RoleDefinitionID: "role-a"}, "", "  ")
	if err != nil {
		t.Fatalf("ActivateRole: %v", err)
	}
	if res.ID != "req-1" || res.Status != "Provisioned" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(g.posts) != 1 || g.posts[0].endpoint != scheduleRequestsEndpoint {
		t.Fatalf("unexpected posts %+v", g.posts)
	}
	if len(g.gets) != 0 {
		t.Fatalf("principal was known, /me should not be called: %v", g.gets)
	}
	body := g.posts[0].body
	checks := map[string]string{
		"action":           ActionSelfActivate,
		"principalId":      "user-1",
		"roleDefinitionId": "role-a",
		"directoryScopeId": "/",
		"justification":    DefaultActivationJustification,
	}
	for k, want := range checks {
		if body[k] != want {
			t.Fatalf("%s = %v, want %q", k, body[k], want)
		}
	}
	info := body["scheduleInfo"].(map[string]any)
	if info["startDateTime"] != "2025-03-10T12:00:00Z" {
		t.Fatalf("startDateTime = %v", info["startDateTime"])
	}
	exp := expirationOf(t, body)
	if exp["type"] != ExpirationAfterDuration || exp["duration"] != DefaultActivationDuration {
		t.Fatalf("expiration = %v", exp)
	}
}

func TestActivateRoleResolvesPrincipal(t *testing.T) {
	g := newFakeGraph()
	g.routes["/me"] = `{"id":"user-from-me","userPrincipalName":"alice@contoso.com"}`
	o := NewOrchestrator(g)

	_, err := o.ActivateRole(context.Background(), Eligibility{RoleDefinitionID: "role-a", DirectoryScopeID: "/administrativeUnits/au1"}, "PT4H", "Incident 4411")
	if err != nil {
		t.Fatalf("ActivateRole: %v", err)
	}
	body := g.posts[0].body
	if body["principalId"] != "user-from-me" || body["directoryScopeId"] != "/administrativeUnits/au1" || body["justification"] != "Incident 4411" {
		t.Fatalf("unexpected body %v", body)
	}
	if exp := expirationOf(t, body); exp["duration"] != "PT4H" {
		t.Fatalf("duration = %v", exp["duration"])
	}
}

func TestActivateRolePrincipalResolutionError(t *testing.T) {
	g := newFakeGraph()
	g.fail["/me"] = auth.ErrNoAccessToken
	o := NewOrchestrator(g)

	_, err := o.ActivateRole(context.Background(), Eligibility{RoleDefinitionID: "role-a"}, "", "")
	if !errors.Is(err, ErrPrincipalResolution) {
		t.Fatalf("expected ErrPrincipalResolution, got %v", err)
	}
	if !errors.Is(err, auth.ErrAuthentication) {
		t.Fatalf("auth cause must stay visible, got %v", err)
	}
	if len(g.posts) != 0 {
		t.Fatal("nothing should be submitted")
	}
}

func TestActivateRoleRejectsBadInput(t *testing.T) {
	cases := []struct {
		name     string
		role     string
		duration string
		want     error
	}{
		{"missing role", "", "PT1H", ErrMissingRole},
		{"not iso", "role-a", "1h", ErrInvalidDuration},
		{"zero", "role-a", "PT0M", ErrInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newFakeGraph()
			o := NewOrchestrator(g)
			_, err := o.ActivateRole(context.Background(), Eligibility{PrincipalID: "u", RoleDefinitionID: tc.role}, tc.duration, "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(g.posts) != 0 {
				t.Fatal("invalid request was submitted")
			}
		})
	}
}

func TestActivateRoleDoesNotRetryPost(t *testing.T) {
	g := newFakeGraph()
	g.fail[scheduleRequestsEndpoint] = errors.New("503")
	o := NewOrchestrator(g)

	if _, err := o.ActivateRole(context.Background(), Eligibility{PrincipalID: "u", RoleDefinitionID: "role-a"}, "", ""); err == nil {
		t.Fatal("expected error")
	}
	if len(g.posts) != 1 {
		t.Fatalf("expected single submission, got %d", len(g.posts))
	}
}

func TestExtendRoleAddsFixedIncrement(t *testing.T) {
	end := t0.Add(20 * time.Minute)
	cases := []struct {
		name      string
		end       *time.Time
		requested string
		want      time.Time
	}{
		{"default duration", &end, "", end.Add(2 * time.Hour)},
		{"shorter request", &end, "PT30M", end.Add(2 * time.Hour)},
		{"longer request", &end, "PT8H", end.Add(2 * time.Hour)},
		{"no current end", nil, "PT1H", t0.Add(2 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now := t0
			g := newFakeGraph()
			o := NewOrchestrator(g, WithOrchestratorClock(fixedClock(&now)))
			a := Assignment{
				PrincipalID:      "user-1",
				RoleDefinitionID: "role-a",
				ScheduleInfo:     ScheduleInfo{Expiration: Expiration{EndDateTime: tc.end}},
			}
			if _, err := o.ExtendRole(context.Background(), a, tc.requested, ""); err != nil {
				t.Fatalf("ExtendRole: %v", err)
			}
			body := g.posts[0].body
			if body["action"] != ActionSelfExtend || body["justification"] != DefaultExtensionJustification {
				t.Fatalf("unexpected body %v", body)
			}
			exp := expirationOf(t, body)
			if exp["type"] != ExpirationAfterDateTime {
				t.Fatalf("expiration type = %v", exp["type"])
			}
			got, err := time.Parse(time.RFC3339, exp["endDateTime"].(string))
			if err != nil {
				t.Fatalf("endDateTime: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("endDateTime = %s, want %s", got, tc.want)
			}
			if _, ok := exp["duration"]; ok {
				t.Fatalf("afterDateTime expiration must not carry a duration: %v", exp)
			}
		})
	}
}

func TestExtendRoleValidatesRequestedDuration(t *testing.T) {
	g := newFakeGraph()
	o := NewOrchestrator(g)
	_, err := o.ExtendRole(context.Background(), Assignment{PrincipalID: "u", RoleDefinitionID: "role-a"}, "two hours", "")
	if !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}
