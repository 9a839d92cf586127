package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pimhelper.org/internal/broker"
	"pimhelper.org/internal/pim"
)

type fakeDaemon struct {
	requests []broker.Request
	reply    func(req broker.Request) broker.Response
}

func (f *fakeDaemon) Dispatch(_ context.Context, req broker.Request) (broker.Response, error) {
	f.requests = append(f.requests, req)
	resp := f.reply(req)
	// mimic the wire: payloads arrive as generic JSON
	raw, _ := json.Marshal(resp)
	var out broker.Response
	_ = json.Unmarshal(raw, &out)
	return out, nil
}

func (f *fakeDaemon) Close() error { return nil }

func (f *fakeDaemon) actions() []string {
	var out []string
	for _, r := range f.requests {
		out = append(out, r.Action)
	}
	return out
}

var eligible = []pim.Eligibility{
	{ID: "e1", PrincipalID: "user-1", RoleDefinitionID: "role-ga", DirectoryScopeID: "/", RoleName: "Global Administrator", RequiresJustification: true},
	{ID: "e2", PrincipalID: "user-1", RoleDefinitionID: "role-rr", DirectoryScopeID: "/", RoleName: "Reports Reader"},
}

func daemon() *fakeDaemon {
	return &fakeDaemon{reply: func(req broker.Request) broker.Response {
		switch req.Action {
		case broker.ActionListEligibleRoles:
			return broker.Response{Success: true, Data: broker.Collection[pim.Eligibility]{Value: eligible}}
		case broker.ActionActivateRole:
			if req.Eligibility.RoleDefinitionID == "role-fail" {
				return broker.Response{Error: "graph: boom (status 500)"}
			}
			return broker.Response{Success: true, Result: pim.ScheduleRequestResult{ID: "req", Status: "Provisioned"}}
		case broker.ActionGetAuthStatus:
			no := false
			return broker.Response{Success: true, Authenticated: &no, Data: map[string]string{"state": "unauthenticated"}}
		case broker.ActionListActiveRoles:
			return broker.Response{Error: "auth: refresh failed", NeedsAuth: true}
		}
		return broker.Response{Error: "Unknown action"}
	}}
}

func newCLI(d dispatcher) (*cli, *bytes.Buffer, *[]time.Duration) {
	var out bytes.Buffer
	var slept []time.Duration
	c := &cli{
		client: d,
		out:    &out,
		delay:  time.Second,
		now:    func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
		sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	return c, &out, &slept
}

func TestActivateIsSerialWithDelay(t *testing.T) {
	d := daemon()
	c, out, slept := newCLI(d)

	if err := c.exec(context.Background(), "activate", []string{"reports reader", "role-ga"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	want := []string{broker.ActionListEligibleRoles, broker.ActionActivateRole, broker.ActionActivateRole}
	if got := d.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("actions %v, want %v", got, want)
	}
	if len(*slept) != 1 || (*slept)[0] != time.Second {
		t.Fatalf("expected one delay between two requests, got %v", *slept)
	}
	rr, ga := d.requests[1], d.requests[2]
	if rr.Eligibility.RoleDefinitionID != "role-rr" || rr.Justification != justificationDefault {
		t.Fatalf("first request %+v", rr)
	}
	if ga.Eligibility.RoleDefinitionID != "role-ga" || ga.Justification != justificationRequired {
		t.Fatalf("second request %+v", ga)
	}
	if !strings.Contains(out.String(), "Reports Reader") || !strings.Contains(out.String(), "Global Administrator") {
		t.Fatalf("output %q", out.String())
	}
}

func TestActivateUnknownRoleSubmitsNothing(t *testing.T) {
	d := daemon()
	c, _, _ := newCLI(d)
	err := c.exec(context.Background(), "activate", []string{"Reports Reader", "Helpdesk Administrator"})
	if err == nil || !strings.Contains(err.Error(), "Helpdesk Administrator") {
		t.Fatalf("expected unmatched role error, got %v", err)
	}
	if len(d.requests) != 1 {
		t.Fatalf("only the listing should be sent, got %v", d.actions())
	}
}

func TestBulkContinuesAfterFailure(t *testing.T) {
	d := daemon()
	c, out, _ := newCLI(d)
	c.justification = "ticket 7"
	calls := 0
	err := c.bulk(context.Background(), 3, func(i int) (string, broker.Request) {
		calls++
		id := []string{"role-a", "role-fail", "role-b"}[i]
		return id, broker.Request{Action: broker.ActionActivateRole, Eligibility: &pim.Eligibility{RoleDefinitionID: id}}
	}, "activated")
	if err == nil || err.Error() != "1 of 3 requests failed" {
		t.Fatalf("unexpected error %v", err)
	}
	if calls != 3 {
		t.Fatalf("all requests should be attempted, got %d", calls)
	}
	if !strings.Contains(out.String(), "boom") {
		t.Fatalf("failure not reported: %q", out.String())
	}
}

func TestNeedsAuthHint(t *testing.T) {
	c, _, _ := newCLI(daemon())
	err := c.exec(context.Background(), "active", nil)
	if err == nil || !strings.Contains(err.Error(), "pim login") {
		t.Fatalf("expected login hint, got %v", err)
	}
}

func TestStatusJSON(t *testing.T) {
	c, out, _ := newCLI(daemon())
	c.json = true
	if err := c.exec(context.Background(), "status", nil); err != nil {
		t.Fatalf("status: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, out.String())
	}
	if got["success"] != true || got["authenticated"] != false {
		t.Fatalf("unexpected %v", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	c, _, _ := newCLI(daemon())
	if err := c.exec(context.Background(), "frobnicate", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestExpiringFilter(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	soon, later := now.Add(30*time.Minute), now.Add(3*time.Hour)
	roles := []pim.Assignment{
		{ID: "a", ScheduleInfo: pim.ScheduleInfo{Expiration: pim.Expiration{EndDateTime: &soon}}},
		{ID: "b", ScheduleInfo: pim.ScheduleInfo{Expiration: pim.Expiration{EndDateTime: &later}}},
		{ID: "c"},
	}
	got := expiring(roles, now)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expiring = %+v", got)
	}
}

func TestHTTPDispatcher(t *testing.T) {
	var seen broker.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&seen)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"language":"kk"}}`))
	}))
	defer srv.Close()

	h := &httpDispatcher{target: srv.URL, client: srv.Client()}
	resp, err := h.Dispatch(context.Background(), broker.Request{Action: broker.ActionGetLanguage})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.Success || seen.Action != broker.ActionGetLanguage {
		t.Fatalf("resp=%+v seen=%+v", resp, seen)
	}
}

func TestHTTPDispatcherLeavesLoginUnbounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	h := &httpDispatcher{target: srv.URL, client: srv.Client(), timeout: 50 * time.Millisecond, signInTimeout: time.Minute}
	resp, err := h.Dispatch(context.Background(), broker.Request{Action: broker.ActionForceReauth})
	if err != nil || !resp.Success {
		t.Fatalf("login: resp=%+v err=%v", resp, err)
	}
	if _, err := h.Dispatch(context.Background(), broker.Request{Action: broker.ActionGetAuthStatus}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("status: expected DeadlineExceeded, got %v", err)
	}
}
