package pim

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"pimhelper.org/internal/policy"
)

type post struct {
	endpoint string
	body     map[string]any
}

// fakeGraph serves canned bodies by endpoint prefix and records traffic.
type fakeGraph struct {
	mu     sync.Mutex
	gets   []string
	posts  []post
	routes map[string]string
	fail   map[string]error
	reply  string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{routes: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeGraph) Get(_ context.Context, endpoint string, out any) error {
	f.mu.Lock()
	f.gets = append(f.gets, endpoint)
	f.mu.Unlock()
	for prefix, err := range f.fail {
		if strings.HasPrefix(endpoint, prefix) {
			return err
		}
	}
	best := ""
	for prefix := range f.routes {
		if strings.HasPrefix(endpoint, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return errors.New("no route for " + endpoint)
	}
	return json.Unmarshal([]byte(f.routes[best]), out)
}

func (f *fakeGraph) Post(_ context.Context, endpoint string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	f.posts = append(f.posts, post{endpoint: endpoint, body: decoded})
	f.mu.Unlock()
	if err := f.fail[endpoint]; err != nil {
		return err
	}
	reply := f.reply
	if reply == "" {
		reply = `{"id":"req-1","status":"Provisioned"}`
	}
	return json.Unmarshal([]byte(reply), out)
}

func (f *fakeGraph) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, g := range f.gets {
		if strings.Contains(g, substr) {
			n++
		}
	}
	return n
}

type fakeResolver struct {
	mu      sync.Mutex
	targets []policy.Target
	decide  func(policy.Target) policy.Decision
}

func (r *fakeResolver) RequiresJustification(_ context.Context, t policy.Target) policy.Decision {
	r.mu.Lock()
	r.targets = append(r.targets, t)
	r.mu.Unlock()
	return r.decide(t)
}
