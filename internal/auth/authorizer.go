package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"time"

	"pimhelper.org/internal/obs"
)

// Flow selects how the identity provider hands the credential back.
type Flow string

const (
	FlowAuthorizationCode Flow = "authorization_code"
	FlowImplicit          Flow = "implicit"
)

// Valid reports whether f names a supported flow.
func (f Flow) Valid() bool {
	return f == FlowAuthorizationCode || f == FlowImplicit
}

// Outcome of an interactive authorization.
type Outcome int

const (
	OutcomeAuthorized Outcome = iota
	OutcomeDenied
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthorized:
		return "authorized"
	case OutcomeDenied:
		return "denied"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// AuthorizationResult is what came back on the redirect. Code is set for the
// authorization code flow, AccessToken and ExpiresIn for the implicit flow.
type AuthorizationResult struct {
	Outcome          Outcome
	Code             string
	AccessToken      string
	ExpiresIn        int64
	Error            string
	ErrorDescription string
}

// Authorizer drives the interactive part of sign-in: present authURL to the
// user and wait for the redirect.
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (AuthorizationResult, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, authURL string) (AuthorizationResult, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, authURL string) (AuthorizationResult, error) {
	return f(ctx, authURL)
}

// LoopbackAuthorizer receives the redirect on a local HTTP listener.
type LoopbackAuthorizer struct {
	// Addr is the host:port to bind, e.g. 127.0.0.1:8400. Ignored when
	// Listener is set.
	Addr string
	// Path is the redirect path registered with the app, e.g. /callback.
	Path     string
	Listener net.Listener
	// Open presents the URL to the user. When nil the URL is written to Out.
	Open func(authURL string) error
	Out  io.Writer
}

// RedirectURL returns the redirect URI this authorizer listens on.
func (a *LoopbackAuthorizer) RedirectURL() string {
	host := a.Addr
	if a.Listener != nil {
		host = a.Listener.Addr().String()
	}
	return "http://" + host + a.path()
}

func (a *LoopbackAuthorizer) path() string {
	if a.Path == "" {
		return "/callback"
	}
	return a.Path
}

// CommandOpener returns an Open func that launches name with the URL as its
// only argument (xdg-open, open, wslview...).
func CommandOpener(name string) func(string) error {
	return func(authURL string) error {
		return exec.Command(name, authURL).Start()
	}
}

func (a *LoopbackAuthorizer) Authorize(ctx context.Context, authURL string) (AuthorizationResult, error) {
	parsed, err := url.Parse(authURL)
	if err != nil {
		return AuthorizationResult{}, fmt.Errorf("auth: parse authorize url: %w", err)
	}
	wantState := parsed.Query().Get("state")

	ln := a.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", a.Addr)
		if err != nil {
			return AuthorizationResult{}, fmt.Errorf("auth: listen %s: %w", a.Addr, err)
		}
	}

	results := make(chan AuthorizationResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(a.path(), func(w http.ResponseWriter, r *http.Request) {
		// form_post (implicit) and query (code) both land in r.Form
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if wantState != "" && r.Form.Get("state") != wantState {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		res := resultFromForm(r.Form)
		select {
		case results <- res:
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if res.Outcome == OutcomeAuthorized {
			_, _ = io.WriteString(w, "<html><body>Signed in. You can close this window.</body></html>")
			return
		}
		_, _ = io.WriteString(w, "<html><body>Sign-in failed. You can close this window.</body></html>")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := a.present(authURL); err != nil {
		return AuthorizationResult{}, err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			obs.Warn("auth: interactive sign-in timed out", nil)
			return AuthorizationResult{}, ErrSignInTimeout
		}
		obs.Info("auth: interactive sign-in cancelled", map[string]any{"reason": ctx.Err().Error()})
		return AuthorizationResult{Outcome: OutcomeCancelled, Error: "cancelled", ErrorDescription: ctx.Err().Error()}, nil
	case res := <-results:
		return res, nil
	}
}

func (a *LoopbackAuthorizer) present(authURL string) error {
	if a.Open != nil {
		err := a.Open(authURL)
		if err == nil {
			return nil
		}
		obs.Warn("auth: could not open browser", map[string]any{"error": err.Error()})
	}
	out := a.Out
	if out == nil {
		out = os.Stderr
	}
	_, err := fmt.Fprintf(out, "Open this URL to sign in:\n\n  %s\n\n", authURL)
	return err
}

func resultFromForm(form url.Values) AuthorizationResult {
	if e := form.Get("error"); e != "" {
		return AuthorizationResult{
			Outcome:          OutcomeDenied,
			Error:            e,
			ErrorDescription: form.Get("error_description"),
		}
	}
	res := AuthorizationResult{
		Outcome:     OutcomeAuthorized,
		Code:        form.Get("code"),
		AccessToken: form.Get("access_token"),
	}
	if v := form.Get("expires_in"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			res.ExpiresIn = n
		}
	}
	return res
}

// errorFromResult maps a non-authorized outcome to a sentinel.
func errorFromResult(res AuthorizationResult) error {
	switch res.Outcome {
	case OutcomeAuthorized:
		return nil
	case OutcomeCancelled:
		return fmt.Errorf("%w: cancelled by user", ErrAuthorizationDenied)
	default:
		detail := res.ErrorDescription
		if detail == "" {
			detail = res.Error
		}
		if detail == "" {
			return ErrAuthorizationDenied
		}
		return fmt.Errorf("%w: %s", ErrAuthorizationDenied, detail)
	}
}
