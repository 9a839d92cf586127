package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"pimhelper.org/internal/auth"
	"pimhelper.org/internal/broker"
	"pimhelper.org/internal/config"
	"pimhelper.org/internal/monitor"
	"pimhelper.org/internal/pim"
)

const (
	justificationRequired = "Administrative task requiring elevated privileges (pim CLI)"
	justificationDefault  = "Role activation requested via pim CLI"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli holds one invocation's options and its connection to the daemon.
type cli struct {
	client        dispatcher
	out           io.Writer
	json          bool
	duration      string
	justification string
	delay         time.Duration
	onlyExpiring  bool
	interval      string
	warnBefore    string
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath string
		transport  string
		target     string
		c          = &cli{out: stdout, now: time.Now, sleep: sleepContext}
	)
	flagSet := pflag.NewFlagSet("pim", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (default $PIM_CONFIG)")
	flagSet.StringVar(&transport, "transport", "", "grpc or http (default client.transport)")
	flagSet.StringVar(&target, "target", "", "daemon address: gRPC host:port or HTTP base URL")
	flagSet.BoolVar(&c.json, "json", false, "print raw JSON responses")
	flagSet.StringVarP(&c.duration, "duration", "d", "", "activation length as ISO-8601 duration (default PT1H)")
	flagSet.StringVarP(&c.justification, "justification", "j", "", "justification sent with activate/extend")
	flagSet.DurationVar(&c.delay, "delay", 0, "pause between bulk requests (default client.bulk_delay)")
	flagSet.BoolVar(&c.onlyExpiring, "expiring", false, "active: only roles ending within an hour")
	flagSet.StringVar(&c.interval, "interval", "", "notify start: poll interval as ISO-8601 duration")
	flagSet.StringVar(&c.warnBefore, "warn-before", "", "notify start: warning lead time as ISO-8601 duration")
	flagSet.Usage = func() { printHelp(stdout, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stdout, flagSet)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if transport != "" {
		cfg.Client.Transport = transport
	}
	grpcAddr := cfg.Server.GRPCAddr
	if target != "" {
		if cfg.Client.Transport == "http" {
			cfg.Client.HTTPTarget = target
		} else {
			grpcAddr = target
		}
	}
	if !flagSet.Changed("delay") {
		c.delay = cfg.Client.BulkDelay.Std()
	}

	client, err := dial(cfg.Client, grpcAddr)
	if err != nil {
		return err
	}
	defer client.Close()
	c.client = client

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return c.exec(ctx, rest[0], rest[1:])
}

func (c *cli) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "status":
		return c.status(ctx)
	case "tenant":
		return c.tenant(ctx)
	case "eligible":
		return c.eligible(ctx)
	case "active":
		return c.active(ctx)
	case "activate":
		return c.activate(ctx, args)
	case "extend":
		return c.extend(ctx, args)
	case "login":
		return c.simple(ctx, broker.Request{Action: broker.ActionForceReauth}, "Signed in.")
	case "logout":
		return c.simple(ctx, broker.Request{Action: broker.ActionClearAuth}, "Signed out; cached roles cleared.")
	case "notify":
		return c.notify(ctx, args)
	case "lang":
		return c.lang(ctx, args)
	default:
		return fmt.Errorf("unknown command %q (see pim --help)", cmd)
	}
}

// call dispatches req and turns an unsuccessful reply into an error.
func (c *cli) call(ctx context.Context, req broker.Request) (broker.Response, error) {
	resp, err := c.client.Dispatch(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("daemon unreachable: %w", err)
	}
	if c.json {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	}
	if !resp.Success {
		if resp.NeedsAuth {
			return resp, fmt.Errorf("%s (run `pim login`)", resp.Error)
		}
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// decode re-types a generic payload that crossed the wire.
func decode(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (c *cli) simple(ctx context.Context, req broker.Request, done string) error {
	if _, err := c.call(ctx, req); err != nil {
		return err
	}
	if !c.json {
		fmt.Fprintln(c.out, done)
	}
	return nil
}

func (c *cli) status(ctx context.Context) error {
	resp, err := c.call(ctx, broker.Request{Action: broker.ActionGetAuthStatus})
	if err != nil || c.json {
		return err
	}
	var data struct {
		State string `json:"state"`
	}
	_ = decode(resp.Data, &data)
	renderStatus(c.out, resp.Authenticated != nil && *resp.Authenticated, data.State)
	return nil
}

func (c *cli) tenant(ctx context.Context) error {
	resp, err := c.call(ctx, broker.Request{Action: broker.ActionGetTenantInfo})
	if err != nil || c.json {
		return err
	}
	var info auth.TenantInfo
	if err := decode(resp.Data, &info); err != nil {
		return err
	}
	renderTenant(c.out, info)
	return nil
}

func (c *cli) listEligible(ctx context.Context) ([]pim.Eligibility, error) {
	resp, err := c.call(ctx, broker.Request{Action: broker.ActionListEligibleRoles})
	if err != nil {
		return nil, err
	}
	var coll broker.Collection[pim.Eligibility]
	if err := decode(resp.Data, &coll); err != nil {
		return nil, err
	}
	return coll.Value, nil
}

func (c *cli) listActive(ctx context.Context) ([]pim.Assignment, error) {
	resp, err := c.call(ctx, broker.Request{Action: broker.ActionListActiveRoles})
	if err != nil {
		return nil, err
	}
	var coll broker.Collection[pim.Assignment]
	if err := decode(resp.Data, &coll); err != nil {
		return nil, err
	}
	return coll.Value, nil
}

func (c *cli) eligible(ctx context.Context) error {
	roles, err := c.listEligible(ctx)
	if err != nil || c.json {
		return err
	}
	renderEligible(c.out, roles)
	return nil
}

func (c *cli) active(ctx context.Context) error {
	roles, err := c.listActive(ctx)
	if err != nil || c.json {
		return err
	}
	now := c.now()
	if c.onlyExpiring {
		roles = expiring(roles, now)
	}
	renderActive(c.out, roles, now)
	return nil
}

// matchEligible resolves each argument by role definition id or
// case-insensitive display name. Every argument must match.
func matchEligible(roles []pim.Eligibility, args []string) ([]pim.Eligibility, error) {
	var out []pim.Eligibility
	var missing []string
	for _, arg := range args {
		found := false
		for _, r := range roles {
			if r.RoleDefinitionID == arg || strings.EqualFold(r.RoleName, arg) {
				out = append(out, r)
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, arg)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no eligible role matches %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// matchActive resolves by assignment id, role definition id or name.
func matchActive(roles []pim.Assignment, args []string) ([]pim.Assignment, error) {
	var out []pim.Assignment
	var missing []string
	for _, arg := range args {
		found := false
		for _, r := range roles {
			if r.ID == arg || r.RoleDefinitionID == arg || strings.EqualFold(r.RoleName, arg) {
				out = append(out, r)
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, arg)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("no active role matches %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (c *cli) activate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pim activate <role id or name>...")
	}
	roles, err := c.listEligible(ctx)
	if err != nil {
		return err
	}
	targets, err := matchEligible(roles, args)
	if err != nil {
		return err
	}
	return c.bulk(ctx, len(targets), func(i int) (string, broker.Request) {
		e := targets[i]
		justification := c.justification
		if justification == "" {
			justification = justificationDefault
			if e.RequiresJustification {
				justification = justificationRequired
			}
		}
		return e.RoleName, broker.Request{
			Action:        broker.ActionActivateRole,
			Eligibility:   &e,
			Duration:      c.duration,
			Justification: justification,
		}
	}, "activated")
}

func (c *cli) extend(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pim extend <assignment id, role id or name>...")
	}
	roles, err := c.listActive(ctx)
	if err != nil {
		return err
	}
	targets, err := matchActive(roles, args)
	if err != nil {
		return err
	}
	return c.bulk(ctx, len(targets), func(i int) (string, broker.Request) {
		a := targets[i]
		return a.RoleName, broker.Request{
			Action:             broker.ActionExtendRole,
			Assignment:         &a,
			AdditionalDuration: c.duration,
			Justification:      c.justification,
		}
	}, "extended")
}

// bulk submits n requests one at a time with c.delay between them. A failed
// request does not stop the rest; the returned error counts the failures.
func (c *cli) bulk(ctx context.Context, n int, build func(i int) (string, broker.Request), verb string) error {
	failed := 0
	for i := 0; i < n; i++ {
		if i > 0 && c.delay > 0 {
			if err := c.sleep(ctx, c.delay); err != nil {
				return err
			}
		}
		name, req := build(i)
		resp, err := c.call(ctx, req)
		var res pim.ScheduleRequestResult
		if err == nil {
			_ = decode(resp.Result, &res)
		} else {
			failed++
		}
		if !c.json {
			renderOutcome(c.out, verb, name, res, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, n)
	}
	return nil
}

func (c *cli) notify(ctx context.Context, args []string) error {
	sub := "status"
	if len(args) > 0 {
		sub = args[0]
	}
	var req broker.Request
	switch sub {
	case "start":
		req = broker.Request{Action: broker.ActionStartNotifications, Interval: c.interval, WarnBefore: c.warnBefore}
	case "stop":
		req = broker.Request{Action: broker.ActionStopNotifications}
	case "status":
		req = broker.Request{Action: broker.ActionGetNotificationStatus}
	default:
		return fmt.Errorf("usage: pim notify start|stop|status")
	}
	resp, err := c.call(ctx, req)
	if err != nil || c.json {
		return err
	}
	var s monitor.Status
	if err := decode(resp.Data, &s); err != nil {
		return err
	}
	renderMonitor(c.out, s)
	return nil
}

func (c *cli) lang(ctx context.Context, args []string) error {
	req := broker.Request{Action: broker.ActionGetLanguage}
	if len(args) > 0 {
		req = broker.Request{Action: broker.ActionSetLanguage, Language: args[0]}
	}
	resp, err := c.call(ctx, req)
	if err != nil || c.json {
		return err
	}
	var data struct {
		Language string `json:"language"`
	}
	if err := decode(resp.Data, &data); err != nil {
		return err
	}
	fmt.Fprintln(c.out, data.Language)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `pim: activate and extend Azure AD PIM roles through pimd.

Usage:
  pim [flags] <command> [args]

Commands:
  status                      show whether pimd holds a usable token
  login                       sign in again (clears stored tokens first)
  logout                      clear tokens and the role cache
  tenant                      show the signed-in user and tenant
  eligible                    list roles you can activate
  active [--expiring]         list active roles
  activate <role>...          activate roles by id or name, one at a time
  extend <role>...            extend active roles by two hours
  notify start|stop|status    control expiry warnings
  lang [code]                 show or set the preferred language

Flags:
`)
	fmt.Fprint(w, flagSet.FlagUsages())
}
