package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pimhelper.org/internal/auth"
	"pimhelper.org/internal/monitor"
	"pimhelper.org/internal/pim"
)

const expiringWindow = time.Hour

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	requiredMark = warnStyle.Render("justification")
)

// table renders rows as fixed-width columns sized to their content.
func table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := lipgloss.Width(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			col := lipgloss.NewStyle().Width(widths[i] + 2)
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = col.Render(cell)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, ""), " "))
	}
	line(header, &headerStyle)
	for _, row := range rows {
		line(row, nil)
	}
}

func scopeLabel(scope string) string {
	if scope == "" || scope == "/" {
		return "directory"
	}
	return scope
}

func renderEligible(w io.Writer, roles []pim.Eligibility) {
	if len(roles) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No eligible roles."))
		return
	}
	rows := make([][]string, 0, len(roles))
	for _, r := range roles {
		req := ""
		if r.RequiresJustification {
			req = requiredMark
		}
		rows = append(rows, []string{r.RoleName, scopeLabel(r.DirectoryScopeID), req, r.RoleDefinitionID})
	}
	table(w, []string{"ROLE", "SCOPE", "REQUIRES", "ROLE ID"}, rows)
}

func renderActive(w io.Writer, roles []pim.Assignment, now time.Time) {
	if len(roles) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No active roles."))
		return
	}
	rows := make([][]string, 0, len(roles))
	for _, r := range roles {
		rows = append(rows, []string{r.RoleName, scopeLabel(r.DirectoryScopeID), remaining(r, now), r.ID})
	}
	table(w, []string{"ROLE", "SCOPE", "EXPIRES", "ASSIGNMENT ID"}, rows)
}

func remaining(a pim.Assignment, now time.Time) string {
	end := a.ScheduleInfo.Expiration.EndDateTime
	if end == nil {
		return okStyle.Render("permanent")
	}
	left := end.Sub(now).Round(time.Minute)
	text := fmt.Sprintf("%s (in %s)", end.Local().Format("15:04"), left)
	if left <= expiringWindow {
		return warnStyle.Render(text)
	}
	return text
}

// expiring keeps assignments ending within the window.
func expiring(roles []pim.Assignment, now time.Time) []pim.Assignment {
	var out []pim.Assignment
	for _, r := range roles {
		end := r.ScheduleInfo.Expiration.EndDateTime
		if end != nil && end.Sub(now) <= expiringWindow {
			out = append(out, r)
		}
	}
	return out
}

func renderStatus(w io.Writer, authenticated bool, state string) {
	if authenticated {
		fmt.Fprintln(w, okStyle.Render("Signed in"), dimStyle.Render("("+state+")"))
		return
	}
	fmt.Fprintln(w, warnStyle.Render("Not signed in"), dimStyle.Render("run `pim login`"))
}

func renderTenant(w io.Writer, info auth.TenantInfo) {
	table(w, []string{"FIELD", "VALUE"}, [][]string{
		{"User", info.UserName},
		{"UPN", info.UserPrincipalName},
		{"Tenant", info.TenantID},
		{"Object ID", info.ObjectID},
	})
}

func renderMonitor(w io.Writer, s monitor.Status) {
	state := warnStyle.Render("stopped")
	if s.Running {
		state = okStyle.Render("running")
	}
	fmt.Fprintf(w, "Notifications: %s\n", state)
	if s.Running {
		fmt.Fprintf(w, "  every %s, warn %s before expiry\n", s.Interval, s.WarnBefore)
	}
	if s.LastCheck != nil {
		fmt.Fprintf(w, "  last check %s\n", s.LastCheck.Local().Format(time.RFC3339))
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", errStyle.Render(s.LastError))
	}
}

func renderOutcome(w io.Writer, verb, role string, res pim.ScheduleRequestResult, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s %s %s: %v\n", errStyle.Render("✗"), verb, role, err)
		return
	}
	status := res.Status
	if status == "" {
		status = "submitted"
	}
	fmt.Fprintf(w, "%s %s %s %s\n", okStyle.Render("✓"), verb, role, dimStyle.Render("("+status+")"))
}
