package policy

import "strings"

// Source names the rule (or fallback) that produced a Decision.
type Source string

const (
	SourceEndUserEnablement Source = "enduser-enablement"
	SourceEndUserApproval   Source = "enduser-approval"
	SourceAdminEnablement   Source = "admin-enablement"
	SourceFallback          Source = "fallback"
)

// Decision answers whether activation needs a justification.
type Decision struct {
	Required bool   `json:"required"`
	Source   Source `json:"source"`
}

// Rule is the subset of unifiedRoleManagementPolicyRule fields we read.
// Approval settings appear both flat and under setting depending on the
// API revision.
type Rule struct {
	ODataType    string     `json:"@odata.type"`
	ID           string     `json:"id"`
	EnabledRules []string   `json:"enabledRules"`
	Target       RuleTarget `json:"target"`
	Setting      *Approval  `json:"setting,omitempty"`
	Approval
}

type RuleTarget struct {
	Caller string `json:"caller"`
	Level  string `json:"level"`
}

type Approval struct {
	IsApprovalRequired               *bool `json:"isApprovalRequired,omitempty"`
	IsRequestorJustificationRequired *bool `json:"isRequestorJustificationRequired,omitempty"`
}

type ruleKind int

const (
	kindOther ruleKind = iota
	kindEnablement
	kindApproval
)

func (r Rule) kind() ruleKind {
	t := strings.ToLower(r.ODataType)
	switch {
	case strings.HasSuffix(t, "enablementrule"):
		return kindEnablement
	case strings.HasSuffix(t, "approvalrule"):
		return kindApproval
	case t != "":
		return kindOther
	}
	switch {
	case strings.HasPrefix(r.ID, "Enablement_"):
		return kindEnablement
	case strings.HasPrefix(r.ID, "Approval_"):
		return kindApproval
	}
	return kindOther
}

func (r Rule) targets(caller, level string) bool {
	return strings.EqualFold(r.Target.Caller, caller) && strings.EqualFold(r.Target.Level, level)
}

func (r Rule) requiresJustificationFlag() bool {
	for _, v := range r.EnabledRules {
		if strings.EqualFold(strings.TrimSpace(v), "Justification") {
			return true
		}
	}
	return false
}

func (r Rule) approvalRequired() bool {
	flags := []*bool{r.IsApprovalRequired, r.IsRequestorJustificationRequired}
	if r.Setting != nil {
		flags = append(flags, r.Setting.IsApprovalRequired, r.Setting.IsRequestorJustificationRequired)
	}
	for _, f := range flags {
		if f != nil && *f {
			return true
		}
	}
	return false
}

// Evaluate applies rule precedence. Only EndUser/Assignment rules govern
// self-activation; when an enablement rule for that target exists its
// enabledRules list is final, even if an approval rule says otherwise.
// Admin/Assignment enablement is consulted only when neither exists.
func Evaluate(rules []Rule) (Decision, bool) {
	var approval, admin *Rule
	for i := range rules {
		r := &rules[i]
		switch r.kind() {
		case kindEnablement:
			if r.targets("EndUser", "Assignment") {
				return Decision{Required: r.requiresJustificationFlag(), Source: SourceEndUserEnablement}, true
			}
			if admin == nil && r.targets("Admin", "Assignment") {
				admin = r
			}
		case kindApproval:
			if approval == nil && r.targets("EndUser", "Assignment") {
				approval = r
			}
		}
	}
	if approval != nil {
		return Decision{Required: approval.approvalRequired(), Source: SourceEndUserApproval}, true
	}
	if admin != nil {
		return Decision{Required: admin.requiresJustificationFlag(), Source: SourceAdminEnablement}, true
	}
	return Decision{}, false
}
