// Package pim lists role eligibilities and active assignments for the
// signed-in user and submits self-activation and self-extension requests.
package pim

import (
	"context"
	"errors"
	"time"

	"pimhelper.org/internal/policy"
)

var (
	ErrPrincipalResolution = errors.New("pim: could not retrieve user information for activation")
	ErrInvalidDuration     = errors.New("pim: invalid ISO-8601 duration")
	ErrMissingRole         = errors.New("pim: roleDefinitionId is required")
)

// Graph is the subset of the Graph client used here.
type Graph interface {
	Get(ctx context.Context, endpoint string, out any) error
	Post(ctx context.Context, endpoint string, body, out any) error
}

// Resolver answers the justification question for one role.
type Resolver interface {
	RequiresJustification(ctx context.Context, t policy.Target) policy.Decision
}

type RoleDefinition struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// Eligibility is a role the user may activate.
type Eligibility struct {
	ID                    string        `json:"id"`
	PrincipalID           string        `json:"principalId"`
	RoleDefinitionID      string        `json:"roleDefinitionId"`
	DirectoryScopeID      string        `json:"directoryScopeId"`
	MemberType            string        `json:"memberType,omitempty"`
	StartDateTime         *time.Time    `json:"startDateTime,omitempty"`
	EndDateTime           *time.Time    `json:"endDateTime,omitempty"`
	RoleName              string        `json:"roleName"`
	RoleDescription       string        `json:"roleDescription,omitempty"`
	RequiresJustification bool          `json:"requiresJustification"`
	JustificationSource   policy.Source `json:"justificationSource,omitempty"`
}

// Assignment is an active role with its schedule normalised.
type Assignment struct {
	ID               string       `json:"id"`
	PrincipalID      string       `json:"principalId"`
	RoleDefinitionID string       `json:"roleDefinitionId"`
	DirectoryScopeID string       `json:"directoryScopeId"`
	AssignmentType   string       `json:"assignmentType,omitempty"`
	MemberType       string       `json:"memberType,omitempty"`
	RoleName         string       `json:"roleName"`
	ScheduleInfo     ScheduleInfo `json:"scheduleInfo"`
}

type ScheduleInfo struct {
	StartDateTime *time.Time `json:"startDateTime,omitempty"`
	Expiration    Expiration `json:"expiration"`
}

type Expiration struct {
	Type        string     `json:"type,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	EndDateTime *time.Time `json:"endDateTime,omitempty"`
}

// ExpirationType values accepted by roleAssignmentScheduleRequests.
const (
	ExpirationAfterDuration = "afterDuration"
	ExpirationAfterDateTime = "afterDateTime"
)

// ScheduleRequest is the body POSTed to roleAssignmentScheduleRequests.
type ScheduleRequest struct {
	Action           string       `json:"action"`
	PrincipalID      string       `json:"principalId"`
	RoleDefinitionID string       `json:"roleDefinitionId"`
	DirectoryScopeID string       `json:"directoryScopeId"`
	Justification    string       `json:"justification"`
	ScheduleInfo     ScheduleInfo `json:"scheduleInfo"`
}

// ScheduleRequestResult is Graph's reply to a schedule request.
type ScheduleRequestResult struct {
	ID               string       `json:"id"`
	Status           string       `json:"status"`
	Action           string       `json:"action"`
	PrincipalID      string       `json:"principalId"`
	RoleDefinitionID string       `json:"roleDefinitionId"`
	DirectoryScopeID string       `json:"directoryScopeId"`
	Justification    string       `json:"justification,omitempty"`
	CreatedDateTime  *time.Time   `json:"createdDateTime,omitempty"`
	ScheduleInfo     ScheduleInfo `json:"scheduleInfo"`
}

// rawInstance is a schedule instance as Graph returns it. Depending on the
// endpoint revision the window is flat or nested under scheduleInfo.
type rawInstance struct {
	ID               string        `json:"id"`
	PrincipalID      string        `json:"principalId"`
	RoleDefinitionID string        `json:"roleDefinitionId"`
	DirectoryScopeID string        `json:"directoryScopeId"`
	AssignmentType   string        `json:"assignmentType"`
	MemberType       string        `json:"memberType"`
	StartDateTime    *time.Time    `json:"startDateTime"`
	EndDateTime      *time.Time    `json:"endDateTime"`
	ScheduleInfo     *ScheduleInfo `json:"scheduleInfo"`
}

func (r rawInstance) window() (start, end *time.Time) {
	start, end = r.StartDateTime, r.EndDateTime
	if r.ScheduleInfo != nil {
		if start == nil {
			start = r.ScheduleInfo.StartDateTime
		}
		if end == nil {
			end = r.ScheduleInfo.Expiration.EndDateTime
		}
	}
	return start, end
}

// activeAt reports start <= now < end with nil bounds unbounded.
func activeAt(start, end *time.Time, now time.Time) bool {
	if start != nil && start.After(now) {
		return false
	}
	if end != nil && !end.After(now) {
		return false
	}
	return true
}
