// Package approval implements the module request state machine: a request
// reaches approved only after sign-off from both approval roles, in either
// order, and any single rejection is terminal.
package approval

import (
	"context"
	"errors"
	"time"
)

// Status of a module request. Exactly one terminal state per request.
type Status string

const (
	StatusPending                Status = "pending"
	StatusClientHeadApproved     Status = "client_head_approved"
	StatusProjectSponsorApproved Status = "project_sponsor_approved"
	StatusApproved               Status = "approved"
	StatusRejected               Status = "rejected"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Display maps intermediate states to the wording lock screens show.
func (s Status) Display() string {
	switch s {
	case StatusPending:
		return "Awaiting approval"
	case StatusClientHeadApproved, StatusProjectSponsorApproved:
		return "Awaiting second approver"
	case StatusApproved:
		return "Approved"
	case StatusRejected:
		return "Rejected"
	}
	return string(s)
}

// Role is one of the two distinguished approval roles.
type Role string

const (
	RoleClientHead     Role = "client_head"
	RoleProjectSponsor Role = "project_sponsor"
)

// ModuleRequest is a user's request for module access within an organization.
type ModuleRequest struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	ModuleID       string    `json:"module_id"`
	Reason         string    `json:"reason"`
	Status         Status    `json:"status"`
	Comments       string    `json:"comments,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var (
	ErrNotFound      = errors.New("approval: request not found")
	ErrTerminalState = errors.New("approval: request already resolved")
	// ErrAlreadyApproved rejects a duplicate approval from the same role.
	// The call is a no-op: no transition, no audit entry.
	ErrAlreadyApproved  = errors.New("approval: this role has already approved")
	ErrDuplicateRequest = errors.New("approval: an active request already exists for this module")
	ErrUnknownModule    = errors.New("approval: unknown module")
	ErrInvalidInput     = errors.New("approval: invalid input")
	ErrInvalidRole      = errors.New("approval: not an approval role")
)

// Service governs module requests. The status transition is serialized per
// request id in every implementation.
type Service interface {
	CreateRequest(ctx context.Context, userID, organizationID, moduleID, reason string) (ModuleRequest, error)
	Approve(ctx context.Context, requestID, actorID string, role Role) (ModuleRequest, error)
	Reject(ctx context.Context, requestID, actorID string, role Role, comments string) (ModuleRequest, error)
	Get(ctx context.Context, requestID string) (ModuleRequest, error)
	// ListOpen returns non-terminal requests for one organization, oldest first.
	ListOpen(ctx context.Context, organizationID string) ([]ModuleRequest, error)
}

// LicenseGranter grants the license when a request reaches approved.
// Satisfied by license.Registry.
type LicenseGranter interface {
	Grant(ctx context.Context, organizationID, moduleID, actorID string) error
}
