package auth

import (
	"slices"
	"time"
)

// Capability is a permission a principal carries. Roles are not exclusive: an
// admin may also arbitrate.
type Capability string

const (
	CapFunder     Capability = "funder"
	CapLab        Capability = "lab"
	CapAdmin      Capability = "admin"
	CapArbitrator Capability = "arbitrator"
	// CapSystem is held only by internal callers such as rail webhooks.
	CapSystem Capability = "system"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	LabID        *string
	Capabilities []Capability
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the authenticated caller of a command.
type Principal struct {
	UserID       string
	LabID        string
	Capabilities []Capability
}

// System is the principal used for rail callbacks and background sweeps.
var System = Principal{UserID: "system", Capabilities: []Capability{CapSystem}}

func (p Principal) Has(c Capability) bool {
	return slices.Contains(p.Capabilities, c)
}

// IsStaff reports admin or system access.
func (p Principal) IsStaff() bool {
	return p.Has(CapAdmin) || p.Has(CapSystem)
}

// PrincipalFor derives the principal of a stored user.
func PrincipalFor(u User) Principal {
	p := Principal{UserID: u.ID, Capabilities: slices.Clone(u.Capabilities)}
	if u.LabID != nil {
		p.LabID = *u.LabID
	}
	return p
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email        string       `json:"email"`
	Password     string       `json:"password"`
	FullName     string       `json:"full_name"`
	Capabilities []Capability `json:"capabilities"`
	LabName      string       `json:"lab_name,omitempty"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
