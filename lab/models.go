package lab

import (
	"strings"
	"time"

	"bountyflow/apperr"
)

// Tier is the verification level granted to a lab by the admin workflow.
type Tier int

const (
	TierUnverified Tier = 0
	TierBasic      Tier = 1
	TierVerified   Tier = 2
	TierTrusted    Tier = 3
)

// Profile captures the lab data the settlement core relies on.
type Profile struct {
	ID   string
	Name string
	Tier Tier
	// PayoutAccounts maps a rail id to the lab's destination on that rail:
	// a connected account for cards, an address for stablecoin rails.
	PayoutAccounts map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Destination returns the payout destination registered for rail.
func (p Profile) Destination(rail string) (string, error) {
	dest := strings.TrimSpace(p.PayoutAccounts[rail])
	if dest == "" {
		return "", apperr.Validation("lab %s has no payout account for rail %s", p.ID, rail)
	}
	return dest, nil
}

// Meets reports whether the lab tier satisfies a bounty minimum.
func (p Profile) Meets(minTier int) bool {
	return int(p.Tier) >= minTier
}

func Validate(p Profile) error {
	if strings.TrimSpace(p.ID) == "" {
		return apperr.Validation("lab id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return apperr.Validation("lab name is required")
	}
	if p.Tier < TierUnverified || p.Tier > TierTrusted {
		return apperr.Validation("lab tier %d out of range", p.Tier)
	}
	return nil
}
