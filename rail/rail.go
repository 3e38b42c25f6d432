// Package rail defines the payment rail contract the escrow ledger settles
// through, plus the fee, tolerance and call-guarding logic every rail shares.
package rail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"bountyflow/apperr"
)

// ID names a configured rail.
type ID string

const (
	Card         ID = "card"
	EVMUSD       ID = "evm_usd"
	HostedCrypto ID = "hosted_crypto"
)

// ErrUnavailable marks a failure worth retrying: network errors, timeouts,
// throttling and 5xx answers.
var ErrUnavailable = errors.New("rail: unavailable")

// ErrNotConfigured marks a lookup of a rail this deployment does not run.
var ErrNotConfigured = errors.New("rail: not configured")

// NotConfigured reports that no adapter serves id.
func NotConfigured(id string) error {
	e := apperr.RailPermanent("rail %q is not configured", id)
	e.Err = ErrNotConfigured
	return e
}

// Unavailable wraps err as a transient rail failure.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

type DepositRequest struct {
	EscrowID    string
	BountyID    string
	Amount      int64
	Currency    string
	Payer       string
	Description string
}

// Deposit tells the funder how to pay. Reference identifies the deposit on
// the rail until verification replaces it with the settled reference.
type Deposit struct {
	Reference    string
	PayTo        string
	PaymentURL   string
	ClientSecret string
	ExpiresAt    *time.Time
}

// VerifyRequest asks the rail whether reference pays escrow EscrowID. Payer
// is the identity the funder declared at deposit time; rails that can see
// the sender or the order echo match them before counting the amount.
type VerifyRequest struct {
	EscrowID  string
	Reference string
	Payer     string
	Expected  int64
}

type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomePending  Outcome = "pending"
	OutcomeMismatch Outcome = "mismatch"
)

// Verification is the rail's view of a deposit. Reference is the canonical
// settled reference (payment id, tx hash) and is unique per rail.
type Verification struct {
	Outcome   Outcome
	Received  int64
	Reference string
	Detail    string
}

type ReleaseRequest struct {
	EscrowID       string
	IdempotencyKey string
	Destination    string
	Amount         int64
	Currency       string
}

type RefundRequest struct {
	EscrowID         string
	IdempotencyKey   string
	DepositReference string
	Destination      string
	Amount           int64
	Currency         string
	Reason           string
}

// Adapter is implemented by every rail.
type Adapter interface {
	ID() ID
	InitializeDeposit(ctx context.Context, req DepositRequest) (Deposit, error)
	VerifyDeposit(ctx context.Context, req VerifyRequest) (Verification, error)
	ReleasePortion(ctx context.Context, req ReleaseRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

type EventType string

const (
	EventPaymentSucceeded EventType = "payment_succeeded"
	EventPaymentPending   EventType = "payment_pending"
	EventPaymentFailed    EventType = "payment_failed"
	EventPayoutSettled    EventType = "payout_settled"
)

// Event is a verified inbound callback. EscrowID is set when the rail echoes
// the order metadata sent at deposit time.
type Event struct {
	Rail      ID
	EventID   string
	Type      EventType
	Reference string
	EscrowID  string
	Payload   []byte
}

// WebhookParser is implemented by rails that push signed callbacks.
type WebhookParser interface {
	ParseWebhook(header http.Header, body []byte) (Event, error)
}

// Registry holds the configured rails, each behind a Guard.
type Registry struct {
	guarded map[ID]*Guard
	raw     map[ID]Adapter
}

func NewRegistry() *Registry {
	return &Registry{guarded: map[ID]*Guard{}, raw: map[ID]Adapter{}}
}

// Add registers a rail behind g's policy.
func (r *Registry) Add(a Adapter, policy GuardPolicy, opts ...GuardOption) {
	r.raw[a.ID()] = a
	r.guarded[a.ID()] = NewGuard(a, policy, opts...)
}

// Get returns the guarded adapter for id.
func (r *Registry) Get(id string) (Adapter, error) {
	g, ok := r.guarded[ID(id)]
	if !ok {
		return nil, NotConfigured(id)
	}
	return g, nil
}

// Webhooks returns the callback parser for id, if the rail pushes callbacks.
func (r *Registry) Webhooks(id string) (WebhookParser, bool) {
	p, ok := r.raw[ID(id)].(WebhookParser)
	return p, ok
}

// IDs lists configured rails in stable order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.raw))
	for id := range r.raw {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}
