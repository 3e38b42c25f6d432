// Package card settles escrows through Stripe using manually captured
// payment intents, connected-account transfers and refunds.
package card

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/transfer"
	"github.com/stripe/stripe-go/v76/webhook"

	"bountyflow/rail"
)

const signatureHeader = "Stripe-Signature"

// Config holds processor credentials. BaseURL overrides the Stripe API host.
type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	// SignatureTolerance bounds the age of a webhook timestamp.
	SignatureTolerance time.Duration
}

// Client implements rail.Adapter on the Stripe SDK. The SDK does not retry;
// the rail guard owns retries.
type Client struct {
	intents       *paymentintent.Client
	transfers     *transfer.Client
	refunds       *refund.Client
	webhookSecret string
	sigTolerance  time.Duration
}

func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	tol := cfg.SignatureTolerance
	if tol <= 0 {
		tol = 5 * time.Minute
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		backendCfg.URL = stripe.String(base)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	return &Client{
		intents:       &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		transfers:     &transfer.Client{B: backend, Key: cfg.SecretKey},
		refunds:       &refund.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
		sigTolerance:  tol,
	}
}

func (c *Client) ID() rail.ID { return rail.Card }

func (c *Client) InitializeDeposit(ctx context.Context, req rail.DepositRequest) (rail.Deposit, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String(req.Description),
	}
	if req.Payer != "" {
		params.ReceiptEmail = stripe.String(req.Payer)
	}
	params.Context = ctx
	params.AddMetadata("escrow_id", req.EscrowID)
	params.AddMetadata("bounty_id", req.BountyID)
	params.SetIdempotencyKey("deposit:" + req.EscrowID)

	pi, err := c.intents.New(params)
	if err != nil {
		return rail.Deposit{}, classify("create payment intent", err)
	}
	return rail.Deposit{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// VerifyDeposit captures an authorized intent whose capturable amount matches
// exactly, or reports a succeeded intent's received amount. The intent must
// carry the escrow id in its metadata.
func (c *Client) VerifyDeposit(ctx context.Context, req rail.VerifyRequest) (rail.Verification, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := c.intents.Get(req.Reference, params)
	if err != nil {
		return rail.Verification{}, classify("get payment intent", err)
	}
	if owner := pi.Metadata["escrow_id"]; owner != "" && owner != req.EscrowID {
		return rail.Verification{
			Outcome:   rail.OutcomeMismatch,
			Reference: pi.ID,
			Detail:    fmt.Sprintf("payment intent belongs to escrow %s", owner),
		}, nil
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		if !rail.ExactMatch.Accepts(req.Expected, pi.AmountCapturable) {
			return rail.Verification{
				Outcome:   rail.OutcomeMismatch,
				Received:  pi.AmountCapturable,
				Reference: pi.ID,
				Detail:    fmt.Sprintf("capturable %d, expected %d", pi.AmountCapturable, req.Expected),
			}, nil
		}
		capture := &stripe.PaymentIntentCaptureParams{}
		capture.Context = ctx
		capture.SetIdempotencyKey("capture:" + pi.ID)
		captured, err := c.intents.Capture(pi.ID, capture)
		if err != nil {
			return rail.Verification{}, classify("capture payment intent", err)
		}
		return settled(captured, req.Expected), nil
	case stripe.PaymentIntentStatusSucceeded:
		return settled(pi, req.Expected), nil
	case stripe.PaymentIntentStatusCanceled:
		return rail.Verification{Outcome: rail.OutcomeMismatch, Reference: pi.ID, Detail: "payment intent canceled"}, nil
	default:
		return rail.Verification{Outcome: rail.OutcomePending, Reference: pi.ID, Detail: string(pi.Status)}, nil
	}
}

func settled(pi *stripe.PaymentIntent, expected int64) rail.Verification {
	v := rail.Verification{
		Outcome:   rail.ExactMatch.Classify(expected, pi.AmountReceived),
		Received:  pi.AmountReceived,
		Reference: pi.ID,
	}
	if v.Outcome == rail.OutcomeMismatch {
		v.Detail = fmt.Sprintf("received %d, expected %d", pi.AmountReceived, expected)
	}
	return v
}

// ReleasePortion transfers to the lab's connected account.
func (c *Client) ReleasePortion(ctx context.Context, req rail.ReleaseRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.EscrowID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := c.transfers.New(params)
	if err != nil {
		return "", classify("create transfer", err)
	}
	return tr.ID, nil
}

// Refund returns funds against the original payment intent.
func (c *Client) Refund(ctx context.Context, req rail.RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.DepositReference),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.AddMetadata("escrow_id", req.EscrowID)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	re, err := c.refunds.New(params)
	if err != nil {
		return "", classify("create refund", err)
	}
	return re.ID, nil
}

// classify marks throttling, 5xx answers and transport failures as
// retryable. Any other API error is final.
func classify(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return rail.Unavailable(fmt.Errorf("card %s: %w", op, err))
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
		return rail.Unavailable(fmt.Errorf("card %s: status %d: %s", op, se.HTTPStatusCode, se.Msg))
	}
	return fmt.Errorf("card %s: %s", op, se.Msg)
}

type eventObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// ParseWebhook verifies the Stripe-Signature header and maps the event.
func (c *Client) ParseWebhook(header http.Header, body []byte) (rail.Event, error) {
	evt, err := webhook.ConstructEventWithOptions(body, header.Get(signatureHeader), c.webhookSecret,
		webhook.ConstructEventOptions{Tolerance: c.sigTolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return rail.Event{}, fmt.Errorf("card: webhook signature: %w", err)
	}
	if evt.ID == "" || evt.Data == nil {
		return rail.Event{}, errors.New("card: webhook missing id")
	}
	var obj eventObject
	if err := json.Unmarshal(evt.Data.Raw, &obj); err != nil {
		return rail.Event{}, fmt.Errorf("card: decode webhook object: %w", err)
	}
	if obj.ID == "" {
		return rail.Event{}, errors.New("card: webhook missing object id")
	}
	ev := rail.Event{
		Rail:      rail.Card,
		EventID:   evt.ID,
		Reference: obj.ID,
		EscrowID:  obj.Metadata["escrow_id"],
		Payload:   body,
	}
	switch evt.Type {
	case "payment_intent.amount_capturable_updated", "payment_intent.succeeded":
		ev.Type = rail.EventPaymentSucceeded
	case "payment_intent.processing":
		ev.Type = rail.EventPaymentPending
	case "payment_intent.payment_failed", "payment_intent.canceled":
		ev.Type = rail.EventPaymentFailed
	case "transfer.created", "refund.updated":
		ev.Type = rail.EventPayoutSettled
	default:
		return rail.Event{}, fmt.Errorf("card: unsupported event type %q", evt.Type)
	}
	return ev, nil
}
