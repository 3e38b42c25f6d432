// Package hosted settles escrows through a hosted stablecoin checkout: the
// funder pays an invoice on the provider's page, the provider reports the
// payment through signed IPN callbacks, and payouts go through its payout API.
package hosted

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bountyflow/rail"
)

const signatureHeader = "X-Nowpayments-Sig"

type Config struct {
	BaseURL string
	APIKey  string
	// IPNSecret signs inbound callbacks.
	IPNSecret string
	// PayoutToken authorizes the payout endpoints.
	PayoutToken string
	PayCurrency string
	Tolerance   rail.Tolerance
}

// Client implements rail.Adapter against the provider's JSON API.
type Client struct {
	baseURL     string
	apiKey      string
	ipnSecret   []byte
	payoutToken string
	payCurrency string
	tolerance   rail.Tolerance
	http        *http.Client
}

func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	pay := strings.ToLower(strings.TrimSpace(cfg.PayCurrency))
	if pay == "" {
		pay = "usdc"
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		ipnSecret:   []byte(strings.TrimSpace(cfg.IPNSecret)),
		payoutToken: cfg.PayoutToken,
		payCurrency: pay,
		tolerance:   cfg.Tolerance,
		http:        httpClient,
	}
}

func (c *Client) ID() rail.ID { return rail.HostedCrypto }

type invoiceRequest struct {
	PriceAmount   string `json:"price_amount"`
	PriceCurrency string `json:"price_currency"`
	PayCurrency   string `json:"pay_currency"`
	OrderID       string `json:"order_id"`
	OrderDesc     string `json:"order_description,omitempty"`
	FixedRate     bool   `json:"is_fixed_rate"`
}

type invoice struct {
	ID         json.Number `json:"id"`
	InvoiceURL string      `json:"invoice_url"`
}

type payment struct {
	PaymentID     json.Number `json:"payment_id"`
	InvoiceID     json.Number `json:"invoice_id"`
	OrderID       string      `json:"order_id"`
	PaymentStatus string      `json:"payment_status"`
	PriceAmount   json.Number `json:"price_amount"`
	ActuallyPaid  json.Number `json:"actually_paid"`
	PayCurrency   string      `json:"pay_currency"`
}

type withdrawal struct {
	Address          string `json:"address"`
	Currency         string `json:"currency"`
	Amount           string `json:"amount"`
	UniqueExternalID string `json:"unique_external_id"`
}

type payoutRequest struct {
	Withdrawals []withdrawal `json:"withdrawals"`
}

type payoutResponse struct {
	ID json.Number `json:"id"`
}

func (c *Client) InitializeDeposit(ctx context.Context, req rail.DepositRequest) (rail.Deposit, error) {
	body := invoiceRequest{
		PriceAmount:   FormatCents(req.Amount),
		PriceCurrency: strings.ToLower(req.Currency),
		PayCurrency:   c.payCurrency,
		OrderID:       req.EscrowID,
		OrderDesc:     req.Description,
		FixedRate:     true,
	}
	var inv invoice
	if err := c.do(ctx, http.MethodPost, "/v1/invoice", body, &inv); err != nil {
		return rail.Deposit{}, err
	}
	if inv.ID == "" {
		return rail.Deposit{}, errors.New("hosted: invoice response missing id")
	}
	return rail.Deposit{Reference: inv.ID.String(), PaymentURL: inv.InvoiceURL}, nil
}

// VerifyDeposit looks up a payment id and compares the paid stablecoin amount
// with the expected total. The payment must carry the escrow id as its
// order id, set when the invoice was created.
func (c *Client) VerifyDeposit(ctx context.Context, req rail.VerifyRequest) (rail.Verification, error) {
	var p payment
	if err := c.do(ctx, http.MethodGet, "/v1/payment/"+url.PathEscape(req.Reference), nil, &p); err != nil {
		return rail.Verification{}, err
	}
	expected := req.Expected
	v := rail.Verification{Reference: p.PaymentID.String(), Detail: p.PaymentStatus}
	if v.Reference == "" {
		v.Reference = req.Reference
	}
	if p.OrderID != req.EscrowID {
		v.Outcome = rail.OutcomeMismatch
		v.Detail = fmt.Sprintf("payment belongs to order %q, not escrow %s", p.OrderID, req.EscrowID)
		return v, nil
	}
	switch strings.ToLower(p.PaymentStatus) {
	case "finished", "confirmed":
		paid, err := ParseCents(p.ActuallyPaid.String())
		if err != nil {
			return rail.Verification{}, fmt.Errorf("hosted: paid amount: %w", err)
		}
		v.Received = paid
		v.Outcome = c.tolerance.Classify(expected, paid)
		if v.Outcome == rail.OutcomeMismatch {
			v.Detail = fmt.Sprintf("paid %s, expected %s", FormatCents(paid), FormatCents(expected))
		}
	case "waiting", "confirming", "sending", "partially_paid":
		v.Outcome = rail.OutcomePending
	case "failed", "expired", "refunded":
		v.Outcome = rail.OutcomeMismatch
	default:
		v.Outcome = rail.OutcomePending
	}
	return v, nil
}

func (c *Client) ReleasePortion(ctx context.Context, req rail.ReleaseRequest) (string, error) {
	return c.payout(ctx, req.IdempotencyKey, req.Destination, req.Amount)
}

func (c *Client) Refund(ctx context.Context, req rail.RefundRequest) (string, error) {
	return c.payout(ctx, req.IdempotencyKey, req.Destination, req.Amount)
}

// payout submits a single withdrawal. The idempotency key travels as the
// provider's unique external id, which it refuses to pay twice.
func (c *Client) payout(ctx context.Context, key, address string, amount int64) (string, error) {
	if strings.TrimSpace(address) == "" {
		return "", errors.New("hosted: payout address required")
	}
	body := payoutRequest{Withdrawals: []withdrawal{{
		Address:          address,
		Currency:         c.payCurrency,
		Amount:           FormatCents(amount),
		UniqueExternalID: key,
	}}}
	var out payoutResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payout", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("hosted: payout response missing id")
	}
	return out.ID.String(), nil
}

// ParseWebhook checks the hex HMAC-SHA512 of the body and maps the payment
// status. Each status change is its own event.
func (c *Client) ParseWebhook(header http.Header, body []byte) (rail.Event, error) {
	if !VerifySignature(c.ipnSecret, body, header.Get(signatureHeader)) {
		return rail.Event{}, errors.New("hosted: invalid ipn signature")
	}
	var p payment
	if err := json.Unmarshal(body, &p); err != nil {
		return rail.Event{}, fmt.Errorf("hosted: decode ipn: %w", err)
	}
	if p.PaymentID == "" || p.PaymentStatus == "" {
		return rail.Event{}, errors.New("hosted: ipn missing payment id or status")
	}
	status := strings.ToLower(p.PaymentStatus)
	ev := rail.Event{
		Rail:      rail.HostedCrypto,
		EventID:   p.PaymentID.String() + ":" + status,
		Reference: p.PaymentID.String(),
		EscrowID:  p.OrderID,
		Payload:   body,
	}
	switch status {
	case "finished", "confirmed":
		ev.Type = rail.EventPaymentSucceeded
	case "waiting", "confirming", "sending", "partially_paid":
		ev.Type = rail.EventPaymentPending
	case "failed", "expired", "refunded":
		ev.Type = rail.EventPaymentFailed
	default:
		return rail.Event{}, fmt.Errorf("hosted: unsupported payment status %q", p.PaymentStatus)
	}
	return ev, nil
}

// Sign returns the hex signature of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || strings.TrimSpace(signature) == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}

// FormatCents renders minor units as a decimal amount.
func FormatCents(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// ParseCents parses a non-negative decimal amount, dropping digits past the
// second decimal place.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	frac = (frac + "00")[:2]
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || cents < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return units*100 + cents, nil
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("hosted: encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("hosted: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	if c.payoutToken != "" && strings.HasPrefix(path, "/v1/payout") {
		req.Header.Set("Authorization", "Bearer "+c.payoutToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return rail.Unavailable(fmt.Errorf("hosted %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return rail.Unavailable(fmt.Errorf("hosted %s: read body: %w", path, err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return rail.Unavailable(fmt.Errorf("hosted %s: status %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return fmt.Errorf("hosted %s: %s", path, apiErr.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("hosted %s: decode: %w", path, err)
	}
	return nil
}
