package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/agentgate/internal/circuitbreaker"
	"github.com/mbd888/agentgate/internal/idgen"
)

// Result codes sent by the hosted PG in completion notices.
const (
	CodeSuccess    = "0000"
	CodePending    = "0001"
	CodeUserCancel = "9001"
	CodeExpired    = "9002"
)

// HostedConfig configures the hosted redirect PG.
type HostedConfig struct {
	BaseURL     string // empty selects sandbox mode
	MerchantID  string
	Secret      string
	CallbackURL string
	ReturnURL   string
	Timeout     time.Duration
}

// HostedGateway talks to a redirect-style PG: it registers a payment, sends
// the buyer to the returned URL, and later receives a form-encoded,
// HMAC-signed completion notice.
//
// With no BaseURL it runs as a sandbox that issues local transaction ids and
// redirect URLs, so the callback path can be driven without a real PG.
type HostedGateway struct {
	cfg    HostedConfig
	client *http.Client
	guard  guard
}

// NewHostedGateway creates the hosted PG adapter.
func NewHostedGateway(cfg HostedConfig, breaker *circuitbreaker.Breaker) *HostedGateway {
	g := newGuard("hosted", cfg.Timeout, breaker)
	return &HostedGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: g.timeout},
		guard:  g,
	}
}

func (h *HostedGateway) Name() string { return "hosted" }

// Sandbox reports whether the gateway simulates the PG locally.
func (h *HostedGateway) Sandbox() bool { return h.cfg.BaseURL == "" }

type readyRequest struct {
	MerchantID  string `json:"merchantId"`
	OrderID     string `json:"orderId"`
	Amount      int64  `json:"amount"`
	GoodsName   string `json:"goodsName"`
	BuyerID     string `json:"buyerId"`
	CallbackURL string `json:"callbackUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpireAt    string `json:"expireAt"`
	Timestamp   string `json:"timestamp"`
	Signature   string `json:"signature"`
}

type readyResponse struct {
	TID         string `json:"tid"`
	RedirectURL string `json:"redirectUrl"`
}

// CreateCheckout registers the payment with the PG.
func (h *HostedGateway) CreateCheckout(ctx context.Context, c Checkout) (*Session, error) {
	if h.Sandbox() {
		tid := idgen.WithPrefix("tid_")
		return &Session{
			CorrelationID: tid,
			RedirectURL:   strings.TrimSuffix(h.cfg.CallbackURL, "/callback") + "/sandbox/" + c.OrderID,
		}, nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	amount := strconv.FormatInt(c.Amount, 10)
	req := readyRequest{
		MerchantID:  h.cfg.MerchantID,
		OrderID:     c.OrderID,
		Amount:      c.Amount,
		GoodsName:   c.Description,
		BuyerID:     c.BuyerID,
		CallbackURL: h.cfg.CallbackURL,
		ReturnURL:   h.cfg.ReturnURL,
		ExpireAt:    c.Deadline.UTC().Format(time.RFC3339),
		Timestamp:   ts,
		Signature:   Sign(h.cfg.Secret, h.cfg.MerchantID, c.OrderID, amount, ts),
	}

	var resp readyResponse
	err := h.guard.call(ctx, "checkout", func(ctx context.Context) error {
		return h.post(ctx, "/v1/payments/ready", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.TID == "" || resp.RedirectURL == "" {
		return nil, fmt.Errorf("hosted checkout: %w: empty tid or redirect url", ErrUnavailable)
	}
	return &Session{CorrelationID: resp.TID, RedirectURL: resp.RedirectURL}, nil
}

type cancelRequest struct {
	MerchantID string `json:"merchantId"`
	TID        string `json:"tid"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
	Timestamp  string `json:"timestamp"`
	Signature  string `json:"signature"`
}

// Refund cancels a captured payment in full or in part.
func (h *HostedGateway) Refund(ctx context.Context, correlationID string, amount int64, reason string) error {
	if h.Sandbox() {
		return nil
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := cancelRequest{
		MerchantID: h.cfg.MerchantID,
		TID:        correlationID,
		Amount:     amount,
		Reason:     reason,
		Timestamp:  ts,
		Signature:  Sign(h.cfg.Secret, h.cfg.MerchantID, correlationID, strconv.FormatInt(amount, 10), ts),
	}
	return h.guard.call(ctx, "refund", func(ctx context.Context) error {
		return h.post(ctx, "/v1/payments/cancel", req, nil)
	})
}

func (h *HostedGateway) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// VerifyNotice checks a form-encoded completion notice and normalizes it.
func (h *HostedGateway) VerifyNotice(form url.Values) (*Notice, error) {
	orderID := form.Get("orderId")
	tid := form.Get("tid")
	amountRaw := form.Get("amount")
	code := form.Get("resultCode")
	ts := form.Get("timestamp")
	sig := form.Get("signature")

	if orderID == "" || amountRaw == "" || code == "" || ts == "" || sig == "" {
		return nil, ErrMalformed
	}
	if !Verify(h.cfg.Secret, sig, orderID, tid, amountRaw, code, ts) {
		return nil, ErrBadSignature
	}
	amount, err := strconv.ParseInt(amountRaw, 10, 64)
	if err != nil || amount < 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrMalformed, amountRaw)
	}

	return &Notice{
		Provider:      h.Name(),
		OrderID:       orderID,
		CorrelationID: tid,
		Amount:        amount,
		Outcome:       OutcomeForCode(code),
		RawCode:       code,
		ReceivedAt:    time.Now().UTC(),
	}, nil
}

// SignedNotice builds the form the PG would post for a notice. The sandbox
// uses it to complete payments locally.
func (h *HostedGateway) SignedNotice(orderID, tid string, amount int64, code string) url.Values {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	amountRaw := strconv.FormatInt(amount, 10)
	return url.Values{
		"orderId":    {orderID},
		"tid":        {tid},
		"amount":     {amountRaw},
		"resultCode": {code},
		"timestamp":  {ts},
		"signature":  {Sign(h.cfg.Secret, orderID, tid, amountRaw, code, ts)},
	}
}

// OutcomeForCode maps a PG result code to an outcome. Unknown codes are
// failures.
func OutcomeForCode(code string) Outcome {
	switch code {
	case CodeSuccess:
		return OutcomeCaptured
	case CodePending:
		return OutcomePending
	case CodeUserCancel:
		return OutcomeCancelled
	case CodeExpired:
		return OutcomeExpired
	default:
		return OutcomeFailed
	}
}

// Sign returns the hex HMAC-SHA256 of the fields joined with "|".
func Sign(secret string, fields ...string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify compares sig with the expected signature in constant time.
func Verify(secret, sig string, fields ...string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strings.Join(fields, "|")))
	return hmac.Equal(h.Sum(nil), want)
}
