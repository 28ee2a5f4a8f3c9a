package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
)

// EventType is a recognised payment-processor webhook event.
type EventType string

const (
	EventCheckoutSessionCompleted EventType = "checkout.session.completed"
	EventPaymentIntentSucceeded   EventType = "payment_intent.succeeded"
	EventCustomerSubscription     EventType = "customer.subscription" // prefix match, see HandleWebhookEvent
)

// WebhookEvent is the subset of a processor's event payload the reconciler
// reads. Metadata/ClientReferenceID/SessionID map to Stripe-style Checkout
// Session fields.
type WebhookEvent struct {
	Type              string
	Metadata          map[string]string
	ClientReferenceID string
	Customer          string
	AmountTotalCents  int64
	SessionID         string
}

// TenantCustomerMapper maps a processor customer ID to a tenant, and
// records the mapping when only the tenant side is known (first checkout).
type TenantCustomerMapper interface {
	TenantForCustomer(ctx context.Context, customer string) (tenant string, err error)
	MapTenantToCustomer(ctx context.Context, tenant, customer string) error
}

// HandleResult is HandleWebhookEvent's return value.
type HandleResult struct {
	Handled       bool
	Tenant        string
	CreditedCents int64
}

var ErrUnrecognizedEvent = errors.New("billing: unrecognized webhook event type")
var ErrMissingTenant = errors.New("billing: webhook event carries no tenant reference")

// Reconciler turns verified payment-processor events into ledger credits.
type Reconciler struct {
	ledger  CreditGranter
	mapper  TenantCustomerMapper
	penalty *SigPenaltyStore
	secret  string
	logger  *log.Logger
}

func NewReconciler(ledger CreditGranter, mapper TenantCustomerMapper, penalty *SigPenaltyStore, secret string) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		mapper:  mapper,
		penalty: penalty,
		secret:  secret,
		logger:  log.New(os.Stderr, "[WebhookReconciler] ", log.LstdFlags),
	}
}

// HandleWebhookEvent reconciles one payment event. checkout.session.completed
// credits the ledger idempotently; payment_intent.succeeded and
// customer.subscription.* are acknowledged (handled:true) but carry no
// ledger mutation of their own in this core — a VPS-tier/subscription
// management layer would extend the switch below without changing this
// contract.
func (r *Reconciler) HandleWebhookEvent(ctx context.Context, ev WebhookEvent) (*HandleResult, error) {
	switch {
	case ev.Type == string(EventCheckoutSessionCompleted):
		return r.handleCheckoutCompleted(ctx, ev)
	case ev.Type == string(EventPaymentIntentSucceeded):
		return &HandleResult{Handled: true}, nil
	case len(ev.Type) >= len(EventCustomerSubscription) && ev.Type[:len(EventCustomerSubscription)] == string(EventCustomerSubscription):
		return &HandleResult{Handled: true}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedEvent, ev.Type)
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, ev WebhookEvent) (*HandleResult, error) {
	tenant := ev.Metadata["wopr_tenant"]
	if tenant == "" {
		tenant = ev.ClientReferenceID
	}
	if tenant == "" {
		return nil, ErrMissingTenant
	}

	if ev.Customer != "" {
		if err := r.mapper.MapTenantToCustomer(ctx, tenant, ev.Customer); err != nil {
			r.logger.Printf("map tenant %s to customer %s: %v", tenant, ev.Customer, err)
		}
	}

	referenceID := fmt.Sprintf("stripe:session:%s", ev.SessionID)
	amount := ledger.Credits(ev.AmountTotalCents)
	if _, err := r.ledger.Credit(ctx, tenant, amount, ledger.TypeCheckout, "checkout session completed", referenceID, ev.Customer); err != nil {
		return nil, fmt.Errorf("billing: credit checkout for %s: %w", tenant, err)
	}

	return &HandleResult{Handled: true, Tenant: tenant, CreditedCents: int64(amount)}, nil
}

// VerifySignature performs a constant-time HMAC-SHA256 comparison of body
// against header, using the configured secret. sourceIP is
// used only for the sig-penalty throttle below, not the comparison itself.
func (r *Reconciler) VerifySignature(body []byte, header, sourceIP string) bool {
	if r.penalty != nil && r.penalty.IsThrottled(sourceIP) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(r.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	ok := hmac.Equal([]byte(expected), []byte(header))
	if !ok && r.penalty != nil {
		r.penalty.RecordFailure(sourceIP)
	}
	return ok
}

// SigPenaltyStore throttles repeated bad-signature attempts per source IP:
// exponential backoff after 5 failures within a window.
type SigPenaltyStore struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	window   time.Duration
	clock    func() time.Time
}

func NewSigPenaltyStore(window time.Duration) *SigPenaltyStore {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &SigPenaltyStore{
		failures: make(map[string][]time.Time),
		window:   window,
		clock:    time.Now,
	}
}

func (s *SigPenaltyStore) RecordFailure(sourceIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	s.failures[sourceIP] = append(s.prune(sourceIP, now), now)
}

// IsThrottled reports whether sourceIP is currently backed off: 5+ failures
// within window triggers exponential backoff keyed by the failure count
// beyond the threshold.
func (s *SigPenaltyStore) IsThrottled(sourceIP string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	recent := s.prune(sourceIP, now)
	s.failures[sourceIP] = recent

	if len(recent) < 5 {
		return false
	}
	last := recent[len(recent)-1]
	backoff := time.Duration(1<<uint(len(recent)-5)) * time.Second
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return now.Sub(last) < backoff
}

func (s *SigPenaltyStore) prune(sourceIP string, now time.Time) []time.Time {
	kept := make([]time.Time, 0, len(s.failures[sourceIP]))
	for _, t := range s.failures[sourceIP] {
		if now.Sub(t) <= s.window {
			kept = append(kept, t)
		}
	}
	return kept
}

// ParseBody is a convenience helper for callers that receive the processor
// event as raw JSON and need the fields HandleWebhookEvent reads.
func ParseBody(body []byte) (WebhookEvent, error) {
	var raw struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				Metadata          map[string]string `json:"metadata"`
				ClientReferenceID string            `json:"client_reference_id"`
				Customer          string            `json:"customer"`
				AmountTotal       int64             `json:"amount_total"`
				ID                string            `json:"id"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return WebhookEvent{}, fmt.Errorf("billing: parse webhook body: %w", err)
	}
	return WebhookEvent{
		Type:              raw.Type,
		Metadata:          raw.Data.Object.Metadata,
		ClientReferenceID: raw.Data.Object.ClientReferenceID,
		Customer:          raw.Data.Object.Customer,
		AmountTotalCents:  raw.Data.Object.AmountTotal,
		SessionID:         raw.Data.Object.ID,
	}, nil
}
