package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/auth"
	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	tenantpkg "github.com/wopr-network/wopr-platform-sub005/internal/tenant"
)

// Caps is a tenant's configured daily/monthly spending ceiling.
type Caps struct {
	DailyCapUSD   *float64
	MonthlyCapUSD *float64
}

// CapsStore looks up a tenant's configured spending caps.
type CapsStore interface {
	Get(ctx context.Context, tenant string) (*Caps, error)
}

// Authenticator resolves a bearer token to a Principal.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (*Principal, error)
}

// Principal mirrors auth.Principal.
type Principal struct {
	Tenant     string
	InstanceID string
}

// AuthAdapter wraps *auth.Authenticator to satisfy this package's narrower
// Authenticator interface.
type AuthAdapter struct {
	Authenticator *auth.Authenticator
}

func (a AuthAdapter) Resolve(ctx context.Context, token string) (*Principal, error) {
	p, err := a.Authenticator.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Principal{Tenant: p.Tenant, InstanceID: p.InstanceID}, nil
}

// StatusChecker is the narrow slice of the tenant status store the
// gateway's pre-flight gate needs.
type StatusChecker interface {
	GetStatus(ctx context.Context, tenant string) (tenantpkg.Status, error)
}

// BalanceChecker is the narrow slice of the credit ledger the gateway
// needs for the balance floor check.
type BalanceChecker interface {
	Balance(ctx context.Context, tenant string) (ledger.Credits, error)
}

// CredentialResolver decrypts the upstream provider credential the gateway
// dispatches requests with (backed by the credit vault).
type CredentialResolver interface {
	Decrypt(ctx context.Context, key string) (string, error)
}

// Usage is the provider-reported token usage parsed from either a
// non-streaming JSON body or a streaming terminal usage frame.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Model            string
	// CostUSD, when the provider supplies it directly (a cost header or
	// field), bypasses the rate-lookup computation entirely.
	CostUSD *float64
}

// RateLookupFn resolves a model's per-1000-token input/output dollar rates.
// Its absence is logged as a warning at construction and the proxy falls
// back to DefaultInputRate/DefaultOutputRate.
type RateLookupFn func(model string) (inputPerK, outputPerK float64, ok bool)

// Provider describes one upstream inference backend.
type Provider struct {
	Name          string
	BaseURL       string
	CredentialKey string // vault key holding the bearer credential
}

// Config tunes the proxy's pre-flight thresholds and default economics.
type Config struct {
	MinBalanceCredits    ledger.Credits // balance floor, default 17 (one day of runtime)
	DefaultMarginPercent float64        // markup from upstream cost to tenant charge
	DefaultInputRate     float64        // $ per 1000 prompt tokens, fallback
	DefaultOutputRate    float64        // $ per 1000 completion tokens, fallback
}

func DefaultConfig() Config {
	return Config{
		MinBalanceCredits:    17,
		DefaultMarginPercent: 0.20,
		DefaultInputRate:     0.01,
		DefaultOutputRate:    0.03,
	}
}

// Proxy is the gateway request pipeline, wired against the ledger, tenant
// status, meter, breaker and vault collaborators it consults at each stage.
type Proxy struct {
	auth       Authenticator
	status     StatusChecker
	caps       CapsStore
	balances   BalanceChecker
	meter      *MeterAggregator
	breaker    *Breaker
	vault      CredentialResolver
	rateLookup RateLookupFn
	httpClient *http.Client
	cfg        Config
	logger     *log.Logger
}

func NewProxy(auth Authenticator, status StatusChecker, caps CapsStore, balances BalanceChecker, meter *MeterAggregator, breaker *Breaker, vault CredentialResolver, rateLookup RateLookupFn, cfg Config) *Proxy {
	logger := log.New(os.Stderr, "[GatewayProxy] ", log.LstdFlags)
	if rateLookup == nil {
		logger.Printf("warn: no rateLookupFn wired; falling back to default token rates for every model")
	}
	return &Proxy{
		auth:       auth,
		status:     status,
		caps:       caps,
		balances:   balances,
		meter:      meter,
		breaker:    breaker,
		vault:      vault,
		rateLookup: rateLookup,
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     logger,
	}
}

// gatewayError is the JSON error envelope every failure mode shares.
type gatewayError struct {
	Error interface{} `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(gatewayError{Error: body})
}

// ServeHTTP runs the full pre-flight-then-dispatch-then-meter pipeline,
// aborting at the first failing check. No meter event is ever emitted for a
// request that fails pre-flight.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, provider Provider) {
	ctx := r.Context()

	// 1. Auth.
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	principal, err := p.auth.Resolve(ctx, token)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	tenantID, instanceID := principal.Tenant, principal.InstanceID

	// 2. Tenant status gate.
	st, err := p.status.GetStatus(ctx, tenantID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	switch st {
	case tenantpkg.StatusSuspended:
		writeJSONError(w, http.StatusForbidden, "account_suspended")
		return
	case tenantpkg.StatusBanned:
		writeJSONError(w, http.StatusForbidden, "account_banned")
		return
	}

	// 3. Spending cap (daily checked before monthly).
	if p.caps != nil {
		caps, err := p.caps.Get(ctx, tenantID)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if caps != nil {
			now := time.Now().UTC()
			spend, err := p.meter.QuerySpend(ctx, tenantID, now)
			if err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if caps.DailyCapUSD != nil && spend.DailySpend.ToDollars() >= *caps.DailyCapUSD {
				writeJSONError(w, http.StatusPaymentRequired, map[string]interface{}{
					"code": "spending_cap_exceeded", "cap_type": "daily",
					"current_spend_usd": spend.DailySpend.ToDollars(), "cap_usd": *caps.DailyCapUSD,
				})
				return
			}
			if caps.MonthlyCapUSD != nil && spend.MonthlySpend.ToDollars() >= *caps.MonthlyCapUSD {
				writeJSONError(w, http.StatusPaymentRequired, map[string]interface{}{
					"code": "spending_cap_exceeded", "cap_type": "monthly",
					"current_spend_usd": spend.MonthlySpend.ToDollars(), "cap_usd": *caps.MonthlyCapUSD,
				})
				return
			}
		}
	}

	// 4. Balance floor.
	balance, err := p.balances.Balance(ctx, tenantID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if balance < p.cfg.MinBalanceCredits {
		writeJSONError(w, http.StatusPaymentRequired, "insufficient_balance")
		return
	}

	// 5. Circuit breaker.
	if trip, err := p.breaker.Allow(ctx, tenantID, instanceID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	} else if trip != nil {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", trip.RetryAfterSec))
		writeJSONError(w, http.StatusTooManyRequests, map[string]interface{}{
			"message":      "circuit breaker tripped",
			"type":         "rate_limit_error",
			"code":         "circuit_breaker_tripped",
			"paused_until": trip.PausedUntil,
			"remaining_ms": trip.RemainingMs,
		})
		return
	}

	// 6. Upstream dispatch.
	cred, err := p.vault.Decrypt(ctx, provider.CredentialKey)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, provider.BaseURL+r.URL.Path, r.Body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	upstreamReq.Header = r.Header.Clone()
	upstreamReq.Header.Set("Authorization", "Bearer "+cred)

	resp, err := p.httpClient.Do(upstreamReq)
	if err != nil {
		http.Error(w, "upstream dispatch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// 7. Meter — exactly one event per successfully dispatched request,
	// including a stream aborted mid-flight.
	if isSSE(resp) {
		p.proxyAndMeterStream(ctx, w, resp.Body, tenantID, instanceID, provider)
	} else {
		p.proxyAndMeterBody(ctx, w, resp, tenantID, instanceID, provider)
	}
}

func isSSE(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// nonStreamBody is the subset of a non-streaming provider response this
// proxy reads to compute cost when no cost header is present.
type nonStreamBody struct {
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Proxy) proxyAndMeterBody(ctx context.Context, w http.ResponseWriter, resp *http.Response, tenantID, instanceID string, provider Provider) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logger.Printf("read upstream body: %v", err)
		return
	}
	_, _ = w.Write(data)

	usage := Usage{}
	if costHeader := resp.Header.Get("X-Upstream-Cost-Usd"); costHeader != "" {
		var cost float64
		if _, err := fmt.Sscanf(costHeader, "%f", &cost); err == nil {
			usage.CostUSD = &cost
		}
	}
	if usage.CostUSD == nil {
		var body nonStreamBody
		if err := json.Unmarshal(data, &body); err == nil {
			usage.Model = body.Model
			usage.PromptTokens = body.Usage.PromptTokens
			usage.CompletionTokens = body.Usage.CompletionTokens
		}
	}
	p.emit(ctx, tenantID, instanceID, provider, usage)
}

// proxyAndMeterStream forwards every SSE chunk transparently while
// accumulating cost from the terminal usage frame, emitting exactly one
// meter event on "data: [DONE]" or stream close — even if the client
// disconnects mid-stream, using the accumulator's value at that point.
func (p *Proxy) proxyAndMeterStream(ctx context.Context, w http.ResponseWriter, body io.Reader, tenantID, instanceID string, provider Provider) {
	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage Usage
	emitted := false
	emit := func() {
		if emitted {
			return
		}
		emitted = true
		p.emit(ctx, tenantID, instanceID, provider, usage)
	}
	defer emit() // aborted stream: emit with whatever was accumulated so far

	for scanner.Scan() {
		line := scanner.Text()
		_, _ = fmt.Fprintln(w, line)
		if flusher != nil {
			flusher.Flush()
		}

		if line == "data: [DONE]" {
			emit()
			return
		}
		if strings.HasPrefix(line, "data: ") {
			var frame nonStreamBody
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err == nil {
				if frame.Usage.PromptTokens > 0 || frame.Usage.CompletionTokens > 0 {
					usage.Model = frame.Model
					usage.PromptTokens = frame.Usage.PromptTokens
					usage.CompletionTokens = frame.Usage.CompletionTokens
				}
			}
		}
	}
}

// emit computes charge = cost x (1+margin) and records exactly one meter
// event.
func (p *Proxy) emit(ctx context.Context, tenantID, instanceID string, provider Provider, usage Usage) {
	costUSD := 0.0
	if usage.CostUSD != nil {
		costUSD = *usage.CostUSD
	} else {
		inputRate, outputRate := p.cfg.DefaultInputRate, p.cfg.DefaultOutputRate
		if p.rateLookup != nil {
			if in, out, ok := p.rateLookup(usage.Model); ok {
				inputRate, outputRate = in, out
			}
		}
		costUSD = (float64(usage.PromptTokens)*inputRate + float64(usage.CompletionTokens)*outputRate) / 1000.0
	}

	cost := ledger.FromDollars(costUSD)
	charge := ledger.FromDollars(costUSD * (1 + p.cfg.DefaultMarginPercent))

	ev := &MeterEvent{
		Tenant:        tenantID,
		CostCredits:   cost,
		ChargeCredits: charge,
		Capability:    "chat-completions",
		Provider:      provider.Name,
		InstanceID:    instanceID,
		Model:         usage.Model,
	}
	if err := p.meter.RecordEvent(ctx, ev); err != nil {
		p.logger.Printf("record meter event for tenant %s: %v", tenantID, err)
	}
}
