package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	tenantpkg "github.com/wopr-network/wopr-platform-sub005/internal/tenant"
)

type fakeAuthenticator struct {
	principal *Principal
	err       error
}

func (f *fakeAuthenticator) Resolve(context.Context, string) (*Principal, error) {
	return f.principal, f.err
}

type fakeStatusChecker struct {
	status tenantpkg.Status
	err    error
}

func (f *fakeStatusChecker) GetStatus(context.Context, string) (tenantpkg.Status, error) {
	return f.status, f.err
}

type fakeCapsStore struct {
	caps *Caps
}

func (f *fakeCapsStore) Get(context.Context, string) (*Caps, error) {
	return f.caps, nil
}

type fakeBalanceChecker struct {
	balance ledger.Credits
}

func (f *fakeBalanceChecker) Balance(context.Context, string) (ledger.Credits, error) {
	return f.balance, nil
}

type fakeCredentialResolver struct {
	secret string
}

func (f *fakeCredentialResolver) Decrypt(context.Context, string) (string, error) {
	return f.secret, nil
}

func newTestProxy(t *testing.T, upstream *httptest.Server, meterStore *fakeSpendStore, balance ledger.Credits, status tenantpkg.Status) (*Proxy, Provider) {
	t.Helper()
	meter := NewMeterAggregator(meterStore, 0)
	breaker := NewBreaker(NewMemoryBreakerStore(), DefaultBreakerConfig(), nil)
	p := NewProxy(
		&fakeAuthenticator{principal: &Principal{Tenant: "tenant-1", InstanceID: "bot-1"}},
		&fakeStatusChecker{status: status},
		&fakeCapsStore{},
		&fakeBalanceChecker{balance: balance},
		meter,
		breaker,
		&fakeCredentialResolver{secret: "upstream-secret"},
		nil,
		DefaultConfig(),
	)
	provider := Provider{Name: "openai", BaseURL: upstream.URL, CredentialKey: "tenant-1:openai"}
	return p, provider
}

func TestProxyRejectsMissingAuth(t *testing.T) {
	p, provider := newTestProxy(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})), &fakeSpendStore{}, 1000, tenantpkg.StatusActive)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req, provider)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProxyRejectsSuspendedTenant(t *testing.T) {
	p, provider := newTestProxy(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})), &fakeSpendStore{}, 1000, tenantpkg.StatusSuspended)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer wopr_abc.def")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req, provider)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "account_suspended")
}

func TestProxyRejectsBelowBalanceFloor(t *testing.T) {
	p, provider := newTestProxy(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})), &fakeSpendStore{}, 5, tenantpkg.StatusActive)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer wopr_abc.def")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req, provider)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Contains(t, w.Body.String(), "insufficient_balance")
}

func TestProxyDispatchesAndMetersNonStreamingRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer upstream-secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4","usage":{"prompt_tokens":1000,"completion_tokens":500}}`))
	}))
	defer upstream.Close()

	store := &fakeSpendStore{}
	p, provider := newTestProxy(t, upstream, store, 1000, tenantpkg.StatusActive)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer wopr_abc.def")
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req, provider)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, store.events, 1)
	require.Equal(t, "tenant-1", store.events[0].Tenant)
	require.Equal(t, "gpt-4", store.events[0].Model)
	require.Greater(t, store.events[0].ChargeCredits, ledger.Credits(0))
}

func TestProxyTripsCircuitBreakerAfterLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4","usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer upstream.Close()

	store := &fakeSpendStore{}
	meter := NewMeterAggregator(store, 0)
	breaker := NewBreaker(NewMemoryBreakerStore(), BreakerConfig{MaxRequestsPerWindow: 1, WindowMs: 10_000, PauseDurationMs: 60_000}, nil)
	p := NewProxy(
		&fakeAuthenticator{principal: &Principal{Tenant: "tenant-1", InstanceID: "bot-1"}},
		&fakeStatusChecker{status: tenantpkg.StatusActive},
		&fakeCapsStore{},
		&fakeBalanceChecker{balance: 1000},
		meter,
		breaker,
		&fakeCredentialResolver{secret: "upstream-secret"},
		nil,
		DefaultConfig(),
	)
	provider := Provider{Name: "openai", BaseURL: upstream.URL, CredentialKey: "tenant-1:openai"}

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		r.Header.Set("Authorization", "Bearer wopr_abc.def")
		return r
	}

	w1 := httptest.NewRecorder()
	p.ServeHTTP(w1, req(), provider)
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	p.ServeHTTP(w2, req(), provider)
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
	require.NotEmpty(t, w2.Header().Get("Retry-After"))
}
