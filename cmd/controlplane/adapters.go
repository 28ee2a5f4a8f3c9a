package main

// Adapters wiring the narrow collaborator interfaces each subsystem
// declares (gateway.CapsStore, billing.TenantCustomerMapper,
// image.FleetManager/RegistryClient/ContainerInspector,
// observability.GatewayErrorSource/LedgerFailureSource/FleetStopFlagSource)
// against this binary's concrete stores. Kept in main rather than inside
// the owning packages since each is a thin, process-local glue type:
// direct constructor wiring, no DI framework.

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/internal/billing"
	"github.com/wopr-network/wopr-platform-sub005/internal/fleet"
	"github.com/wopr-network/wopr-platform-sub005/internal/gateway"
	"github.com/wopr-network/wopr-platform-sub005/internal/image"
	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/profile"
)

// --- gateway.CapsStore ---------------------------------------------------

type memCapsStore struct {
	mu   sync.Mutex
	caps map[string]*gateway.Caps
}

func newMemCapsStore() *memCapsStore {
	return &memCapsStore{caps: make(map[string]*gateway.Caps)}
}

func (s *memCapsStore) Get(_ context.Context, tenant string) (*gateway.Caps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[tenant], nil
}

func (s *memCapsStore) Set(tenant string, caps *gateway.Caps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[tenant] = caps
}

// --- observability sources -----------------------------------------------

// slidingCounter tracks timestamped occurrences and sums them within a
// trailing window, backing the two time-windowed alert sources. Pruned lazily on read.
type slidingCounter struct {
	mu   sync.Mutex
	occs []time.Time
}

func (c *slidingCounter) record() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.occs = append(c.occs, time.Now().UTC())
}

func (c *slidingCounter) countSince(window time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	kept := c.occs[:0]
	var n int64
	for _, t := range c.occs {
		if t.After(cutoff) {
			kept = append(kept, t)
			n++
		}
	}
	c.occs = kept
	return n
}

// gatewayErrorSource backs the gateway-error-rate alert.
type gatewayErrorSource struct {
	requests slidingCounter
	errors   slidingCounter
}

func (s *gatewayErrorSource) ErrorsAndRequests(_ context.Context, window time.Duration) (int64, int64, error) {
	return s.errors.countSince(window), s.requests.countSince(window), nil
}

// ledgerFailureSource backs the credit-deduction-spike alert.
type ledgerFailureSource struct {
	failedDebits slidingCounter
}

func (s *ledgerFailureSource) FailedDebitCount(_ context.Context, window time.Duration) (int64, error) {
	return s.failedDebits.countSince(window), nil
}

// fleetStopFlagSource backs fleet-unexpected-stop. Raise is called by the
// watchdog on an unexpected node stop; the flag is consumed (cleared) the
// moment the alert checks it.
type fleetStopFlagSource struct {
	mu     sync.Mutex
	set    bool
	detail string
}

func (s *fleetStopFlagSource) Raise(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = true
	s.detail = detail
}

func (s *fleetStopFlagSource) ConsumeFleetStopFlag(_ context.Context) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasSet, detail := s.set, s.detail
	s.set, s.detail = false, ""
	return wasSet, detail, nil
}

// --- billing.TenantCustomerMapper -----------------------------------------

type memTenantCustomerMapper struct {
	mu               sync.Mutex
	tenantByCustomer map[string]string
}

func newMemTenantCustomerMapper() *memTenantCustomerMapper {
	return &memTenantCustomerMapper{tenantByCustomer: make(map[string]string)}
}

func (m *memTenantCustomerMapper) TenantForCustomer(_ context.Context, customer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenantByCustomer[customer], nil
}

func (m *memTenantCustomerMapper) MapTenantToCustomer(_ context.Context, tenant, customer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenantByCustomer[customer] = tenant
	return nil
}

// --- billing.PaymentCharger -------------------------------------------

// noopPaymentCharger stands in for the payment processor. A production
// deployment wires this against the processor's charge API.
type noopPaymentCharger struct{}

func (noopPaymentCharger) Charge(_ context.Context, tenant string, amount ledger.Credits) (string, error) {
	return fmt.Sprintf("chg_%s_%d", tenant, amount), nil
}

// --- profile.Store as fleet.ProfileReader ---------------------------------

// profileReaderAdapter satisfies fleet.ProfileReader (image/env lookup
// during recovery) over the filesystem-backed profile store.
type profileReaderAdapter struct {
	store *profile.Store
}

func (a profileReaderAdapter) Get(botID string) (*fleet.BotProfileInfo, error) {
	p, err := a.store.Get(botID)
	if err != nil {
		return nil, err
	}
	return &fleet.BotProfileInfo{Image: p.Image, Env: p.Env}, nil
}

// --- fleet.CommandBus as image.FleetManager / RegistryClient / ContainerInspector ---

// fleetRuntime drives the node-agent command bus on behalf of the image
// poller and updater, translating their narrow runtime interfaces into
// typed commands against whichever node the bot is currently placed on.
type fleetRuntime struct {
	bus       *fleet.CommandBus
	instances *fleet.InstanceRepository
	profiles  *profile.Store
	timeout   time.Duration
}

func (f fleetRuntime) nodeFor(ctx context.Context, botID string) (string, error) {
	inst, err := f.instances.Get(ctx, botID)
	if err != nil {
		return "", err
	}
	if inst.NodeID == "" {
		return "", fmt.Errorf("fleetRuntime: bot %s has no node reservation", botID)
	}
	return inst.NodeID, nil
}

func (f fleetRuntime) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.timeout)
}

// Pull is a no-op at the command-bus layer: the new image is fetched as a
// side effect of the bot.import command the node agent runs during Update,
// matching the reference image pull happening inline with container
// recreation rather than as a separate command type.
func (f fleetRuntime) Pull(_ context.Context, _ string) error {
	return nil
}

func (f fleetRuntime) Update(ctx context.Context, botID, newImage string) error {
	nodeID, err := f.nodeFor(ctx, botID)
	if err != nil {
		return err
	}
	cctx, cancel := f.withDeadline(ctx)
	defer cancel()
	if _, err := f.bus.Send(cctx, nodeID, fleet.CommandBotRemove, map[string]interface{}{"botId": botID}); err != nil {
		return fmt.Errorf("fleetRuntime: remove before update: %w", err)
	}
	if _, err := f.bus.Send(cctx, nodeID, fleet.CommandBotImport, map[string]interface{}{"botId": botID, "image": newImage}); err != nil {
		return fmt.Errorf("fleetRuntime: import new image: %w", err)
	}
	return nil
}

func (f fleetRuntime) Start(ctx context.Context, botID string) error {
	nodeID, err := f.nodeFor(ctx, botID)
	if err != nil {
		return err
	}
	cctx, cancel := f.withDeadline(ctx)
	defer cancel()
	_, err = f.bus.Send(cctx, nodeID, fleet.CommandBotStart, map[string]interface{}{"botId": botID})
	return err
}

func (f fleetRuntime) Inspect(ctx context.Context, botID string) (*image.RunningContainer, error) {
	nodeID, err := f.nodeFor(ctx, botID)
	if err != nil {
		return nil, err
	}
	cctx, cancel := f.withDeadline(ctx)
	defer cancel()
	result, err := f.bus.Send(cctx, nodeID, fleet.CommandBotInspect, map[string]interface{}{"botId": botID})
	if err != nil {
		return nil, err
	}
	data, _ := result.Data.(map[string]interface{})
	rc := &image.RunningContainer{}
	if digest, ok := data["repoDigest"].(string); ok {
		rc.RepoDigest = digest
	}
	if running, ok := data["running"].(bool); ok {
		rc.Running = running
	}
	return rc, nil
}

func (f fleetRuntime) CurrentImage(_ context.Context, botID string) (string, error) {
	p, err := f.profiles.Get(botID)
	if err != nil {
		return "", err
	}
	return p.Image, nil
}

// --- HTTP-backed image.RegistryClient --------------------------------

// httpRegistryClient resolves an image tag's current manifest digest via
// the Docker Registry v2 HTTP API's Docker-Content-Digest response header.
// Plain net/http: docker/docker's client targets the local daemon, not a
// registry's v2 endpoint.
type httpRegistryClient struct {
	client *http.Client
}

func newHTTPRegistryClient() *httpRegistryClient {
	return &httpRegistryClient{client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *httpRegistryClient) ResolveDigest(ctx context.Context, imageRef string) (string, error) {
	ref := image.ParseRef(imageRef)
	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ref.Registry, ref.Path, ref.Tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry: resolve digest for %s: %w", imageRef, err)
	}
	defer resp.Body.Close()
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("registry: no Docker-Content-Digest header for %s", imageRef)
	}
	return digest, nil
}

// --- fleet.TenantLister adapter ---------------------------------------

// tierPriority orders the recovery queue: enterprise first, free last.
// BotInstance.ResourceTier doubles as the subscription tier in this
// deployment (no separate plan/tier table is wired).
var tierPriority = map[string]int{"enterprise": 0, "pro": 1, "starter": 2, "free": 3}

// requiredMBForTier maps a resource tier to the reservation size placement
// and recovery must find room for on a node.
func requiredMBForTier(tier string) int64 {
	switch tier {
	case "enterprise":
		return 4096
	case "pro":
		return 2048
	case "starter":
		return 1024
	default: // free
		return 512
	}
}

// tenantListerAdapter satisfies fleet.TenantLister over the instance
// repository, sorting the dead node's bots by tenant tier before recovery
// replays them.
type tenantListerAdapter struct {
	instances *fleet.InstanceRepository
}

func (a tenantListerAdapter) ListForNode(ctx context.Context, nodeID string) ([]fleet.TenantAssignment, error) {
	insts, err := a.instances.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(insts, func(i, j int) bool {
		return tierPriority[insts[i].ResourceTier] < tierPriority[insts[j].ResourceTier]
	})
	out := make([]fleet.TenantAssignment, 0, len(insts))
	for _, inst := range insts {
		out = append(out, fleet.TenantAssignment{BotID: inst.ID, Tenant: inst.Tenant, RequiredMB: requiredMBForTier(inst.ResourceTier)})
	}
	return out, nil
}

// --- image.HealthChecker over the command bus -----------------------------

// CheckHealth reports a bot healthy immediately when its profile declares
// no HealthCheck; otherwise it inspects the running container's reported health
// status through the same command-bus round trip used for Inspect.
// fleetRuntime doubles as both image.FleetManager and image.HealthChecker
// since both ultimately resolve the bot's current node and issue a
// bot.inspect command.
func (f fleetRuntime) CheckHealth(ctx context.Context, botID string) (bool, image.HealthStatus, error) {
	p, err := f.profiles.Get(botID)
	if err != nil {
		return false, image.HealthNone, err
	}
	if p.HealthCheck == nil {
		return false, image.HealthNone, nil
	}
	nodeID, err := f.nodeFor(ctx, botID)
	if err != nil {
		return true, image.HealthNone, err
	}
	cctx, cancel := f.withDeadline(ctx)
	defer cancel()
	result, err := f.bus.Send(cctx, nodeID, fleet.CommandBotInspect, map[string]interface{}{"botId": botID})
	if err != nil {
		return true, image.HealthNone, err
	}
	data, _ := result.Data.(map[string]interface{})
	status, _ := data["health"].(string)
	return true, image.HealthStatus(status), nil
}

// --- billing.CreditGranter adapter for the ledger's shared Credit method ---

// The *ledger.Ledger type already implements billing.CreditGranter and
// tenant.Ledger structurally (Go interfaces need no explicit adapter here);
// this file's adapters exist only where the narrow collaborator interface
// cannot be satisfied by a component's exported method set directly.
var _ billing.CreditGranter = (*ledger.Ledger)(nil)
