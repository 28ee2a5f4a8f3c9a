// Command controlplane runs the WOPR fleet control plane: the credit
// ledger, tenant status store, bot/node repositories, node command bus and
// connection manager, heartbeat watchdog, recovery orchestrator, image
// poller/updater, metered gateway proxy, auto-topup engine, webhook
// reconciler and alert checker, all wired against one process.
//
// Wiring is direct: construct every store, wrap it in its owning
// component, start background loops and the HTTP server as goroutines,
// then block until SIGINT or SIGTERM.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	socketio "github.com/googollee/go-socket.io"
	"github.com/redis/go-redis/v9"

	"github.com/wopr-network/wopr-platform-sub005/internal/auth"
	"github.com/wopr-network/wopr-platform-sub005/internal/billing"
	"github.com/wopr-network/wopr-platform-sub005/internal/config"
	"github.com/wopr-network/wopr-platform-sub005/internal/dbx"
	"github.com/wopr-network/wopr-platform-sub005/internal/events"
	"github.com/wopr-network/wopr-platform-sub005/internal/fleet"
	"github.com/wopr-network/wopr-platform-sub005/internal/gateway"
	"github.com/wopr-network/wopr-platform-sub005/internal/image"
	"github.com/wopr-network/wopr-platform-sub005/internal/ledger"
	"github.com/wopr-network/wopr-platform-sub005/internal/observability"
	"github.com/wopr-network/wopr-platform-sub005/internal/profile"
	"github.com/wopr-network/wopr-platform-sub005/internal/tenant"
	"github.com/wopr-network/wopr-platform-sub005/internal/vault"
)

var logger = log.New(os.Stderr, "[ControlPlane] ", log.LstdFlags)

func main() {
	cfg := config.Get()

	db, err := dbx.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifeMins)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := wire(ctx, cfg, db)

	router := app.routes()

	srv := &http.Server{
		Addr:         cfg.Server.Interface + ":" + cfg.GetPort(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	app.startBackgroundLoops(ctx)

	go func() {
		logger.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Printf("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// application bundles every wired component this binary exposes over HTTP
// or drives from a background goroutine.
type application struct {
	cfg *config.Config

	ledger   *ledger.Ledger
	tenants  *tenant.TenantStatusStore
	profiles *profile.Store
	vault    *vault.Vault
	authn    *auth.Authenticator

	nodes       *fleet.NodeRepository
	instances   *fleet.InstanceRepository
	bus         *fleet.CommandBus
	connMgr     *fleet.ConnectionManager
	watchdog    *fleet.Watchdog
	recovery    *fleet.RecoveryOrchestrator
	orphans     *fleet.OrphanCleanerService
	provisioner *fleet.Provisioner

	poller  *image.Poller
	updater *image.Updater

	proxy     *gateway.Proxy
	meter     *gateway.MeterAggregator
	breaker   *gateway.Breaker
	capsStore *memCapsStore

	billingEngine *billing.Engine
	scheduler     *billing.CloudScheduler
	webhookRecon  *billing.Reconciler

	alertChecker *observability.AlertChecker
	metrics      *observability.Metrics
	eventBus     events.EventEmitter

	gwErrors     *gatewayErrorSource
	ledgerErrors *ledgerFailureSource
	fleetStop    *fleetStopFlagSource

	socketServer *socketio.Server

	providers map[string]gateway.Provider
}

func wire(ctx context.Context, cfg *config.Config, db *sql.DB) *application {
	app := &application{cfg: cfg}

	ledgerStore := ledger.NewPostgresStore(db)
	app.ledger = ledger.New(ledgerStore)

	tenantStore := tenant.NewPostgresStore(db)

	nodeStore := fleet.NewPostgresNodeStore(db)
	app.nodes = fleet.NewNodeRepository(nodeStore)

	instanceStore := fleet.NewPostgresInstanceStore(db)
	retention := time.Duration(cfg.Fleet.DefaultRetentionHours) * time.Hour
	app.instances = fleet.NewInstanceRepository(instanceStore, retention)

	app.tenants = tenant.New(tenantStore, app.instances, app.ledger)

	profileStore, err := profile.New(cfg.Profiles.DataDir)
	if err != nil {
		logger.Fatalf("open profile store: %v", err)
	}
	app.profiles = profileStore

	app.vault = vault.New(vault.NewPostgresStore(db), cfg.Vault.MasterSecret)
	app.authn = auth.New(auth.NewPostgresStore(db))

	app.bus = fleet.NewCommandBus()
	recoveryStore := fleet.NewPostgresRecoveryStore(db)
	app.orphans = fleet.NewOrphanCleaner(app.instances, app.nodes, app.bus)
	app.connMgr = fleet.NewConnectionManager(app.nodes, recoveryStore, app.orphans, app.bus)

	app.fleetStop = &fleetStopFlagSource{}
	app.watchdog = fleet.NewWatchdog(app.nodes, func(recCtx context.Context, nodeID string, trigger fleet.RecoveryTrigger) {
		app.fleetStop.Raise(fmt.Sprintf("node %s missed its heartbeat threshold", nodeID))
		ev, err := app.recovery.TriggerRecovery(recCtx, nodeID, trigger, tenantListerAdapter{instances: app.instances})
		if err != nil {
			logger.Printf("trigger recovery for %s: %v", nodeID, err)
			return
		}
		logger.Printf("recovery event %s started for dead node %s", ev.ID, nodeID)
	}, time.Duration(cfg.Fleet.UnhealthyThresholdSec)*time.Second, time.Duration(cfg.Fleet.OfflineThresholdSec)*time.Second)

	app.recovery = fleet.NewRecoveryOrchestrator(app.nodes, app.instances, app.bus, recoveryStore, profileReaderAdapter{store: app.profiles})
	app.provisioner = fleet.NewProvisioner(app.nodes, app.instances, app.bus, requiredMBForTier)

	rt := fleetRuntime{bus: app.bus, instances: app.instances, profiles: app.profiles, timeout: time.Duration(cfg.Fleet.CommandTimeoutSec) * time.Second}
	app.poller = image.NewPoller(newHTTPRegistryClient(), rt, func(pollCtx context.Context, botID, newDigest string) {
		result, err := app.updater.UpdateBot(pollCtx, botID, newDigest)
		if err != nil {
			logger.Printf("auto-update bot %s: %v", botID, err)
			return
		}
		logger.Printf("auto-update bot %s: success=%v rolledBack=%v", botID, result.Success, result.RolledBack)
	})
	app.updater = image.NewUpdater(rt, rt)

	app.capsStore = newMemCapsStore()
	spendStore := gateway.NewPostgresSpendStore(db)
	app.meter = gateway.NewMeterAggregator(spendStore, time.Duration(cfg.Gateway.SpendCacheTTLSec)*time.Second)

	app.gwErrors = &gatewayErrorSource{}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	breakerStore := gateway.NewRedisBreakerStore(redisClient, "wopr:breaker:")
	app.breaker = gateway.NewBreaker(breakerStore, gateway.BreakerConfig{
		MaxRequestsPerWindow: cfg.CircuitBreak.MaxRequestsPerWindow,
		WindowMs:             cfg.CircuitBreak.WindowMs,
		PauseDurationMs:      cfg.CircuitBreak.PauseDurationMs,
	}, func(tenantID, instanceID string, count int64) {
		app.metrics.RecordCircuitTrip(tenantID)
	})

	app.proxy = gateway.NewProxy(
		gateway.AuthAdapter{Authenticator: app.authn},
		app.tenants,
		app.capsStore,
		app.ledger,
		app.meter,
		app.breaker,
		app.vault,
		nil, // rateLookup: no pricing table wired in this deployment, falls back to DefaultInputRate/DefaultOutputRate
		gateway.Config{
			MinBalanceCredits:    ledger.Credits(cfg.Gateway.MinBalanceCredits),
			DefaultMarginPercent: cfg.Gateway.DefaultMarginPercent,
			DefaultInputRate:     0.01,
			DefaultOutputRate:    0.03,
		},
	)

	if cfg.PubSub.Enabled {
		psBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			logger.Printf("pubsub event bus disabled, falling back to in-process bus: %v", err)
			app.eventBus = events.NewEventBus()
		} else {
			app.eventBus = psBus
		}
	} else {
		app.eventBus = events.NewEventBus()
	}

	billingStore := billing.NewPostgresStore(db)
	app.billingEngine = billing.NewEngine(billingStore, noopPaymentCharger{}, app.ledger, cfg.Billing.MaxConsecutiveFailures).
		WithEventEmitter(app.eventBus)
	if cfg.CloudTasks.Enabled {
		sched, err := billing.NewCloudScheduler(app.billingEngine, cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, "/internal/billing/scheduled-tick")
		if err != nil {
			logger.Printf("cloud scheduler disabled: %v", err)
		} else {
			app.scheduler = sched
		}
	}

	mapper := newMemTenantCustomerMapper()
	penalty := billing.NewSigPenaltyStore(time.Duration(cfg.Webhook.SigPenaltyWindow) * time.Second)
	app.webhookRecon = billing.NewReconciler(app.ledger, mapper, penalty, cfg.Webhook.SigningSecret)

	app.metrics = observability.NewMetrics()
	app.ledgerErrors = &ledgerFailureSource{}

	onFire, onResolve := observability.EmitAlertTransitions(app.eventBus)
	wrappedOnFire := func(name observability.AlertName, detail string) {
		onFire(name, detail)
		app.broadcastAlert(string(name), detail, true)
	}
	wrappedOnResolve := func(name observability.AlertName) {
		onResolve(name)
		app.broadcastAlert(string(name), "", false)
	}
	app.alertChecker = observability.NewAlertChecker(app.gwErrors, app.ledgerErrors, app.fleetStop, wrappedOnFire, wrappedOnResolve)

	app.providers = loadProviders()

	if cfg.SocketGateway.Enabled {
		srv := socketio.NewServer(nil)
		srv.OnConnect("/", func(s socketio.Conn) error {
			s.Join("alerts")
			return nil
		})
		srv.OnDisconnect("/", func(s socketio.Conn, reason string) {})
		srv.OnError("/", func(s socketio.Conn, err error) {
			logger.Printf("socket.io connection error: %v", err)
		})
		app.socketServer = srv
	}

	return app
}

func (app *application) broadcastAlert(name, detail string, fired bool) {
	if app.socketServer == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{"alert": name, "detail": detail, "fired": fired})
	app.socketServer.BroadcastToRoom("/", "alerts", "alert", string(payload))
}

func (app *application) startBackgroundLoops(ctx context.Context) {
	go app.watchdog.Run(ctx, time.Duration(app.cfg.Fleet.HeartbeatPollIntervalSec)*time.Second)
	go app.alertChecker.Run(ctx, time.Duration(app.cfg.Monitoring.CheckIntervalSec)*time.Second)

	if app.cfg.Billing.SchedulePollIntervalS > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(app.cfg.Billing.SchedulePollIntervalS) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					if app.scheduler != nil {
						if err := app.scheduler.DispatchDueSchedules(ctx, now.UTC()); err != nil {
							logger.Printf("dispatch due schedules: %v", err)
						}
						continue
					}
					if err := app.billingEngine.RunScheduledTick(ctx, now.UTC()); err != nil {
						logger.Printf("run scheduled tick: %v", err)
					}
				}
			}
		}()
	}

	if app.socketServer != nil {
		go func() {
			if err := app.socketServer.Serve(); err != nil {
				logger.Printf("socket.io server stopped: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = app.socketServer.Close()
		}()
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (app *application) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", app.handleHealthz).Methods(http.MethodGet)

	r.HandleFunc("/v1/bots", app.handleCreateBot).Methods(http.MethodPost)
	r.HandleFunc("/v1/bots", app.handleListBots).Methods(http.MethodGet)
	r.HandleFunc("/v1/bots/{botId}", app.handleRemoveBot).Methods(http.MethodDelete)
	r.HandleFunc("/v1/bots/{botId}/{action:start|stop|restart}", app.handleBotLifecycle).Methods(http.MethodPost)
	r.HandleFunc("/v1/bots/{botId}/profile", app.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/v1/bots/{botId}/profile", app.handleSaveProfile).Methods(http.MethodPut)
	r.HandleFunc("/v1/tenants/{tenant}/suspend", app.handleSuspendTenant).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenant}/ban", app.handleBanTenant).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenant}/reactivate", app.handleReactivateTenant).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenant}/ledger", app.handleLedgerHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/tenants/{tenant}/ledger/export.csv", app.handleLedgerExport).Methods(http.MethodGet)

	r.HandleFunc("/v1/nodes/{nodeId}/register", app.handleRegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{nodeId}/ws", app.handleNodeWebSocket)
	r.HandleFunc("/v1/nodes/{nodeId}/history", app.handleNodeHistory).Methods(http.MethodGet)

	r.HandleFunc("/v1/recovery/{eventId}/retry", app.handleRetryRecovery).Methods(http.MethodPost)

	r.HandleFunc("/v1/webhooks/payment", app.handlePaymentWebhook).Methods(http.MethodPost)

	r.HandleFunc("/v1/gateway/{provider}/{rest:.*}", app.instrumentGateway(app.handleGatewayDispatch))

	if app.socketServer != nil {
		r.Handle("/socket.io/", app.socketServer)
	}

	return r
}

// statusRecorder captures the response status for the error-rate alert
// source, since gateway.Proxy writes directly to http.ResponseWriter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrumentGateway feeds app.gwErrors' sliding windows from every gateway
// dispatch, backing the gateway-error-rate alert without requiring the
// proxy itself to know about this binary's alert wiring.
func (app *application) instrumentGateway(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		provider := mux.Vars(r)["provider"]
		app.gwErrors.requests.record()
		// The tenant is only resolved inside the proxy's auth step, so the
		// per-tenant label is left empty at this layer.
		app.metrics.RecordGatewayRequest("", provider)
		next(rec, r)
		if rec.status >= 500 {
			app.gwErrors.errors.record()
			app.metrics.RecordGatewayError("", fmt.Sprintf("%d", rec.status))
		}
	}
}

// handleGatewayDispatch resolves a configured provider from the path and
// runs the full pre-flight/dispatch/meter pipeline against it.
func (app *application) handleGatewayDispatch(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	p, ok := app.providers[name]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	app.proxy.ServeHTTP(w, r, p)
}

// loadProviders builds the fixed upstream provider table from environment
// variables, one PROVIDER_<NAME>_BASE_URL / PROVIDER_<NAME>_CREDENTIAL_KEY
// pair per capability. The vault key named here must already hold a
// sealed credential, set through the admin surface, not this process.
func loadProviders() map[string]gateway.Provider {
	defaults := map[string]gateway.Provider{
		"openai": {
			Name:          "openai",
			BaseURL:       envOr("PROVIDER_OPENAI_BASE_URL", "https://api.openai.com/v1"),
			CredentialKey: envOr("PROVIDER_OPENAI_CREDENTIAL_KEY", "provider:openai"),
		},
		"anthropic": {
			Name:          "anthropic",
			BaseURL:       envOr("PROVIDER_ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			CredentialKey: envOr("PROVIDER_ANTHROPIC_CREDENTIAL_KEY", "provider:anthropic"),
		},
	}
	return defaults
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (app *application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if app.cfg.Vault.MasterSecret == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"fatal","reason":"encryption key missing"}`))
		return
	}
	if _, err := app.nodes.List(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"degraded"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (app *application) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botId"]
	p, err := app.profiles.Get(botID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (app *application) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var p profile.BotProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := app.profiles.Save(&p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := app.poller.Track(r.Context(), &p); err != nil {
		logger.Printf("track bot %s for image polling: %v", p.ID, err)
	}
	writeJSON(w, http.StatusOK, &p)
}

func (app *application) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	t := mux.Vars(r)["tenant"]
	var body struct{ Reason, By string }
	_ = json.NewDecoder(r.Body).Decode(&body)
	result, err := app.tenants.Suspend(r.Context(), t, body.Reason, body.By)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (app *application) handleReactivateTenant(w http.ResponseWriter, r *http.Request) {
	t := mux.Vars(r)["tenant"]
	var body struct{ By string }
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := app.tenants.Reactivate(r.Context(), t, body.By); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *application) handleLedgerHistory(w http.ResponseWriter, r *http.Request) {
	t := mux.Vars(r)["tenant"]
	txns, err := app.ledger.History(r.Context(), t, ledger.HistoryOptions{Limit: 200})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

// handleLedgerExport serves the paginated transaction history as CSV for
// tenant-facing billing export.
func (app *application) handleLedgerExport(w http.ResponseWriter, r *http.Request) {
	t := mux.Vars(r)["tenant"]
	txns, err := app.ledger.History(r.Context(), t, ledger.HistoryOptions{Limit: 10000})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-ledger.csv"`, t))
	fmt.Fprintln(w, "id,type,amount,description,reference_id,created_at")
	for _, txn := range txns {
		fmt.Fprintf(w, "%s,%s,%d,%q,%s,%s\n", txn.ID, txn.Type, txn.Amount, txn.Description, txn.ReferenceID, txn.CreatedAt.Format(time.RFC3339))
	}
}

func (app *application) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	var body struct {
		Host         string
		CapacityMB   int64
		AgentVersion string
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	node, err := app.connMgr.RegisterNode(r.Context(), nodeID, body.Host, body.CapacityMB, body.AgentVersion)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (app *application) handleNodeWebSocket(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("upgrade node websocket for %s: %v", nodeID, err)
		return
	}
	app.connMgr.HandleWebSocket(r.Context(), nodeID, ws)
}

func (app *application) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	hist, err := app.nodes.History(r.Context(), nodeID, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (app *application) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sourceIP := r.RemoteAddr
	if !app.webhookRecon.VerifySignature(body, r.Header.Get("X-Signature"), sourceIP) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	ev, err := billing.ParseBody(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := app.webhookRecon.HandleWebhookEvent(r.Context(), ev)
	if err != nil {
		app.ledgerErrors.failedDebits.record()
		app.metrics.RecordLedgerDebit(ev.Customer, "webhook_credit", true)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

