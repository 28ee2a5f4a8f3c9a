package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wopr-network/wopr-platform-sub005/internal/fleet"
	"github.com/wopr-network/wopr-platform-sub005/internal/profile"
)

// createBotRequest is the external bot-creation input.
type createBotRequest struct {
	TenantID       string            `json:"tenantId"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Image          string            `json:"image"`
	Env            map[string]string `json:"env"`
	RestartPolicy  string            `json:"restartPolicy"`
	ReleaseChannel string            `json:"releaseChannel"`
	UpdatePolicy   string            `json:"updatePolicy"`
	ResourceTier   string            `json:"resourceTier"`
	StorageTier    string            `json:"storageTier"`
}

// handleCreateBot writes the profile, then reserves capacity and commands
// the chosen node through the provisioner. The bot is created stopped;
// /start runs it.
func (app *application) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RestartPolicy == "" {
		req.RestartPolicy = string(profile.RestartAlways)
	}
	if req.ReleaseChannel == "" {
		req.ReleaseChannel = string(profile.ChannelStable)
	}
	if req.UpdatePolicy == "" {
		req.UpdatePolicy = "manual"
	}

	p := &profile.BotProfile{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		Name:           req.Name,
		Description:    req.Description,
		Image:          req.Image,
		Env:            req.Env,
		RestartPolicy:  profile.RestartPolicy(req.RestartPolicy),
		ReleaseChannel: profile.ReleaseChannel(req.ReleaseChannel),
		UpdatePolicy:   req.UpdatePolicy,
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := app.profiles.Save(p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	inst := &fleet.BotInstance{
		ID:           p.ID,
		Tenant:       req.TenantID,
		Name:         req.Name,
		ResourceTier: req.ResourceTier,
		StorageTier:  req.StorageTier,
	}
	if err := app.provisioner.Create(r.Context(), inst, p.Image, p.Env); err != nil {
		_ = app.profiles.Delete(p.ID)
		if errors.Is(err, fleet.ErrNoCapacity) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if err := app.poller.Track(r.Context(), p); err != nil {
		logger.Printf("track bot %s for image polling: %v", p.ID, err)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      p.ID,
		"nodeId":  inst.NodeID,
		"profile": p,
		"state":   "stopped",
	})
}

func (app *application) handleListBots(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant query parameter is required", http.StatusBadRequest)
		return
	}
	insts, err := app.instances.ListByTenant(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(insts))
	for _, inst := range insts {
		out = append(out, map[string]interface{}{
			"id":           inst.ID,
			"tenant":       inst.Tenant,
			"name":         inst.Name,
			"nodeId":       inst.NodeID,
			"billingState": inst.BillingState,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *application) handleBotLifecycle(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botId"]
	var err error
	switch mux.Vars(r)["action"] {
	case "start":
		err = app.provisioner.Start(r.Context(), botID)
	case "stop":
		err = app.provisioner.Stop(r.Context(), botID)
	case "restart":
		err = app.provisioner.Restart(r.Context(), botID)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if errors.Is(err, fleet.ErrBotInstanceNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (app *application) handleRemoveBot(w http.ResponseWriter, r *http.Request) {
	botID := mux.Vars(r)["botId"]
	if err := app.provisioner.Remove(r.Context(), botID); err != nil {
		if errors.Is(err, fleet.ErrBotInstanceNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	app.poller.Untrack(botID)
	if err := app.profiles.Delete(botID); err != nil {
		logger.Printf("delete profile for removed bot %s: %v", botID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBanTenant is the terminal tenant transition. The caller must echo
// "BAN <tenant>" in confirmName — a typo-guard for an irreversible action.
func (app *application) handleBanTenant(w http.ResponseWriter, r *http.Request) {
	t := mux.Vars(r)["tenant"]
	var body struct {
		Reason      string `json:"reason"`
		By          string `json:"by"`
		ConfirmName string `json:"confirmName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.ConfirmName != "BAN "+t {
		http.Error(w, fmt.Sprintf("confirmName must be %q", "BAN "+t), http.StatusBadRequest)
		return
	}
	result, err := app.tenants.Ban(r.Context(), t, body.Reason, body.By)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        result.Status,
		"suspendedBots": result.SuspendedBots,
		"refundedCents": result.RefundedCredits.Int64(),
	})
}

// handleRetryRecovery re-runs the waiting items of a recovery event once an
// operator has added capacity.
func (app *application) handleRetryRecovery(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventId"]
	err := app.recovery.RetryWaiting(r.Context(), eventID, func(botID string) int64 {
		inst, err := app.instances.Get(r.Context(), botID)
		if err != nil {
			return requiredMBForTier("")
		}
		return requiredMBForTier(inst.ResourceTier)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
