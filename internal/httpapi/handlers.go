package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"msggw/internal/campaign"
	"msggw/internal/domain"
	"msggw/internal/flow"
	"msggw/internal/schedule"
	"msggw/internal/session"
	"msggw/internal/util"
)

type API struct {
	Sessions  *session.Manager
	Engine    *flow.Engine
	Campaigns *campaign.Dispatcher
	Scheduler *schedule.Scheduler

	// Per-campaign settings fall back to these when the request omits them.
	DefaultDelay   time.Duration
	DefaultRetries int
}

func (a *API) Register(r *mux.Router) {
	inst := "/v1/tenants/{tenantId}/instances/{instanceId}"
	r.HandleFunc(inst+"/session", a.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc(inst+"/session", a.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc(inst+"/session", a.handleDestroySession).Methods(http.MethodDelete)
	r.HandleFunc(inst+"/session/qr", a.handleGetQR).Methods(http.MethodGet)
	r.HandleFunc(inst+"/session/qr", a.handleRegenerateQR).Methods(http.MethodPost)
	r.HandleFunc(inst+"/messages", a.handleSend).Methods(http.MethodPost)
	r.HandleFunc(inst+"/inbound", a.handleInbound).Methods(http.MethodPost)
	r.HandleFunc("/v1/tenants/{tenantId}/sessions", a.handleListSessions).Methods(http.MethodGet)

	r.HandleFunc("/v1/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
	r.HandleFunc("/v1/campaigns/{id}/start", a.handleCampaignTransition("start")).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/pause", a.handleCampaignTransition("pause")).Methods(http.MethodPost)
	r.HandleFunc("/v1/campaigns/{id}/resume", a.handleCampaignTransition("resume")).Methods(http.MethodPost)

	r.HandleFunc("/v1/scheduled-sends", a.handleScheduleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/scheduled-sends/{id}", a.handleCancelScheduledSend).Methods(http.MethodDelete)
}

func pathIDs(r *http.Request) (string, string) {
	vars := mux.Vars(r)
	return vars["tenantId"], vars["instanceId"]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto HTTP statuses. Anything unmatched
// is treated as a dependency failure, same as the rest of the service.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionNotReady),
		errors.Is(err, domain.ErrPairingUnavailable),
		errors.Is(err, domain.ErrCampaignInvalidTransition),
		errors.Is(err, schedule.ErrNotCancellable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrValidationFailure):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

type createSessionRequest struct {
	DisplayName string `json:"displayName"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	tenantID, instanceID := pathIDs(r)
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
			return
		}
	}
	status, err := a.Sessions.CreateSession(r.Context(), tenantID, instanceID, req.DisplayName)
	if err != nil {
		slog.Error("create session failed", "err", err, "tenant_id", tenantID, "instance_id", instanceID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": status})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	tenantID, instanceID := pathIDs(r)
	s, ok := a.Sessions.GetSession(tenantID, instanceID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"tenantId":   tenantID,
			"instanceId": instanceID,
			"status":     domain.StatusNotInitialized,
		})
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *API) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	tenantID, instanceID := pathIDs(r)
	if err := a.Sessions.DestroySession(r.Context(), tenantID, instanceID); err != nil {
		slog.Error("destroy session failed", "err", err, "tenant_id", tenantID, "instance_id", instanceID)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetQR(w http.ResponseWriter, r *http.Request) {
	tenantID, instanceID := pathIDs(r)
	art, err := a.Sessions.PairingArtifact(tenantID, instanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (a *API) handleRegenerateQR(w http.ResponseWriter, r *http.Request) {
	tenantID, instanceID := pathIDs(r)
	status, err := a.Sessions.RegenerateQR(r.Context(), tenantID, instanceID)
	if err != nil {
		slog.Error("regenerate qr failed", "err", err, "tenant_id", tenantID, "instance_id", instanceID)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": status})
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	tenantID, instanceID := pathIDs(r)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Body == "" {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	id, err := a.Sessions.Send(r.Context(), tenantID, instanceID, req.To, req.Body)
	if err != nil {
		slog.Error("send failed", "err", err, "tenant_id", tenantID, "instance_id", instanceID, "to", req.To)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"messageId": id})
}

type inboundRequest struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"hasMedia"`
	MediaType string `json:"mediaType"`
}

// handleInbound injects a synthetic inbound message, mainly for exercising
// flows without a live provider connection.
func (a *API) handleInbound(w http.ResponseWriter, r *http.Request) {
	tenantID, instanceID := pathIDs(r)
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.From == "" {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	a.Engine.EvaluateInbound(r.Context(), domain.InboundMessage{
		TenantID:   tenantID,
		InstanceID: instanceID,
		From:       util.NormalizeAddress(req.From),
		Body:       req.Body,
		HasMedia:   req.HasMedia,
		MediaType:  req.MediaType,
		ReceivedAt: util.NowUTC(),
	})
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]
	snaps := a.Sessions.List(tenantID)
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

type campaignRecipient struct {
	Address string            `json:"address"`
	Vars    map[string]string `json:"vars"`
}

type createCampaignRequest struct {
	TenantID     string              `json:"tenantId"`
	InstanceID   string              `json:"instanceId"`
	Template     string              `json:"template"`
	Defaults     map[string]string   `json:"defaults"`
	Recipients   []campaignRecipient `json:"recipients"`
	DelaySeconds int                 `json:"delaySeconds"`
	MaxRetries   *int                `json:"maxRetries"`
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.InstanceID == "" || req.Template == "" || len(req.Recipients) == 0 {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}

	settings := campaign.Settings{Delay: a.DefaultDelay, MaxRetries: a.DefaultRetries}
	if req.DelaySeconds > 0 {
		settings.Delay = time.Duration(req.DelaySeconds) * time.Second
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		settings.MaxRetries = *req.MaxRetries
	}

	recipients := make([]campaign.Recipient, 0, len(req.Recipients))
	for _, rec := range req.Recipients {
		recipients = append(recipients, campaign.Recipient{
			Address: util.NormalizeAddress(rec.Address),
			Vars:    rec.Vars,
		})
	}

	c := a.Campaigns.Register(campaign.New(
		util.NewCampaignID(), req.TenantID, req.InstanceID,
		req.Template, req.Defaults, recipients, settings,
	))
	writeJSON(w, http.StatusCreated, c.Snapshot())
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := a.Campaigns.Campaign(id)
	if !ok {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (a *API) handleCampaignTransition(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		c, ok := a.Campaigns.Campaign(id)
		if !ok {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		var err error
		switch op {
		case "start":
			err = a.Campaigns.Start(r.Context(), c)
		case "pause":
			err = a.Campaigns.Pause(c)
		case "resume":
			err = a.Campaigns.Resume(r.Context(), c)
		}
		if err != nil {
			slog.Error("campaign transition failed", "err", err, "campaign_id", id, "op", op)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": c.Status()})
	}
}

type scheduleSendRequest struct {
	TenantID   string    `json:"tenantId"`
	InstanceID string    `json:"instanceId"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	FireAt     time.Time `json:"fireAt"`
}

func (a *API) handleScheduleSend(w http.ResponseWriter, r *http.Request) {
	var req scheduleSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.InstanceID == "" || req.To == "" || req.Body == "" || req.FireAt.IsZero() {
		http.Error(w, ErrMissingFields, http.StatusBadRequest)
		return
	}
	id, err := a.Scheduler.ScheduleSend(r.Context(), req.TenantID, req.InstanceID, req.To, req.Body, req.FireAt)
	if err != nil {
		slog.Error("schedule send failed", "err", err, "tenant_id", req.TenantID, "to", req.To)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *API) handleCancelScheduledSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Scheduler.CancelScheduledSend(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
