package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"msggw/internal/domain"
	"msggw/internal/observability"
	sqsqueue "msggw/internal/queue/sqs"
	"msggw/internal/util"
)

// providerCallback is the provider's webhook body. "message" carries an
// inbound chat message, "connection.update" a session state change.
type providerCallback struct {
	Event      string                   `json:"event"`
	TenantID   string                   `json:"tenantId"`
	InstanceID string                   `json:"instanceId"`
	Message    *providerMessage         `json:"message,omitempty"`
	Connection *domain.ConnectionUpdate `json:"connection,omitempty"`
}

type providerMessage struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"hasMedia,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

type Queue interface {
	EnqueueInbound(ctx context.Context, ev sqsqueue.InboundEvent) error
}

type Webhook struct {
	Queue  Queue
	Secret string
	Now    func() time.Time
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/provider", w.handleProviderEvent).Methods(http.MethodPost)
}

func (w *Webhook) handleProviderEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, ErrBadPayload, http.StatusBadRequest)
		return
	}
	if !VerifySignature(w.Secret, body, r.Header.Get("X-Signature")) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var cb providerCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(rw, ErrBadPayload, http.StatusBadRequest)
		return
	}
	if cb.TenantID == "" || cb.InstanceID == "" {
		http.Error(rw, ErrBadPayload, http.StatusBadRequest)
		return
	}

	now := w.now()
	var ev sqsqueue.InboundEvent
	switch cb.Event {
	case "message":
		if cb.Message == nil {
			http.Error(rw, ErrBadPayload, http.StatusBadRequest)
			return
		}
		ev = sqsqueue.InboundEvent{
			Kind:       sqsqueue.KindMessage,
			TenantID:   cb.TenantID,
			InstanceID: cb.InstanceID,
			Message: &domain.InboundMessage{
				TenantID:   cb.TenantID,
				InstanceID: cb.InstanceID,
				From:       util.NormalizeAddress(cb.Message.From),
				Body:       cb.Message.Body,
				HasMedia:   cb.Message.HasMedia,
				MediaType:  cb.Message.MediaType,
				ReceivedAt: now,
			},
			ReceivedAt: now,
		}
	case "connection.update":
		if cb.Connection == nil {
			http.Error(rw, ErrBadPayload, http.StatusBadRequest)
			return
		}
		ev = sqsqueue.InboundEvent{
			Kind:       sqsqueue.KindConnection,
			TenantID:   cb.TenantID,
			InstanceID: cb.InstanceID,
			Connection: cb.Connection,
			ReceivedAt: now,
		}
	default:
		// unknown provider events are acknowledged and dropped
		rw.WriteHeader(http.StatusOK)
		return
	}

	observability.InboundEvents.WithLabelValues(ev.Kind).Inc()
	if err := w.Queue.EnqueueInbound(r.Context(), ev); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		slog.Error("webhook enqueue failed", "err", err, "kind", ev.Kind, "instance_id", cb.InstanceID)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	rw.WriteHeader(http.StatusOK)
}

func (w *Webhook) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// VerifySignature checks the provider's hex HMAC-SHA256 over the raw body.
func VerifySignature(secret string, body []byte, provided string) bool {
	if secret == "" || provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(provided))
}
