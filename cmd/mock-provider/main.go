package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"msggw/internal/logging"
)

type config struct {
	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	APIKey    string `envconfig:"MOCK_API_KEY" default:"mock_key"`

	// Callback target and signing secret; must match the webhook ingress.
	WebhookURL    string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookSecret string `envconfig:"MOCK_WEBHOOK_SECRET" default:"mock_secret"`

	// All callbacks carry this tenant; the mock has no provisioning store.
	TenantID string `envconfig:"MOCK_TENANT_ID" default:"tenant-dev"`

	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"ok"`

	AutoPair    bool `envconfig:"MOCK_AUTO_PAIR" default:"true"`
	PairDelayMs int  `envconfig:"MOCK_PAIR_DELAY_MS" default:"1500"`

	// When set, every accepted send is echoed back as an inbound message
	// from the recipient. Handy for exercising flows end to end.
	Echo        bool `envconfig:"MOCK_ECHO" default:"false"`
	EchoDelayMs int  `envconfig:"MOCK_ECHO_DELAY_MS" default:"500"`

	WebhookMaxRetries  int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBaseMs int `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`

	Outcomes  []string
	PairDelay time.Duration
	EchoDelay time.Duration
	RetryBase time.Duration
}

type instanceState struct {
	status  string // "disconnected" | "pending" | "connected"
	address string
	qr      string
}

type server struct {
	cfg    config
	client *http.Client

	mu        sync.Mutex
	instances map[string]*instanceState

	seq        uint64
	outcomeIdx uint64
}

type callbackMessage struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	HasMedia  bool   `json:"hasMedia,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

type callbackConnection struct {
	Event     string `json:"event"`
	QRPayload string `json:"qrPayload,omitempty"`
	Address   string `json:"address,omitempty"`
	Error     string `json:"error,omitempty"`
}

type callback struct {
	Event      string              `json:"event"`
	TenantID   string              `json:"tenantId"`
	InstanceID string              `json:"instanceId"`
	Message    *callbackMessage    `json:"message,omitempty"`
	Connection *callbackConnection `json:"connection,omitempty"`
}

func main() {
	cfg := loadConfig()
	logging.Init("mock-provider", cfg.LogFormat)

	s := &server{
		cfg:       cfg,
		client:    &http.Client{Timeout: 5 * time.Second},
		instances: make(map[string]*instanceState),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/instances/{id}/connect", s.handleConnect).Methods(http.MethodPost)
	router.HandleFunc("/v1/instances/{id}/messages", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/v1/instances/{id}/logout", s.handleLogout).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	for _, p := range strings.Split(cfg.OutcomesRaw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Outcomes = append(cfg.Outcomes, p)
		}
	}
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	cfg.PairDelay = time.Duration(cfg.PairDelayMs) * time.Millisecond
	cfg.EchoDelay = time.Duration(cfg.EchoDelayMs) * time.Millisecond
	cfg.RetryBase = time.Duration(cfg.WebhookRetryBaseMs) * time.Millisecond
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	return cfg
}

func (s *server) authorized(r *http.Request) bool {
	return r.Header.Get("X-Api-Key") == s.cfg.APIKey
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bad api key")
		return
	}
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	inst := s.instances[id]
	if inst != nil && inst.status == "connected" {
		addr := inst.address
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"paired": true, "address": addr})
		return
	}
	qr := fmt.Sprintf("mock-qr:%s:%d", id, atomic.AddUint64(&s.seq, 1))
	s.instances[id] = &instanceState{status: "pending", qr: qr}
	s.mu.Unlock()

	if s.cfg.AutoPair {
		go s.pairLater(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"qrPayload": qr, "paired": false})
}

// pairLater simulates the user scanning the code: paired first, then the
// socket coming up.
func (s *server) pairLater(id string) {
	time.Sleep(s.cfg.PairDelay)

	addr := "+150055500" + fmt.Sprintf("%02d", atomic.AddUint64(&s.seq, 1)%100)
	s.mu.Lock()
	inst := s.instances[id]
	if inst == nil || inst.status != "pending" {
		s.mu.Unlock()
		return
	}
	inst.status = "connected"
	inst.address = addr
	inst.qr = ""
	s.mu.Unlock()

	s.postCallback(callback{
		Event: "connection.update", TenantID: s.cfg.TenantID, InstanceID: id,
		Connection: &callbackConnection{Event: "paired", Address: addr},
	})
	s.postCallback(callback{
		Event: "connection.update", TenantID: s.cfg.TenantID, InstanceID: id,
		Connection: &callbackConnection{Event: "connected"},
	})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bad api key")
		return
	}
	id := mux.Vars(r)["id"]

	var req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}

	s.mu.Lock()
	inst := s.instances[id]
	connected := inst != nil && inst.status == "connected"
	s.mu.Unlock()
	if !connected {
		writeError(w, http.StatusConflict, "instance not connected")
		return
	}

	switch s.nextOutcome() {
	case "server_error", "500":
		writeError(w, http.StatusInternalServerError, "server error")
		return
	case "rate_limit", "429":
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	case "timeout":
		time.Sleep(10 * time.Second)
		writeError(w, http.StatusGatewayTimeout, "request timed out")
		return
	}

	msgID := fmt.Sprintf("mock_msg_%06d", atomic.AddUint64(&s.seq, 1))
	writeJSON(w, http.StatusCreated, map[string]string{"messageId": msgID})

	if s.cfg.Echo {
		go func() {
			time.Sleep(s.cfg.EchoDelay)
			s.postCallback(callback{
				Event: "message", TenantID: s.cfg.TenantID, InstanceID: id,
				Message: &callbackMessage{From: req.To, Body: "echo: " + req.Body},
			})
		}()
	}
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bad api key")
		return
	}
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	inst := s.instances[id]
	wasConnected := inst != nil && inst.status == "connected"
	if inst != nil {
		inst.status = "disconnected"
		inst.qr = ""
	}
	s.mu.Unlock()

	if wasConnected {
		go s.postCallback(callback{
			Event: "connection.update", TenantID: s.cfg.TenantID, InstanceID: id,
			Connection: &callbackConnection{Event: "disconnected"},
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *server) nextOutcome() string {
	if s.cfg.OutcomeMode == "round_robin" {
		i := atomic.AddUint64(&s.outcomeIdx, 1) - 1
		return s.cfg.Outcomes[int(i)%len(s.cfg.Outcomes)]
	}
	return s.cfg.Outcomes[0]
}

func (s *server) postCallback(cb callback) {
	if s.cfg.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(cb)
	if err != nil {
		return
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	for attempt := 0; attempt <= s.cfg.WebhookMaxRetries; attempt++ {
		req, _ := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Signature", sig)

		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			resp.Body.Close()
			return
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		if attempt == s.cfg.WebhookMaxRetries {
			slog.Error("mock callback failed", "url", s.cfg.WebhookURL, "event", cb.Event, "status", status, "err", err)
			return
		}
		time.Sleep(s.cfg.RetryBase * time.Duration(1<<attempt))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
