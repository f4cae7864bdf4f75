package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
)

const maxEventBytes = 64 << 10

// Handler serves the push subscription endpoint.
type Handler struct {
	queue          Queue
	verifyToken    string
	subscriptionID int64
	logger         *log.Logger
}

// NewHandler builds a Handler. A zero subscriptionID accepts events from any subscription.
func NewHandler(queue Queue, verifyToken string, subscriptionID int64, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(log.Writer(), "[webhook] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Handler{queue: queue, verifyToken: verifyToken, subscriptionID: subscriptionID, logger: logger}
}

// RegisterRoutes wires the webhook endpoint to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", h.webhook)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.verify(w, r)
	case http.MethodPost:
		h.receive(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// verify answers the subscription handshake.
func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	if q.Get("hub.mode") != "subscribe" || h.verifyToken == "" || q.Get("hub.verify_token") != h.verifyToken || challenge == "" {
		writeError(w, http.StatusForbidden, "forbidden", "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hub.challenge": challenge})
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var event Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes)).Decode(&event); err != nil {
		recordReceived("invalid")
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := event.Validate(); err != nil {
		recordReceived("invalid")
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if h.subscriptionID != 0 && event.SubscriptionID != h.subscriptionID {
		recordReceived("foreign")
		h.logger.Printf("ignoring event for subscription %d", event.SubscriptionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := h.queue.Enqueue(r.Context(), event); err != nil {
		recordReceived("unavailable")
		h.logger.Printf("enqueue %s %s %d: %v", event.ObjectType, event.AspectType, event.ObjectID, err)
		detail := "event could not be queued"
		if errors.Is(err, ErrQueueFull) {
			detail = err.Error()
		}
		writeError(w, http.StatusServiceUnavailable, "unavailable", detail)
		return
	}

	recordReceived("accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
