package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/channelmesh/topicbus/contracts"
)

// Handlers holds the HTTP endpoint implementations.
type Handlers struct {
	s *Server
}

// NewHandlers creates handlers bound to the server.
func NewHandlers(s *Server) *Handlers {
	return &Handlers{s: s}
}

type publishRequest struct {
	Exchange      string            `json:"exchange"`
	RoutingKey    string            `json:"routingKey"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Transient     bool              `json:"transient,omitempty"`

	// Confirm waits for the durability verdict before responding.
	Confirm bool `json:"confirm,omitempty"`
}

type publishResponse struct {
	PublishID     string `json:"publishId"`
	MessageID     string `json:"messageId"`
	MatchedQueues int    `json:"matchedQueues"`
	Outcome       string `json:"outcome,omitempty"`
}

// Publish accepts a JSON publish request and routes it through the broker.
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Exchange == "" || req.RoutingKey == "" {
		writeError(w, http.StatusBadRequest, "exchange and routingKey are required")
		return
	}

	var opts []contracts.MessageOption
	if req.Headers != nil {
		opts = append(opts, contracts.WithHeaders(req.Headers))
	}
	if req.CorrelationID != "" {
		opts = append(opts, contracts.WithCorrelationID(req.CorrelationID))
	}
	if req.Transient {
		opts = append(opts, contracts.WithTransient())
	}

	result, err := h.s.broker.Publish(req.Exchange, req.RoutingKey, req.Payload, opts...)
	if err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}

	resp := publishResponse{
		PublishID:     result.PublishID,
		MessageID:     result.MessageID,
		MatchedQueues: result.MatchedQueues,
	}
	if req.Confirm {
		confirm, err := h.s.broker.AwaitConfirm(r.Context(), result.PublishID, 0)
		if err != nil && !errors.Is(err, contracts.ErrConfirmTimeout) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Outcome = confirm.Outcome.String()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// IngestEnvelope accepts an event envelope, uses its event type as the
// routing key, and publishes it to the configured exchange. This is the
// webhook-style ingestion path for pipeline producers.
func (h *Handlers) IngestEnvelope(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 4<<20)
	var env contracts.EventEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	payload, err := env.Encode()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := []contracts.MessageOption{}
	if env.ID != "" {
		opts = append(opts, contracts.WithMessageID(env.ID))
	}
	if env.CorrelationID != "" {
		opts = append(opts, contracts.WithCorrelationID(env.CorrelationID))
		if h.s.tracker != nil {
			headers := h.s.tracker.Annotate(r.Context(), env.ID, []string{env.CorrelationID})
			if len(headers) > 0 {
				opts = append(opts, contracts.WithHeaders(headers))
			}
		}
	}

	exchange := h.s.config.DefaultExchange
	result, err := h.s.broker.Publish(exchange, env.EventType, payload, opts...)
	if err != nil {
		writeError(w, publishStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{
		PublishID:     result.PublishID,
		MessageID:     result.MessageID,
		MatchedQueues: result.MatchedQueues,
	})
}

// ListQueues returns live info for every queue.
func (h *Handlers) ListQueues(w http.ResponseWriter, r *http.Request) {
	infos, err := h.s.inspector.ListQueues()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetQueue returns one queue's live info.
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	info, err := h.s.inspector.InspectQueue(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PurgeQueue drops all pending messages from a queue.
func (h *Handlers) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	purged, err := h.s.broker.PurgeQueue(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, contracts.ErrQueueNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

// StreamQueue consumes a queue as a server-sent event stream. Each message
// is written as one SSE event and acked once flushed; the subscription
// closes when the client disconnects, requeueing anything unflushed.
func (h *Handlers) StreamQueue(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	prefetch := 16
	if raw := r.URL.Query().Get("prefetch"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "prefetch must be a positive integer")
			return
		}
		prefetch = n
	}

	sub, err := h.s.broker.Subscribe(r.Context(), r.PathValue("name"), prefetch)
	if err != nil {
		if errors.Is(err, contracts.ErrQueueNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for delivery := range sub.Deliveries() {
		frame, err := json.Marshal(streamFrame{
			MessageID:     delivery.Message.ID,
			RoutingKey:    delivery.Message.RoutingKey,
			Payload:       delivery.Message.Payload,
			Headers:       delivery.Message.Headers,
			CorrelationID: delivery.Message.CorrelationID,
			Attempts:      delivery.Attempts,
			Redelivered:   delivery.Redelivered,
		})
		if err != nil {
			delivery.Nack(true)
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", delivery.Message.ID, frame); err != nil {
			// Client went away; the deferred Close requeues this one too.
			delivery.Nack(true)
			return
		}
		flusher.Flush()
		delivery.Ack()
	}
}

type streamFrame struct {
	MessageID     string            `json:"messageId"`
	RoutingKey    string            `json:"routingKey"`
	Payload       json.RawMessage   `json:"payload"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Attempts      int               `json:"attempts"`
	Redelivered   bool              `json:"redelivered"`
}

type bindingRequest struct {
	Queue    string `json:"queue"`
	Exchange string `json:"exchange"`
	Pattern  string `json:"pattern"`
}

// ListBindings returns an exchange's bindings.
func (h *Handlers) ListBindings(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	if exchange == "" {
		writeError(w, http.StatusBadRequest, "exchange query parameter is required")
		return
	}

	bindings, err := h.s.broker.ListBindings(exchange)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bindings)
}

// CreateBinding binds a queue to an exchange with a pattern.
func (h *Handlers) CreateBinding(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := h.s.broker.BindQueue(req.Queue, req.Exchange, req.Pattern); err != nil {
		switch {
		case errors.Is(err, contracts.ErrQueueNotFound), errors.Is(err, contracts.ErrExchangeNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// DeleteBinding removes a binding.
func (h *Handlers) DeleteBinding(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := h.s.broker.UnbindQueue(req.Queue, req.Exchange, req.Pattern); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats returns the collector's summary, if one is wired in.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	if h.s.collector == nil {
		writeError(w, http.StatusNotFound, "stats collection is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, h.s.collector.Summary())
}

// publishStatus maps publish errors to HTTP status codes.
func publishStatus(err error) int {
	switch {
	case errors.Is(err, contracts.ErrExchangeNotFound):
		return http.StatusNotFound
	case errors.Is(err, contracts.ErrInvalidRoutingKey), errors.Is(err, contracts.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, contracts.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, contracts.ErrBrokerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
