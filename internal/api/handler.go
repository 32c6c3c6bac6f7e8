package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/eugenenazirov/tsrlib/internal/config"
	"github.com/eugenenazirov/tsrlib/internal/document"
	"github.com/eugenenazirov/tsrlib/internal/storage"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const (
	maxBodyBytes      = 1 << 20
	watchBuffer       = 64
	watchWriteTimeout = 5 * time.Second
)

// ConfigStore is the part of the configuration manager the HTTP layer needs.
type ConfigStore interface {
	Snapshot() document.Mapping
	Get(path string) (document.Value, bool)
	UpdateValue(path string, value document.Value) error
	Watch(ctx context.Context, buffer int) <-chan config.Change
}

// Handler wires the configuration store and change history into HTTP handlers.
type Handler struct {
	store   ConfigStore
	history storage.Storage
	logger  *zap.Logger

	clock    func() time.Time
	upgrader websocket.Upgrader
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithHandlerLogger sets the logger used by long-lived handlers such as the watch stream.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler constructs a Handler with the provided dependencies. history may be nil.
func NewHandler(store ConfigStore, history storage.Storage, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:   store,
		history: history,
		logger:  zap.NewNop(),
		clock: func() time.Time {
			return time.Now().UTC()
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, document.ToAny(h.store.Snapshot()))
}

func (h *Handler) handleGetValue(w http.ResponseWriter, r *http.Request) {
	path := configPath(r)
	value, ok := h.store.Get(path)
	if !ok {
		writeError(w, http.StatusNotFound, "Not found", "no value at "+path)
		return
	}
	writeJSON(w, http.StatusOK, valueResponse{Path: path, Value: document.ToAny(value)})
}

func (h *Handler) handlePutValue(w http.ResponseWriter, r *http.Request) {
	path := configPath(r)

	var raw any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}
	if raw == nil {
		writeError(w, http.StatusBadRequest, "Invalid value", config.ErrNilValue.Error())
		return
	}

	value, err := document.From(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value", err.Error())
		return
	}

	if err := h.store.UpdateValue(path, value); err != nil {
		switch {
		case errors.Is(err, config.ErrInvalidPath), errors.Is(err, config.ErrNilValue):
			writeError(w, http.StatusBadRequest, "Invalid value", err.Error())
		default:
			writeInternalError(w, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, valueResponse{
		Path:    path,
		Value:   document.ToAny(value),
		Message: "Value updated successfully",
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, historyResponse{Revisions: []revisionResponse{}})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "Invalid request", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	revisions, err := h.history.Revisions(limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := historyResponse{Revisions: make([]revisionResponse, 0, len(revisions))}
	for _, rev := range revisions {
		resp.Revisions = append(resp.Revisions, revisionResponse{
			Seq:   rev.Seq,
			Path:  rev.Path,
			Value: document.ToAny(rev.Value),
			At:    rev.At,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWatch upgrades to a websocket and streams every applied change as a
// JSON text frame until either side goes away. The subscription is taken
// before the handshake completes so no change after it is missed.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	changes := h.store.Watch(ctx, watchBuffer)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The read loop only exists to notice the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	requestID := requestIDFromContext(r.Context())
	h.logger.Debug("watch stream opened", zap.String("request_id", requestID))

	for change := range changes {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(changeMessage{Path: change.Path, Value: document.ToAny(change.Value)}); err != nil {
			h.logger.Debug("watch stream write failed", zap.String("request_id", requestID), zap.Error(err))
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	h.logger.Debug("watch stream closed", zap.String("request_id", requestID))
}

// configPath accepts both /api/config/db.port and /api/config/db/port.
func configPath(r *http.Request) string {
	return strings.ReplaceAll(strings.Trim(r.PathValue("path"), "/"), "/", document.PathSeparator)
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type valueResponse struct {
	Path    string `json:"path"`
	Value   any    `json:"value"`
	Message string `json:"message,omitempty"`
}

type changeMessage struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type revisionResponse struct {
	Seq   uint64    `json:"seq"`
	Path  string    `json:"path"`
	Value any       `json:"value"`
	At    time.Time `json:"at"`
}

type historyResponse struct {
	Revisions []revisionResponse `json:"revisions"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// writeJSON encodes before writing the header so an unencodable payload
// becomes a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: "Internal error", Details: err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
