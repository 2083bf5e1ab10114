package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/instanced/internal/apperr"
	"github.com/devghori1264/aerophoenix/instanced/internal/jsoncodec"
	"github.com/devghori1264/aerophoenix/instanced/internal/manager"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

const maxBodyBytes = 1 << 20

// Service is the lifecycle facade the handlers call into.
type Service interface {
	Create(ctx context.Context, id string, o manager.CreateOptions) (models.InstanceSummary, error)
	GetState(id string) (models.InstanceState, error)
	List() []models.InstanceSummary
	SendText(ctx context.Context, id, to, text string) (json.RawMessage, error)
	SendMediaByURL(ctx context.Context, id, to, rawURL, caption string) (json.RawMessage, error)
	Delete(ctx context.Context, id string) error
}

// Options configures the HTTP handler.
type Options struct {
	// APIKey is required on every route except GET /.
	APIKey  string
	Version string
	Logger  *zap.Logger
}

type Handler struct {
	svc     Service
	log     *zap.Logger
	apiKey  string
	version string
	started time.Time
}

// NewHTTPHandler returns the routed, authenticated API.
func NewHTTPHandler(svc Service, o Options) http.Handler {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	h := &Handler{
		svc:     svc,
		log:     o.Logger.Named("http"),
		apiKey:  o.APIKey,
		version: o.Version,
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.Handle("GET /version", h.auth(h.handleVersion))
	mux.Handle("GET /server/status", h.auth(h.handleServerStatus))
	mux.Handle("GET /instance/list", h.auth(h.handleList))
	mux.Handle("POST /instance/create", h.auth(h.handleCreate))
	mux.Handle("GET /instance/{id}", h.auth(h.handleGet))
	mux.Handle("GET /instance/{id}/qr", h.auth(h.handleQR))
	mux.Handle("GET /instance/{id}/status", h.auth(h.handleStatus))
	mux.Handle("POST /instance/{id}/send-message", h.auth(h.handleSendMessage))
	mux.Handle("POST /instance/{id}/send-media", h.auth(h.handleSendMedia))
	mux.Handle("DELETE /instance/{id}", h.auth(h.handleDelete))

	return h.requestID(mux)
}

// requestID tags every request with X-Request-ID and logs its outcome.
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		h.log.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// auth accepts the key from the x-api-key header or the apiKey query
// parameter.
func (h *Handler) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			key = r.URL.Query().Get("apiKey")
		}
		if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized: invalid api key"})
			return
		}
		next(w, r)
	})
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"version": h.version,
	})
}

func (h *Handler) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version, "name": "instanced"})
}

func (h *Handler) handleServerStatus(w http.ResponseWriter, _ *http.Request) {
	list := h.svc.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptimeSeconds":  int64(time.Since(h.started).Seconds()),
		"instancesCount": len(list),
		"instances":      list,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": h.svc.List()})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Webhook string `json:"webhook"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		h.writeError(w, apperr.New(apperr.KindInvalidArgument, "create", "missing id"))
		return
	}

	sum, err := h.svc.Create(r.Context(), req.ID, manager.CreateOptions{Name: req.Name, WebhookURL: req.Webhook})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        sum.ID,
		"createdAt": sum.CreatedAt,
		"info":      sum,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        st.ID,
		"status":    st.Status,
		"name":      st.Name,
		"webhook":   st.WebhookURL,
		"info":      st.ConnectionInfo,
		"createdAt": st.CreatedAt,
		"updatedAt": st.UpdatedAt,
	})
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	var qr *string
	if st.PairingCode != "" {
		qr = &st.PairingCode
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": st.ID, "status": st.Status, "qr": qr})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": st.ID, "status": st.Status, "info": st.ConnectionInfo})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) (models.InstanceState, bool) {
	st, err := h.svc.GetState(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return st, false
	}
	return st, true
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.SendText(r.Context(), r.PathValue("id"), req.To, req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{OK: true, Result: res})
}

func (h *Handler) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		URL     string `json:"url"`
		Caption string `json:"caption"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.SendMediaByURL(r.Context(), r.PathValue("id"), req.To, req.URL, req.Caption)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{OK: true, Result: res})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

type sendResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := jsoncodec.Decode(r.Body, v); err != nil {
		h.writeError(w, apperr.Wrap(apperr.KindInvalidArgument, "decode", err, "invalid JSON payload"))
		return false
	}
	return true
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAdapterFailure, apperr.KindUpstreamFetchError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if errors.Is(err, context.DeadlineExceeded) && kind == "" {
		status = http.StatusGatewayTimeout
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		h.log.Debug("request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, v)
}
