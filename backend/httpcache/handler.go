package httpcache

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/jmgilman/go/errors"

	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/internal/logging"
)

const maxRequestBytes = 512 << 20

// Handler serves a Backend over the cache protocol.
type Handler struct {
	backend backend.Backend
	token   string
	logger  *logging.Logger
	mux     *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRequiredToken rejects requests that do not carry token as a bearer
// credential.
func WithRequiredToken(token string) HandlerOption {
	return func(h *Handler) {
		h.token = token
	}
}

// WithHandlerLogger sets the logger used for failed requests.
func WithHandlerLogger(logger *logging.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler returns a Handler serving b.
func NewHandler(b backend.Backend, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend: b,
		logger:  logging.NewNop(),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /cache/{key}", h.get)
	h.mux.HandleFunc("POST /cache", h.put)
	h.mux.HandleFunc("DELETE /cache/{key}", h.delete)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+h.token)) != 1 {
			h.writeError(w, r, errors.New(errors.CodeUnauthorized, "missing or invalid bearer token"))
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	data, found, err := h.backend.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, getResponse{Value: data, Found: true})
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.CodeInvalidInput, "invalid cache request body"))
		return
	}
	if req.Key == "" {
		h.writeError(w, r, backend.InvalidKey(req.Key, "key is empty"))
		return
	}
	if err := h.backend.Put(r.Context(), req.Key, req.Value); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Delete(r.Context(), r.PathValue("key")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(errors.GetCode(err))
	h.logger.Warn(r.Context(), "cache request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err.Error(),
	)
	writeJSON(w, status, errors.ToJSON(err))
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeForbidden:
		return http.StatusForbidden
	case errors.CodeUnavailable, errors.CodeTimeout, errors.CodeNetwork:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
