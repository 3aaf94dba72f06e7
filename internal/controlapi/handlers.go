package controlapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/engine"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/events"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/settings"
)

const maxBodyBytes = 4 << 10

// Engines is the engine surface the API drives. *engine.Controller
// satisfies it.
type Engines interface {
	Create() (engine.Handle, error)
	Start(h engine.Handle, host string, port int) error
	Stop(h engine.Handle) error
	Destroy(h engine.Handle) error
	Stats(h engine.Handle) (engine.Stats, error)
	Handles() []engine.Handle
	Subscribe(buffer int) (<-chan engine.StateChange, func())
}

// Settings persists the default target. *settings.Store satisfies it.
type Settings interface {
	Get() settings.Target
	Save(t settings.Target) error
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engines  Engines
	settings Settings
	logger   *zap.Logger
}

// NewHandlers creates handlers backed by engines and settings.
func NewHandlers(engines Engines, s Settings, logger *zap.Logger) *Handlers {
	return &Handlers{engines: engines, settings: s, logger: logger}
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// CreateEngine handles POST /v1/engines.
func (h *Handlers) CreateEngine(w http.ResponseWriter, r *http.Request) {
	handle, err := h.engines.Create()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateEngineResponse{Handle: handle, State: engine.StateIdle})
}

// ListEngines handles GET /v1/engines.
func (h *Handlers) ListEngines(w http.ResponseWriter, r *http.Request) {
	resp := ListEnginesResponse{Engines: []engine.Stats{}}
	for _, handle := range h.engines.Handles() {
		st, err := h.engines.Stats(handle)
		if err != nil {
			// Destroyed between listing and reading.
			continue
		}
		resp.Engines = append(resp.Engines, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEngine handles GET /v1/engines/{handle}.
func (h *Handlers) GetEngine(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handleParam(w, r)
	if !ok {
		return
	}
	st, err := h.engines.Stats(handle)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StartEngine handles POST /v1/engines/{handle}/start.
func (h *Handlers) StartEngine(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handleParam(w, r)
	if !ok {
		return
	}

	var req StartRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, r, "read body failed")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeBadRequest(w, r, "invalid request: "+err.Error())
			return
		}
	}

	target := h.settings.Get()
	if req.IP != nil {
		target.IP = *req.IP
	}
	if req.Port != nil {
		target.Port = *req.Port
	}

	if err := h.engines.Start(handle, target.IP, target.Port); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Remember {
		if err := h.settings.Save(target); err != nil {
			h.logger.Warn("save settings failed", zap.Error(err))
		}
	}

	st, err := h.engines.Stats(handle)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StopEngine handles POST /v1/engines/{handle}/stop.
func (h *Handlers) StopEngine(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handleParam(w, r)
	if !ok {
		return
	}
	if err := h.engines.Stop(handle); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DestroyEngine handles DELETE /v1/engines/{handle}.
func (h *Handlers) DestroyEngine(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.handleParam(w, r)
	if !ok {
		return
	}
	if err := h.engines.Destroy(handle); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /v1/events, streaming state changes as newline-delimited
// JSON until the client goes away.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	ch, cancel := h.engines.Subscribe(64)
	defer cancel()

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			env, err := events.Wrap("engine.state", ev.Handle.String(), ev.SessionID, ev)
			if err != nil {
				h.logger.Error("wrap event", zap.Error(err))
				continue
			}
			if err := enc.Encode(env); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// GetSettings handles GET /v1/settings.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get())
}

// PutSettings handles PUT /v1/settings.
func (h *Handlers) PutSettings(w http.ResponseWriter, r *http.Request) {
	var t settings.Target
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&t); err != nil {
		writeBadRequest(w, r, "invalid request: "+err.Error())
		return
	}
	if err := h.settings.Save(t); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.settings.Get())
}

func (h *Handlers) handleParam(w http.ResponseWriter, r *http.Request) (engine.Handle, bool) {
	handle, err := engine.ParseHandle(chi.URLParam(r, "handle"))
	if err != nil {
		h.writeError(w, r, err)
		return 0, false
	}
	return handle, true
}

// StatusFor maps an engine code to an HTTP status.
func StatusFor(code engine.Code) int {
	switch code {
	case engine.CodeOK:
		return http.StatusOK
	case engine.CodeInvalidHandle:
		return http.StatusNotFound
	case engine.CodeAlreadyRunning:
		return http.StatusConflict
	case engine.CodeDeviceUnavailable:
		return http.StatusServiceUnavailable
	case engine.CodeConnectFailed:
		return http.StatusBadGateway
	case engine.CodeResourceExhausted:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError && !errors.Is(err, engine.ErrDeviceUnavailable) {
		h.logger.Error("engine call failed",
			zap.String("path", r.URL.Path),
			zap.String("code", code.String()),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      code.String(),
		Message:   err.Error(),
		RequestID: RequestIDFrom(r.Context()),
	}})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
		Code:      "BadRequest",
		Message:   msg,
		RequestID: RequestIDFrom(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
