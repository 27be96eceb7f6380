package hubsim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/saaga0h/iothub-device-samples/pkg/iothub"
)

const (
	defaultMethodTimeout = 30 * time.Second
	maxBodySize          = 256 << 10
)

// API is the service-side control surface of the simulator
type API struct {
	hub    *Hub
	logger *slog.Logger
}

// NewAPI creates the control API for hub
func NewAPI(hub *Hub, logger *slog.Logger) *API {
	return &API{hub: hub, logger: logger}
}

// Register mounts the control routes on router
func (a *API) Register(router *mux.Router) {
	router.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/twin", a.getTwin).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/twin/desired", a.patchDesired).Methods(http.MethodPatch, http.MethodPost)
	router.HandleFunc("/devices/{device_id}/methods/{method_name}", a.invokeMethod).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/messages", a.sendMessage).Methods(http.MethodPost)
	router.HandleFunc("/devices/{device_id}/telemetry", a.getTelemetry).Methods(http.MethodGet)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := a.hub.Devices()
	out := make(map[string]string, len(devices))
	for id, at := range devices {
		out[id] = at.Format(time.RFC3339)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) getTwin(w http.ResponseWriter, r *http.Request) {
	twin, err := a.hub.Twin(r.Context(), mux.Vars(r)["device_id"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, twin)
}

func (a *API) patchDesired(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var patch map[string]any
	if err := json.Unmarshal(body, &patch); err != nil || patch == nil {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}

	version, err := a.hub.SetDesired(r.Context(), mux.Vars(r)["device_id"], patch)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"$version": version})
}

func (a *API) invokeMethod(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		http.Error(w, "invalid json data", http.StatusBadRequest)
		return
	}

	timeout := defaultMethodTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = time.Duration(sec) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result, err := a.hub.InvokeMethod(ctx, vars["device_id"], vars["method_name"], payload)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	props := iothub.Properties{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			props[k] = v[0]
		}
	}

	id, err := a.hub.SendC2D(mux.Vars(r)["device_id"], payload, props)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id})
}

func (a *API) getTelemetry(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := a.hub.Telemetry(r.Context(), mux.Vars(r)["device_id"], limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrMethodTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, ErrNoPublisher):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		a.logger.Error("Control API request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", "error", err)
	}
}
