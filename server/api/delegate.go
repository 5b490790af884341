package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/zetina-go/zetina/x/delegator"
	"github.com/zetina-go/zetina/x/job"
)

// DelegateHandler exposes the delegator controller over HTTP, per
// spec.md §6: POST /delegate to submit a job, GET /job_events to stream
// its lifecycle, GET /health for liveness.
type DelegateHandler struct {
	delegator *delegator.Delegator
	log       zerolog.Logger
}

func NewDelegateHandler(d *delegator.Delegator, log zerolog.Logger) *DelegateHandler {
	return &DelegateHandler{delegator: d, log: log.With().Str("component", "delegate-handler").Logger()}
}

func (h *DelegateHandler) RegisterMux(r *mux.Router) {
	r.HandleFunc("/delegate", h.handleDelegate).Methods(http.MethodPost)
	r.HandleFunc("/job_events", h.handleJobEvents).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
}

type delegateRequest struct {
	Reward             uint32 `json:"reward"`
	NumOfSteps         uint32 `json:"num_of_steps"`
	CairoPieCompressed []byte `json:"cairo_pie_compressed"`
	RegistryAddressHex string `json:"registry_address_hex"`
}

type delegateResponse struct {
	JobKey string `json:"job_key"`
}

func (h *DelegateHandler) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return
	}
	if len(req.CairoPieCompressed) == 0 {
		WriteError(w, r, http.StatusBadRequest, "bad_request", "cairo_pie_compressed must not be empty", nil)
		return
	}

	var registryAddress job.FieldElement
	if req.RegistryAddressHex != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(req.RegistryAddressHex, "0x"))
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "bad_request", "registry_address_hex is not valid hex", nil)
			return
		}
		registryAddress, err = job.FieldElementFromBytes(raw)
		if err != nil {
			WriteError(w, r, http.StatusBadRequest, "bad_request", err.Error(), nil)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	key, err := h.delegator.Delegate(ctx, job.Data{
		Reward:             req.Reward,
		NumOfSteps:         req.NumOfSteps,
		CairoPieCompressed: req.CairoPieCompressed,
		RegistryAddress:    registryAddress,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("delegate request failed")
		WriteError(w, r, http.StatusInternalServerError, "delegate_failed", err.Error(), nil)
		return
	}

	WriteJSON(w, http.StatusAccepted, delegateResponse{JobKey: key.String()})
}

// handleJobEvents streams every Delegator event as server-sent events.
// It is a broadcast firehose, not filtered per job_key: spec.md §6 shows
// this endpoint for context rather than as a finished multi-tenant API.
func (h *DelegateHandler) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-h.delegator.Events():
			if !ok {
				return
			}
			body, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, body)
			flusher.Flush()
		}
	}
}

func (h *DelegateHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
