package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"arena-sync/internal/entity"
	"arena-sync/internal/protocol"

	"github.com/go-chi/chi/v5"
)

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.State())
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Stats())
}

func (h *routerHandlers) handleGetVisibility(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "Invalid client id", http.StatusBadRequest)
		return
	}

	client := entity.ClientID(id)
	visible, ok := h.engine.Visibility(client)
	if !ok {
		writeError(w, "Client not connected", http.StatusNotFound)
		return
	}

	ids := make([]uint64, len(visible))
	for i, e := range visible {
		ids[i] = uint64(e)
	}
	writeJSON(w, map[string]any{
		"client":  id,
		"visible": ids,
	})
}

func (h *routerHandlers) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, protocol.Schema())
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
