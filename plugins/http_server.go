package plugins

import (
	"encoding/json"
	"net/http"
)

// NewHTTPHandler serves plugin over the HTTP plugin protocol understood by
// HTTPAdapter.
func NewHTTPHandler(plugin Plugin) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /initialize", func(w http.ResponseWriter, r *http.Request) {
		var req httpInitializeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		if err := plugin.Initialize(r.Context(), req.Config); err != nil {
			writeJSON(w, http.StatusOK, httpInitializeResponse{Success: false, Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, httpInitializeResponse{Success: true})
	})

	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		tools, err := plugin.GetTools(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if tools == nil {
			tools = []ToolDefinition{}
		}
		writeJSON(w, http.StatusOK, httpToolsResponse{Tools: tools})
	})

	mux.HandleFunc("POST /tools/{name}", func(w http.ResponseWriter, r *http.Request) {
		var req httpCallRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
				return
			}
		}
		res, err := plugin.CallTool(r.Context(), r.PathValue("name"), req.Arguments)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, httpCallResponse{Success: res.Success, Data: res.Data, Error: res.Error})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		healthy, err := plugin.HealthCheck(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, httpHealthResponse{Healthy: healthy})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
