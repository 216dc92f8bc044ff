package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/auth"
	"github.com/classcast/classcast/go/internal/models"
)

// WebSocketHandler handles WebSocket upgrade requests for classroom connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	jwtKey            string
	jwtIssuer         string
}

func NewWebSocketHandler(cm *ConnectionManager, jwtKey, jwtIssuer string) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		jwtKey:            jwtKey,
		jwtIssuer:         jwtIssuer,
	}
}

// HandleClassConnection authenticates and upgrades a socket. The token rides
// a query parameter because browsers cannot set headers on WebSocket dials.
// Each browser tab supplies its own tab_id; one is minted when absent.
func (h *WebSocketHandler) HandleClassConnection(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "token is required", http.StatusUnauthorized)
		return
	}

	claims, err := auth.Parse(tokenStr, h.jwtKey, h.jwtIssuer)
	if err != nil {
		log.Warn().Err(err).Msg("rejected WebSocket token")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	role := models.Role(claims.Role)
	if role != models.RoleTeacher && role != models.RoleStudent {
		http.Error(w, "unknown role", http.StatusForbidden)
		return
	}

	tabID := r.URL.Query().Get("tab_id")
	if tabID == "" {
		tabID = uuid.New().String()
	}

	if err := h.connectionManager.UpgradeConnection(w, r, claims.Subject, tabID, role); err != nil {
		log.Error().
			Err(err).
			Str("user_id", claims.Subject).
			Str("tab_id", tabID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/class", h.HandleClassConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
