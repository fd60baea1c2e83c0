// Package api provides HTTP handlers for WhaleFlow control endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/whaleflow/whaleflow/internal/models"
)

// startHandler activates a flow definition, replacing any previously loaded one.
func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startHandler: processing start request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.startHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if err := s.engine.LoadFlow(&req.Flow); err != nil {
		slog.Warn("Server.startHandler: flow rejected", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	slog.Info("Server.startHandler: flow activated", "nodes", len(req.Flow.Nodes), "edges", len(req.Flow.Edges))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot started", nil))
}

// stopHandler deactivates the engine. Persisted sessions survive and resume
// if a compatible definition is loaded again.
func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.stopHandler: processing stop request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.stopHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.engine.Stop()
	slog.Info("Server.stopHandler: engine stopped")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot stopped", nil))
}

// statsHandler reports runtime counters and the recent event log.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.statsHandler: processing stats request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.statsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	result := models.StatsResult{
		StartTime:         s.engine.StartedAt(),
		MessagesProcessed: s.engine.MessagesProcessed(),
		ActiveSessions:    s.engine.ActiveSessions(),
		Logs:              s.engine.RecentEvents(),
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// whatsappStatusHandler reports the channel connection state.
func (s *Server) whatsappStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.whatsappStatusHandler: processing status request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	result := models.ChannelStatusResult{
		Connected: s.msgService.IsReady(),
	}
	if s.waClient != nil {
		result.LoggedIn = s.waClient.IsLoggedIn()
		result.Identity = s.waClient.Identity()
	} else {
		result.LoggedIn = result.Connected
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// whatsappLogoutHandler unpairs the connected WhatsApp device.
func (s *Server) whatsappLogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.whatsappLogoutHandler: processing logout request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.waClient == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("WhatsApp client not available on this channel"))
		return
	}

	if err := s.waClient.Logout(r.Context()); err != nil {
		slog.Error("Server.whatsappLogoutHandler: logout failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to log out"))
		return
	}
	slog.Info("Server.whatsappLogoutHandler: device unpaired")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Logged out", nil))
}

// whatsappRestartHandler drops and re-establishes the WhatsApp connection.
func (s *Server) whatsappRestartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.whatsappRestartHandler: processing restart request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.waClient == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("WhatsApp client not available on this channel"))
		return
	}

	if err := s.waClient.Reconnect(); err != nil {
		slog.Error("Server.whatsappRestartHandler: reconnect failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to restart connection"))
		return
	}
	slog.Info("Server.whatsappRestartHandler: connection restarted")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Connection restarted", nil))
}
