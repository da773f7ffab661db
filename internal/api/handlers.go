package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/util"
)

// startResult is the /chat/start payload: the opening reply plus the session
// id the widget must echo on subsequent messages.
type startResult struct {
	SessionID string `json:"session_id"`
	models.EngineReply
}

// chatRequest is the body for /chat/start and /chat/message.
type chatRequest struct {
	ChatbotID string `json:"chatbot_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (r chatRequest) validateIDs() string {
	if strings.TrimSpace(r.ChatbotID) == "" {
		return "chatbot_id is required"
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return "session_id is required"
	}
	return ""
}

func (s *Server) chatStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatStartHandler: processing start request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatStartHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.ChatbotID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("chatbot_id is required"))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = util.GenerateSessionID()
	}

	reply, err := s.engine.StartConversation(r.Context(), req.ChatbotID, req.SessionID)
	if err != nil {
		slog.Error("Server.chatStartHandler: failed to start conversation",
			"chatbotID", req.ChatbotID, "sessionID", req.SessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		return
	}
	slog.Info("Server.chatStartHandler: conversation started",
		"chatbotID", req.ChatbotID, "sessionID", req.SessionID)
	writeJSONResponse(w, http.StatusOK, models.Success(startResult{
		SessionID:   req.SessionID,
		EngineReply: *reply,
	}))
}

func (s *Server) chatMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.chatMessageHandler: processing message", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg := req.validateIDs(); msg != "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(msg))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("message is required"))
		return
	}

	reply, err := s.engine.HandleUserMessage(r.Context(), req.ChatbotID, req.SessionID, req.Message)
	if err != nil {
		slog.Error("Server.chatMessageHandler: failed to handle message",
			"chatbotID", req.ChatbotID, "sessionID", req.SessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to handle message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

// leadsHandler lists lead records for a chatbot.
func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.leadsHandler: processing list request", "method", r.Method)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	chatbotID := r.URL.Query().Get("chatbot_id")
	if chatbotID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("chatbot_id query parameter is required"))
		return
	}

	leads, err := s.store.ListLeads(chatbotID)
	if err != nil {
		slog.Error("Server.leadsHandler: failed to list leads", "chatbotID", chatbotID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list leads"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(leads))
}

// leadHandler fetches or deletes one lead record by id.
func (s *Server) leadHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/leads/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		lead, err := s.store.GetLeadByID(id)
		if err != nil {
			slog.Error("Server.leadHandler: failed to get lead", "id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get lead"))
			return
		}
		if lead == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Lead not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(lead))
	case http.MethodDelete:
		if err := s.store.DeleteLead(id); err != nil {
			slog.Error("Server.leadHandler: failed to delete lead", "id", id, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete lead"))
			return
		}
		slog.Info("Server.leadHandler: lead deleted", "id", id)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Lead deleted", nil))
	default:
		w.Header().Set("Allow", "GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// healthHandler provides a liveness endpoint for monitoring.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
