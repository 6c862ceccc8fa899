package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"concierge/internal/logging"
	"concierge/internal/pipeline"
	"concierge/internal/store"
	"concierge/internal/worker"
)

type chatRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

type replyRef struct {
	ReplyID string `json:"reply_id"`
	Slot    int    `json:"slot"`
}

type chatResponse struct {
	ConversationID string     `json:"conversation_id"`
	TurnID         string     `json:"turn_id"`
	Replies        []replyRef `json:"replies"`
	Status         string     `json:"status"`
}

// handleChat appends a user turn, creates the reply rows, and enqueues
// their pipelines. The response returns ids immediately; clients poll
// /chat/status/{replyID} for progress.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON")
		return
	}
	if req.UserID == "" || req.Content == "" {
		writeBadRequest(w, "user_id and content are required")
		return
	}

	var conv store.Conversation
	var err error
	if req.ConversationID == "" {
		conv, err = s.store.CreateConversation(req.UserID)
		if err != nil {
			writeInternalError(w, err.Error())
			return
		}
	} else {
		conv, err = s.store.GetConversation(req.ConversationID)
		if err == store.ErrNotFound {
			writeNotFound(w, "conversation not found")
			return
		}
		if err != nil {
			writeInternalError(w, err.Error())
			return
		}
		if conv.UserID != req.UserID {
			writeError(w, http.StatusForbidden, "conversation belongs to another user")
			return
		}
	}

	turn, err := s.store.AppendTurn(conv.ID, req.Content)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}

	slots := []int{1}
	if conv.AllowSecondAssistant {
		slots = append(slots, 2)
	}

	var refs []replyRef
	for _, slot := range slots {
		reply, err := s.store.AppendReply(turn.ID, slot)
		if err != nil {
			writeInternalError(w, err.Error())
			return
		}
		if err := s.enqueue(conv.ID, reply.ID, slot); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		refs = append(refs, replyRef{ReplyID: reply.ID, Slot: slot})
	}

	writeJSON(w, http.StatusAccepted, chatResponse{
		ConversationID: conv.ID,
		TurnID:         turn.ID,
		Replies:        refs,
		Status:         "processing_started",
	})
}

// enqueue hands a reply to the worker queue. A rejected submission
// finalizes the reply with the fallback so the client is not left
// polling a row nobody will ever touch.
func (s *Server) enqueue(conversationID, replyID string, slot int) error {
	err := s.queue.Submit(replyID, func(ctx context.Context) {
		s.pipe.ProcessReply(ctx, conversationID, replyID, slot)
	})
	if err == nil {
		return nil
	}
	logging.Get(logging.CategoryServer).Errorf("Failed to enqueue reply %s: %v", replyID, err)
	if !errors.Is(err, worker.ErrTaskInFlight) {
		_ = s.store.UpdateSnapshot(replyID, pipeline.StatusError, map[string]string{"status": pipeline.StatusError, "error": err.Error()})
		_ = s.store.MarkReplyFinal(replyID, pipeline.FallbackResponse)
	}
	return err
}

// handleStatus reports the current processing state of a reply. An
// unknown id is not_found with a 404, matching what pollers expect.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	replyID := mux.Vars(r)["replyID"]
	status, err := s.store.GetStatus(replyID)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	if !status.Found {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status.Status,
		"content":         status.Content,
		"is_updating":     status.IsUpdating,
		"critic_score":    status.CriticScore,
		"processing_data": status.Snapshot,
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}
	list, err := s.store.ListConversations(userID)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": list,
		"count":         len(list),
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := s.store.GetConversation(id)
	if err == store.ErrNotFound {
		writeNotFound(w, "conversation not found")
		return
	}
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	history, err := s.store.ConversationHistory(id)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": conv,
		"history":      history,
	})
}

func (s *Server) handleSecondAssistant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON")
		return
	}
	if err := s.store.SetSecondAssistant(id, req.Enabled); err != nil {
		if err == store.ErrNotFound {
			writeNotFound(w, "conversation not found")
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id":        id,
		"allow_second_assistant": req.Enabled,
	})
}

func (s *Server) handlePrefer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Slot int `json:"slot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON")
		return
	}
	if err := s.store.SetPreferredReply(id, req.Slot); err != nil {
		if err == store.ErrNotFound {
			writeNotFound(w, "turn not found")
			return
		}
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"turn_id":        id,
		"preferred_slot": req.Slot,
	})
}

// handleScore backfills missing critic scores for a conversation and
// returns the full score listing. The backfill runs synchronously here;
// this endpoint exists for review tooling, not the chat latency path.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetConversation(id); err != nil {
		if err == store.ErrNotFound {
			writeNotFound(w, "conversation not found")
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	if s.scorer != nil {
		s.scorer.BackfillScores(r.Context(), id)
	}
	scores, err := s.store.ConversationScores(id)
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"scores":          scores,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"queue_depth":     s.queue.Depth(),
		"tasks_completed": s.queue.Completed(),
	})
}
