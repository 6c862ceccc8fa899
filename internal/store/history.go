package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"concierge/internal/logging"
)

// Message is one role/content pair of the conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SearchEntry summarizes one simulated search taken from a reply
// snapshot.
type SearchEntry struct {
	Timestamp  string `json:"timestamp"`
	Parameters string `json:"parameters"`
	NumMatches int    `json:"num_matches"`
}

// snapshotSearch is the slice of the snapshot blob the store needs to
// read back; the pipeline owns the full shape.
type snapshotSearch struct {
	SearchResults *struct {
		Timestamp  string `json:"timestamp"`
		Parameters string `json:"parameters"`
		NumMatches int    `json:"num_matches"`
	} `json:"search_results"`
}

// ConversationHistory reconstructs the transcript as alternating user
// and assistant messages. For each turn the preferred reply slot is
// used (slot 1 when the user never picked); replies still in flight or
// empty are left out so the history never shows half-finished answers.
func (s *Store) ConversationHistory(conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT t.content, COALESCE(NULLIF(t.preferred_reply, 0), 1),
		        COALESCE(r.content, ''), COALESCE(r.is_updating, 1)
		 FROM turns t
		 LEFT JOIN replies r
		   ON r.turn_id = t.id AND r.slot = COALESCE(NULLIF(t.preferred_reply, 0), 1)
		 WHERE t.conversation_id = ?
		 ORDER BY t.rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var userContent, replyContent string
		var slot, updating int
		if err := rows.Scan(&userContent, &slot, &replyContent, &updating); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		history = append(history, Message{Role: "user", Content: userContent})
		if replyContent != "" && updating == 0 {
			history = append(history, Message{Role: "assistant", Content: replyContent})
		}
	}
	return history, rows.Err()
}

// HistoryForTurn builds the transcript as seen when the given turn was
// asked: every earlier turn with its preferred finalized reply, ending
// with this turn's user message. The turn's own replies are excluded, so
// two assistant slots answering the same message never see each other's
// answers.
func (s *Store) HistoryForTurn(turnID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convID string
	err := s.db.QueryRow(`SELECT conversation_id FROM turns WHERE id = ?`, turnID).Scan(&convID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load turn: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT t.id, t.content, COALESCE(r.content, ''), COALESCE(r.is_updating, 1)
		 FROM turns t
		 LEFT JOIN replies r
		   ON r.turn_id = t.id AND r.slot = COALESCE(NULLIF(t.preferred_reply, 0), 1)
		 WHERE t.conversation_id = ?
		   AND t.rowid <= (SELECT rowid FROM turns WHERE id = ?)
		 ORDER BY t.rowid`,
		convID, turnID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for turn: %w", err)
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var rowTurnID, userContent, replyContent string
		var updating int
		if err := rows.Scan(&rowTurnID, &userContent, &replyContent, &updating); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		history = append(history, Message{Role: "user", Content: userContent})
		if rowTurnID != turnID && replyContent != "" && updating == 0 {
			history = append(history, Message{Role: "assistant", Content: replyContent})
		}
	}
	return history, rows.Err()
}

// HistoryForReply builds the transcript the critic judges: the history
// up to the reply's turn, ending with this reply's content as the last
// assistant message.
func (s *Store) HistoryForReply(replyID string) ([]Message, error) {
	reply, err := s.GetReply(replyID)
	if err != nil {
		return nil, err
	}
	history, err := s.HistoryForTurn(reply.TurnID)
	if err != nil {
		return nil, err
	}
	return append(history, Message{Role: "assistant", Content: reply.Content}), nil
}

// SearchHistory collects the search records embedded in the
// conversation's reply snapshots, oldest first. Snapshots that do not
// parse are skipped with a debug log; a corrupt blob must not break the
// pipeline stages that render search history into prompts.
func (s *Store) SearchHistory(conversationID string) ([]SearchEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT r.id, r.snapshot
		 FROM replies r JOIN turns t ON r.turn_id = t.id
		 WHERE t.conversation_id = ?
		 ORDER BY r.rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load search history: %w", err)
	}
	defer rows.Close()

	var out []SearchEntry
	for rows.Next() {
		var replyID, blob string
		if err := rows.Scan(&replyID, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var snap snapshotSearch
		if err := json.Unmarshal([]byte(blob), &snap); err != nil {
			logging.StoreDebug("Skipping unparseable snapshot for reply %s: %v", replyID, err)
			continue
		}
		if snap.SearchResults == nil {
			continue
		}
		out = append(out, SearchEntry{
			Timestamp:  snap.SearchResults.Timestamp,
			Parameters: snap.SearchResults.Parameters,
			NumMatches: snap.SearchResults.NumMatches,
		})
	}
	return out, rows.Err()
}
