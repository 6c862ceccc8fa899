package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"concierge/internal/logging"
)

// CreateConversation starts a new conversation for userID.
func (s *Store) CreateConversation(userID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, user_id, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.UserID, conv.CreatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	logging.Store("Created conversation %s for user %s", conv.ID, userID)
	return conv, nil
}

// GetConversation looks up a conversation by id.
func (s *Store) GetConversation(id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var conv Conversation
	var secondAssistant int
	err := s.db.QueryRow(
		`SELECT id, user_id, allow_second_assistant, created_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&conv.ID, &conv.UserID, &secondAssistant, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.AllowSecondAssistant = secondAssistant != 0
	return conv, nil
}

// ListConversations returns a user's conversations, newest first.
func (s *Store) ListConversations(userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, user_id, allow_second_assistant, created_at
		 FROM conversations WHERE user_id = ? ORDER BY rowid DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		var secondAssistant int
		if err := rows.Scan(&conv.ID, &conv.UserID, &secondAssistant, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.AllowSecondAssistant = secondAssistant != 0
		out = append(out, conv)
	}
	return out, rows.Err()
}

// SetSecondAssistant toggles dual-assistant mode for a conversation.
// Existing turns keep the replies they already have; the flag only
// affects turns appended afterwards.
func (s *Store) SetSecondAssistant(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if enabled {
		flag = 1
	}
	res, err := s.db.Exec(
		`UPDATE conversations SET allow_second_assistant = ? WHERE id = ?`, flag, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set second assistant flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn records a user message in a conversation.
func (s *Store) AppendTurn(conversationID, content string) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO turns (id, conversation_id, content, created_at) VALUES (?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("failed to append turn: %w", err)
	}
	return turn, nil
}

// SetPreferredReply records which assistant slot the user picked for a
// turn. Slot must be 1 or 2.
func (s *Store) SetPreferredReply(turnID string, slot int) error {
	if slot != 1 && slot != 2 {
		return fmt.Errorf("invalid reply slot %d", slot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE turns SET preferred_reply = ? WHERE id = ?`, slot, turnID,
	)
	if err != nil {
		return fmt.Errorf("failed to set preferred reply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
