package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"concierge/internal/logging"
)

// Status is what pollers see for a reply. Found is false when the id is
// unknown, which is a normal answer rather than an error.
type Status struct {
	Found       bool            `json:"found"`
	Status      string          `json:"status,omitempty"`
	Content     string          `json:"content,omitempty"`
	IsUpdating  bool            `json:"is_updating,omitempty"`
	CriticScore *float64        `json:"critic_score,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
}

// AppendReply creates a fresh in-progress reply row for a turn slot.
func (s *Store) AppendReply(turnID string, slot int) (Reply, error) {
	if slot != 1 && slot != 2 {
		return Reply{}, fmt.Errorf("invalid reply slot %d", slot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reply := Reply{
		ID:         uuid.NewString(),
		TurnID:     turnID,
		Slot:       slot,
		Status:     "created",
		Snapshot:   json.RawMessage(`{}`),
		IsUpdating: true,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO replies (id, turn_id, slot, created_at) VALUES (?, ?, ?, ?)`,
		reply.ID, reply.TurnID, reply.Slot, reply.CreatedAt,
	)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to append reply: %w", err)
	}
	return reply, nil
}

// UpdateSnapshot replaces a reply's status and snapshot blob in one
// write. The snapshot is marshaled here so callers pass their state
// struct directly.
func (s *Store) UpdateSnapshot(replyID, status string, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE replies SET status = ?, snapshot = ? WHERE id = ?`,
		status, string(data), replyID,
	)
	if err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	logging.StoreDebug("Reply %s -> %s", replyID, status)
	return nil
}

// MarkReplyFinal stores the user-visible content and clears the
// is_updating flag. The status set by the last UpdateSnapshot stands.
func (s *Store) MarkReplyFinal(replyID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE replies SET content = ?, is_updating = 0 WHERE id = ?`,
		content, replyID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize reply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCriticScore records the critic's verdict for a reply.
func (s *Store) SetCriticScore(replyID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE replies SET critic_score = ? WHERE id = ?`, score, replyID,
	)
	if err != nil {
		return fmt.Errorf("failed to set critic score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RepliesMissingScore returns the finished replies of a conversation
// that the critic has not scored yet. Replies still being generated are
// skipped; they get scored by their own pipeline run.
func (s *Store) RepliesMissingScore(conversationID string) ([]Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT r.id, r.turn_id, r.slot, r.content, r.status, r.snapshot, r.critic_score, r.is_updating, r.created_at
		 FROM replies r JOIN turns t ON r.turn_id = t.id
		 WHERE t.conversation_id = ? AND r.critic_score IS NULL AND r.is_updating = 0
		 ORDER BY r.rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unscored replies: %w", err)
	}
	defer rows.Close()
	return scanReplies(rows)
}

// ReplyScore pairs a reply with its critic verdict for score listings.
type ReplyScore struct {
	ReplyID string   `json:"reply_id"`
	TurnID  string   `json:"turn_id"`
	Slot    int      `json:"slot"`
	Score   *float64 `json:"score"`
}

// ConversationScores lists every reply of a conversation with its critic
// score, oldest first. Unscored replies carry a nil score.
func (s *Store) ConversationScores(conversationID string) ([]ReplyScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT r.id, r.turn_id, r.slot, r.critic_score
		 FROM replies r JOIN turns t ON r.turn_id = t.id
		 WHERE t.conversation_id = ?
		 ORDER BY r.rowid`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query scores: %w", err)
	}
	defer rows.Close()

	var out []ReplyScore
	for rows.Next() {
		var rs ReplyScore
		var score sql.NullFloat64
		if err := rows.Scan(&rs.ReplyID, &rs.TurnID, &rs.Slot, &score); err != nil {
			return nil, fmt.Errorf("failed to scan score row: %w", err)
		}
		if score.Valid {
			v := score.Float64
			rs.Score = &v
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// GetReply loads a single reply row.
func (s *Store) GetReply(replyID string) (Reply, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, turn_id, slot, content, status, snapshot, critic_score, is_updating, created_at
		 FROM replies WHERE id = ?`,
		replyID,
	)
	reply, err := scanReply(row)
	if err == sql.ErrNoRows {
		return Reply{}, ErrNotFound
	}
	if err != nil {
		return Reply{}, fmt.Errorf("failed to load reply: %w", err)
	}
	return reply, nil
}

// GetStatus answers a poll for a reply id. Unknown ids come back with
// Found=false and no error.
func (s *Store) GetStatus(replyID string) (Status, error) {
	reply, err := s.GetReply(replyID)
	if err == ErrNotFound {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		Found:       true,
		Status:      reply.Status,
		Content:     reply.Content,
		IsUpdating:  reply.IsUpdating,
		CriticScore: reply.CriticScore,
		Snapshot:    reply.Snapshot,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReply(row rowScanner) (Reply, error) {
	var reply Reply
	var snapshot string
	var score sql.NullFloat64
	var updating int
	err := row.Scan(
		&reply.ID, &reply.TurnID, &reply.Slot, &reply.Content, &reply.Status,
		&snapshot, &score, &updating, &reply.CreatedAt,
	)
	if err != nil {
		return Reply{}, err
	}
	reply.Snapshot = json.RawMessage(snapshot)
	if score.Valid {
		v := score.Float64
		reply.CriticScore = &v
	}
	reply.IsUpdating = updating != 0
	return reply, nil
}

func scanReplies(rows *sql.Rows) ([]Reply, error) {
	var out []Reply
	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reply: %w", err)
		}
		out = append(out, reply)
	}
	return out, rows.Err()
}
