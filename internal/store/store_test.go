package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "concierge.db")
	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateConversation("user-1")
	assert.NoError(t, err)
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	got, err := s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.False(t, got.AllowSecondAssistant)

	_, err = s.GetConversation("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversationsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	second, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	_, err = s.CreateConversation("other-user")
	require.NoError(t, err)

	list, err := s.ListConversations("user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestSetSecondAssistant(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)

	require.NoError(t, s.SetSecondAssistant(conv.ID, true))
	got, err := s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.True(t, got.AllowSecondAssistant)

	require.NoError(t, s.SetSecondAssistant(conv.ID, false))
	got, err = s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.False(t, got.AllowSecondAssistant)

	assert.ErrorIs(t, s.SetSecondAssistant("missing", true), ErrNotFound)
}

func TestSetPreferredReply(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	turn, err := s.AppendTurn(conv.ID, "hello")
	require.NoError(t, err)

	require.NoError(t, s.SetPreferredReply(turn.ID, 2))
	assert.Error(t, s.SetPreferredReply(turn.ID, 3))
	assert.ErrorIs(t, s.SetPreferredReply("missing", 1), ErrNotFound)
}

func TestReplyLifecycle(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	turn, err := s.AppendTurn(conv.ID, "find me a hotel")
	require.NoError(t, err)

	reply, err := s.AppendReply(turn.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "created", reply.Status)
	assert.True(t, reply.IsUpdating)

	// The same slot cannot be claimed twice for one turn.
	_, err = s.AppendReply(turn.ID, 1)
	assert.Error(t, err)

	snapshot := map[string]interface{}{"status": "ner_started"}
	require.NoError(t, s.UpdateSnapshot(reply.ID, "ner_started", snapshot))

	status, err := s.GetStatus(reply.ID)
	require.NoError(t, err)
	require.True(t, status.Found)
	assert.Equal(t, "ner_started", status.Status)
	assert.True(t, status.IsUpdating)
	assert.JSONEq(t, `{"status": "ner_started"}`, string(status.Snapshot))

	require.NoError(t, s.MarkReplyFinal(reply.ID, "Here are some options."))
	status, err = s.GetStatus(reply.ID)
	require.NoError(t, err)
	assert.Equal(t, "Here are some options.", status.Content)
	assert.False(t, status.IsUpdating)
}

func TestGetStatusUnknownReply(t *testing.T) {
	s := newTestStore(t)

	status, err := s.GetStatus("no-such-reply")
	require.NoError(t, err)
	assert.False(t, status.Found)
}

func TestCriticScoreAndBackfillQuery(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	turn, err := s.AppendTurn(conv.ID, "hi")
	require.NoError(t, err)

	finished, err := s.AppendReply(turn.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(finished.ID, "done"))

	inflight, err := s.AppendReply(turn.ID, 2)
	require.NoError(t, err)

	missing, err := s.RepliesMissingScore(conv.ID)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, finished.ID, missing[0].ID)
	assert.Equal(t, inflight.TurnID, missing[0].TurnID)

	require.NoError(t, s.SetCriticScore(finished.ID, 7.5))
	missing, err = s.RepliesMissingScore(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, missing)

	got, err := s.GetReply(finished.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CriticScore)
	assert.Equal(t, 7.5, *got.CriticScore)
}

func TestConversationHistory(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)

	turn1, err := s.AppendTurn(conv.ID, "first question")
	require.NoError(t, err)
	reply1, err := s.AppendReply(turn1.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(reply1.ID, "first answer"))

	// Dual-assistant turn where the user preferred slot 2.
	turn2, err := s.AppendTurn(conv.ID, "second question")
	require.NoError(t, err)
	reply2a, err := s.AppendReply(turn2.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(reply2a.ID, "slot one answer"))
	reply2b, err := s.AppendReply(turn2.ID, 2)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(reply2b.ID, "slot two answer"))
	require.NoError(t, s.SetPreferredReply(turn2.ID, 2))

	// A turn whose reply is still in flight contributes no assistant
	// message.
	turn3, err := s.AppendTurn(conv.ID, "third question")
	require.NoError(t, err)
	_, err = s.AppendReply(turn3.ID, 1)
	require.NoError(t, err)

	history, err := s.ConversationHistory(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
		{Role: "assistant", Content: "slot two answer"},
		{Role: "user", Content: "third question"},
	}, history)
}

func TestSearchHistory(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	turn, err := s.AppendTurn(conv.ID, "hotels in Paris")
	require.NoError(t, err)

	withSearch, err := s.AppendReply(turn.ID, 1)
	require.NoError(t, err)
	snapshot := map[string]interface{}{
		"status": "response_generated",
		"search_results": map[string]interface{}{
			"timestamp":   "2026-08-30T12:00:00Z",
			"parameters":  "city=Paris, stars=4",
			"num_matches": 3,
		},
	}
	require.NoError(t, s.UpdateSnapshot(withSearch.ID, "response_generated", snapshot))

	withoutSearch, err := s.AppendReply(turn.ID, 2)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSnapshot(withoutSearch.ID, "response_generated",
		map[string]interface{}{"status": "response_generated"}))

	entries, err := s.SearchHistory(conv.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "city=Paris, stars=4", entries[0].Parameters)
	assert.Equal(t, 3, entries[0].NumMatches)
}

func TestHistoryForReply(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)

	turn1, err := s.AppendTurn(conv.ID, "first question")
	require.NoError(t, err)
	r1a, err := s.AppendReply(turn1.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(r1a.ID, "slot one answer"))
	r1b, err := s.AppendReply(turn1.ID, 2)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(r1b.ID, "slot two answer"))
	require.NoError(t, s.SetPreferredReply(turn1.ID, 2))

	turn2, err := s.AppendTurn(conv.ID, "second question")
	require.NoError(t, err)
	r2a, err := s.AppendReply(turn2.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(r2a.ID, "current answer"))

	// The transcript ends with the target reply's own content even when
	// the turn's preferred slot points elsewhere.
	history, err := s.HistoryForReply(r2a.ID)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "slot two answer"},
		{Role: "user", Content: "second question"},
		{Role: "assistant", Content: "current answer"},
	}, history)

	// The non-preferred reply of an earlier turn sees the same prefix
	// but its own content last.
	history, err = s.HistoryForReply(r1a.ID)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "slot one answer"},
	}, history)

	_, err = s.HistoryForReply("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationScores(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)
	turn, err := s.AppendTurn(conv.ID, "question")
	require.NoError(t, err)

	scored, err := s.AppendReply(turn.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(scored.ID, "answer one"))
	require.NoError(t, s.SetCriticScore(scored.ID, 7.5))

	unscored, err := s.AppendReply(turn.ID, 2)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(unscored.ID, "answer two"))

	scores, err := s.ConversationScores(conv.ID)
	require.NoError(t, err)
	require.Len(t, scores, 2)

	assert.Equal(t, scored.ID, scores[0].ReplyID)
	require.NotNil(t, scores[0].Score)
	assert.Equal(t, 7.5, *scores[0].Score)

	assert.Equal(t, unscored.ID, scores[1].ReplyID)
	assert.Nil(t, scores[1].Score)
}

func TestHistoryForTurn(t *testing.T) {
	s := newTestStore(t)

	conv, err := s.CreateConversation("user-1")
	require.NoError(t, err)

	turn1, err := s.AppendTurn(conv.ID, "first question")
	require.NoError(t, err)
	r1, err := s.AppendReply(turn1.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(r1.ID, "first answer"))

	turn2, err := s.AppendTurn(conv.ID, "second question")
	require.NoError(t, err)
	r2, err := s.AppendReply(turn2.ID, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkReplyFinal(r2.ID, "sibling answer"))

	// The turn's own replies never appear, finalized or not.
	history, err := s.HistoryForTurn(turn2.ID)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "second question"},
	}, history)

	_, err = s.HistoryForTurn("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
