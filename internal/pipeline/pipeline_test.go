package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/prompt"
	"concierge/internal/provider"
	"concierge/internal/store"
)

// fakeClient answers completions by routing on the rendered prompt's
// prefix, and records every prompt it saw.
type fakeClient struct {
	mu      sync.Mutex
	answer  func(prompt string) (string, error)
	onCall  func()
	prompts []string
}

func (f *fakeClient) Complete(ctx context.Context, p string, opts provider.Options) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	return f.answer(p)
}

func (f *fakeClient) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

type fakeScorer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeScorer) BackfillScores(ctx context.Context, conversationID string) {
	f.mu.Lock()
	f.calls = append(f.calls, conversationID)
	f.mu.Unlock()
}

func (f *fakeScorer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func writeTemplates(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	templates := map[string]string{
		"ner.md":              "Extract entities from: {conv}",
		"search_call.md":      "Decide search for: {preferences}",
		"search_simulator.md": "Run search: {search_query}",
		"actor.md":            "Conversation: {conv}\nSearch: {search}\nMatches: {num_matches}",
	}
	for name, body := range templates {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	return dir
}

type fixture struct {
	store      *store.Store
	pipe       *Pipeline
	extraction *fakeClient
	actor      *fakeClient
	scorer     *fakeScorer
	convID     string
	replyID    string
}

func newFixture(t *testing.T, extraction, actor *fakeClient) *fixture {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	conv, err := st.CreateConversation("user-1")
	require.NoError(t, err)
	turn, err := st.AppendTurn(conv.ID, "I need a hotel in Paris")
	require.NoError(t, err)
	reply, err := st.AppendReply(turn.ID, 1)
	require.NoError(t, err)

	scorer := &fakeScorer{}
	lib := prompt.NewLibrary(writeTemplates(t))
	pipe := New(st, lib, extraction, actor, scorer, 0.1, 0.6)
	return &fixture{
		store:      st,
		pipe:       pipe,
		extraction: extraction,
		actor:      actor,
		scorer:     scorer,
		convID:     conv.ID,
		replyID:    reply.ID,
	}
}

// routingClient builds an extraction fake covering all three extraction
// prompts.
func routingClient(nerResponse, searchCallResponse, simulatorResponse string) *fakeClient {
	return &fakeClient{answer: func(p string) (string, error) {
		switch {
		case strings.HasPrefix(p, "Extract entities"):
			return nerResponse, nil
		case strings.HasPrefix(p, "Decide search"):
			return searchCallResponse, nil
		case strings.HasPrefix(p, "Run search"):
			return simulatorResponse, nil
		}
		return "", errors.New("unexpected prompt")
	}}
}

func snapshotOf(t *testing.T, st *store.Store, replyID string) Snapshot {
	t.Helper()
	status, err := st.GetStatus(replyID)
	require.NoError(t, err)
	require.True(t, status.Found)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(status.Snapshot, &snap))
	return snap
}

func TestProcessReplyFullPipeline(t *testing.T) {
	extraction := routingClient(
		"```json\n{\"city\": \"Paris\"}\n```",
		"<function>search_func(city=Paris)</function>",
		"Number of matches: 3\nHotel name: Le Grand\nHotel name: Petit\nHotel name: Rivoli",
	)
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "<think>narrowing down</think>Here are three options.", nil
	}}
	f := newFixture(t, extraction, actor)

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	status, err := f.store.GetStatus(f.replyID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponseGenerated, status.Status)
	assert.Equal(t, "Here are three options.", status.Content)
	assert.False(t, status.IsUpdating)

	snap := snapshotOf(t, f.store, f.replyID)
	assert.Equal(t, map[string]interface{}{"city": "Paris"}, snap.NERResults)
	assert.Equal(t, "city=Paris", snap.SearchCall)
	require.NotNil(t, snap.SearchResults)
	assert.Equal(t, 3, snap.SearchResults.NumMatches)
	assert.True(t, snap.SearchResults.ShowResultsToActor)
	assert.Equal(t, "narrowing down", snap.Thinking)

	// The actor saw the listings and the count.
	actorPrompts := actor.seen()
	require.Len(t, actorPrompts, 1)
	assert.Contains(t, actorPrompts[0], "Hotel name: Le Grand")
	assert.Contains(t, actorPrompts[0], "Matches: 3")

	assert.Equal(t, 1, f.scorer.count())
}

func TestVisibilityBoundary(t *testing.T) {
	tests := []struct {
		name        string
		matches     int
		wantVisible bool
	}{
		{"at_threshold_shown", 10, true},
		{"above_threshold_withheld", 11, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			simulated := fmt.Sprintf("Number of matches: %d\nHotel name: Example", tt.matches)
			extraction := routingClient(
				"```json\n{\"city\": \"Paris\"}\n```",
				"<function>search_func(city=Paris)</function>",
				simulated,
			)
			actor := &fakeClient{answer: func(p string) (string, error) {
				return "ok", nil
			}}
			f := newFixture(t, extraction, actor)

			f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

			snap := snapshotOf(t, f.store, f.replyID)
			require.NotNil(t, snap.SearchResults)
			assert.Equal(t, tt.wantVisible, snap.SearchResults.ShowResultsToActor)

			actorPrompt := actor.seen()[0]
			assert.Contains(t, actorPrompt, fmt.Sprintf("Matches: %d", tt.matches))
			if tt.wantVisible {
				assert.Contains(t, actorPrompt, "Hotel name: Example")
			} else {
				assert.NotContains(t, actorPrompt, "Hotel name: Example")
			}
		})
	}
}

func TestEmptyPreferencesSkipSearch(t *testing.T) {
	extraction := routingClient("no structured data here", "", "")
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "What city are you visiting?", nil
	}}
	f := newFixture(t, extraction, actor)

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	snap := snapshotOf(t, f.store, f.replyID)
	assert.Equal(t, StatusResponseGenerated, snap.Status)
	assert.Empty(t, snap.SearchCall)
	assert.Nil(t, snap.SearchResults)

	// Only the NER prompt ever reached the extraction client.
	require.Len(t, extraction.seen(), 1)
	assert.True(t, strings.HasSuffix(actor.seen()[0], "Matches: "))
}

func TestSearchDeclinedByTrigger(t *testing.T) {
	extraction := routingClient(
		"```json\n{\"city\": \"Paris\"}\n```",
		"No search needed yet.",
		"",
	)
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "Tell me more.", nil
	}}
	f := newFixture(t, extraction, actor)

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	snap := snapshotOf(t, f.store, f.replyID)
	assert.Equal(t, StatusResponseGenerated, snap.Status)
	assert.Empty(t, snap.SearchCall)
	assert.Nil(t, snap.SearchResults)
	// NER and trigger ran, the simulator did not.
	assert.Len(t, extraction.seen(), 2)
}

func TestNERFailureContinuesWithoutSearch(t *testing.T) {
	extraction := &fakeClient{answer: func(p string) (string, error) {
		return "", &provider.Error{Kind: provider.ErrTransport, Message: "connection refused"}
	}}
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "How can I help?", nil
	}}
	f := newFixture(t, extraction, actor)

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	status, err := f.store.GetStatus(f.replyID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponseGenerated, status.Status)
	assert.Equal(t, "How can I help?", status.Content)

	snap := snapshotOf(t, f.store, f.replyID)
	assert.NotEmpty(t, snap.NERError)
	assert.Nil(t, snap.SearchResults)
}

func TestNoMatchesPhraseYieldsZero(t *testing.T) {
	extraction := routingClient(
		"```json\n{\"city\": \"Atlantis\"}\n```",
		"<function>search_func(city=Atlantis)</function>",
		"Unfortunately there were no matches for this query.",
	)
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "Nothing found, try different criteria.", nil
	}}
	f := newFixture(t, extraction, actor)

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	snap := snapshotOf(t, f.store, f.replyID)
	require.NotNil(t, snap.SearchResults)
	assert.Equal(t, 0, snap.SearchResults.NumMatches)
	assert.True(t, snap.SearchResults.ShowResultsToActor)
}

func TestActorTemplateMissing(t *testing.T) {
	extraction := routingClient("no prefs", "", "")
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "unreachable", nil
	}}
	f := newFixture(t, extraction, actor)
	require.NoError(t, os.Remove(filepath.Join(f.pipe.prompts.Dir(), "actor.md")))

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	status, err := f.store.GetStatus(f.replyID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponseError, status.Status)
	assert.Equal(t, FallbackResponse, status.Content)
	assert.False(t, status.IsUpdating)
	assert.Empty(t, actor.seen())
	assert.Zero(t, f.scorer.count())
}

func TestActorProviderFailureFallsBack(t *testing.T) {
	extraction := routingClient("no prefs", "", "")
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "", &provider.Error{Kind: provider.ErrTransport, Message: "timeout"}
	}}
	f := newFixture(t, extraction, actor)

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	// The reply still completes; the failure detail lives in the
	// snapshot and the critic still gets its chance.
	status, err := f.store.GetStatus(f.replyID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponseGenerated, status.Status)
	assert.Equal(t, FallbackResponse, status.Content)
	assert.False(t, status.IsUpdating)

	snap := snapshotOf(t, f.store, f.replyID)
	assert.NotEmpty(t, snap.ResponseError)
	assert.Equal(t, 1, f.scorer.count())
}

func TestDeriveMatchCount(t *testing.T) {
	tests := []struct {
		name    string
		results string
		want    int
	}{
		{"quoted_marker", `{"Number of matches": 7}`, 7},
		{"plain_marker", "Number of matches: 12", 12},
		{"found_phrase", "We Found 4 matches for you", 4},
		{"results_found", "There were 9 results found", 9},
		{"hotels_match", "25 hotels match your criteria", 25},
		{"marker_beats_listing_count", "Number of matches: 2\nHotel name: A\nHotel name: B\nHotel name: C", 2},
		{"no_matches_phrase", "Sorry, no matches were available", 0},
		{"zero_results_phrase", "The search returned 0 results this time", 0},
		{"listing_count_fallback", "Hotel name: A\nHotel name: B", 2},
		{"no_signal_defaults_high", "Some unstructured rambling", defaultMatchCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveMatchCount(tt.results))
		})
	}
}

// observeStatuses samples the persisted reply status at every provider
// call. Transitions are persisted before the call that follows them, so
// the samples are exactly what a poller could see at those moments.
func observeStatuses(t *testing.T, f *fixture) *[]string {
	t.Helper()
	observed := &[]string{}
	sample := func() {
		status, err := f.store.GetStatus(f.replyID)
		require.NoError(t, err)
		require.True(t, status.Found)
		*observed = append(*observed, status.Status)
	}
	f.extraction.onCall = sample
	f.actor.onCall = sample
	return observed
}

func TestStatusChainHappyPath(t *testing.T) {
	extraction := routingClient(
		"```json\n{\"city\": \"Paris\"}\n```",
		"<function>search_func(city=Paris)</function>",
		"Number of matches: 2\nHotel name: A\nHotel name: B",
	)
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "Two options for you.", nil
	}}
	f := newFixture(t, extraction, actor)
	observed := observeStatuses(t, f)

	f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

	status, err := f.store.GetStatus(f.replyID)
	require.NoError(t, err)
	*observed = append(*observed, status.Status)

	// Each provider call sees the transition persisted just before it,
	// and the statuses only ever move forward.
	assert.Equal(t, []string{
		StatusNERStarted,
		StatusSearchStarted,
		StatusSearchCallCompleted,
		StatusGenerating,
		StatusResponseGenerated,
	}, *observed)
}

func TestStatusChainAfterStageErrors(t *testing.T) {
	t.Run("ner_error_then_generating", func(t *testing.T) {
		extraction := &fakeClient{answer: func(p string) (string, error) {
			return "", &provider.Error{Kind: provider.ErrTransport, Message: "down"}
		}}
		actor := &fakeClient{answer: func(p string) (string, error) {
			return "Carrying on.", nil
		}}
		f := newFixture(t, extraction, actor)
		observed := observeStatuses(t, f)

		f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

		status, err := f.store.GetStatus(f.replyID)
		require.NoError(t, err)
		*observed = append(*observed, status.Status)

		// The persisted ner_error state is followed only by
		// generating_response, never by another extraction state.
		assert.Equal(t, []string{
			StatusNERStarted,
			StatusGenerating,
			StatusResponseGenerated,
		}, *observed)
	})

	t.Run("search_error_then_generating", func(t *testing.T) {
		extraction := &fakeClient{answer: func(p string) (string, error) {
			if strings.HasPrefix(p, "Extract entities") {
				return "```json\n{\"city\": \"Paris\"}\n```", nil
			}
			return "", &provider.Error{Kind: provider.ErrTransport, Message: "down"}
		}}
		actor := &fakeClient{answer: func(p string) (string, error) {
			return "Carrying on.", nil
		}}
		f := newFixture(t, extraction, actor)
		observed := observeStatuses(t, f)

		f.pipe.ProcessReply(context.Background(), f.convID, f.replyID, 1)

		status, err := f.store.GetStatus(f.replyID)
		require.NoError(t, err)
		*observed = append(*observed, status.Status)

		assert.Equal(t, []string{
			StatusNERStarted,
			StatusSearchStarted,
			StatusGenerating,
			StatusResponseGenerated,
		}, *observed)

		snap := snapshotOf(t, f.store, f.replyID)
		assert.NotEmpty(t, snap.SearchError)
	})
}

func TestSiblingSlotAnswerStaysOutOfHistory(t *testing.T) {
	extraction := routingClient("no structured data", "", "")
	actor := &fakeClient{answer: func(p string) (string, error) {
		return "Slot two speaking.", nil
	}}
	f := newFixture(t, extraction, actor)

	// Slot 1 already answered the same turn before slot 2 starts.
	reply1, err := f.store.GetReply(f.replyID)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkReplyFinal(f.replyID, "Slot one already answered."))
	reply2, err := f.store.AppendReply(reply1.TurnID, 2)
	require.NoError(t, err)

	f.pipe.ProcessReply(context.Background(), f.convID, reply2.ID, 2)

	status, err := f.store.GetStatus(reply2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResponseGenerated, status.Status)

	for _, seen := range append(extraction.seen(), actor.seen()...) {
		assert.NotContains(t, seen, "Slot one already answered.")
		assert.Contains(t, seen, "I need a hotel in Paris")
	}
}
