// Package critic evaluates finished assistant replies with a judge
// model. Scoring happens off the request path: the pipeline triggers a
// backfill after each generated reply, and an endpoint exposes the same
// backfill on demand. A score of -1.0 means evaluation failed, which is
// still recorded so the same reply is not retried forever.
package critic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"concierge/internal/logging"
	"concierge/internal/parse"
	"concierge/internal/prompt"
	"concierge/internal/provider"
	"concierge/internal/store"
)

const (
	maxAttempts      = 2
	attemptBackoff   = 2 * time.Second
	scoreConcurrency = 2
)

// Engine runs critic evaluations against a judge model.
type Engine struct {
	store       *store.Store
	prompts     *prompt.Library
	client      provider.Client
	temperature float64
	backoff     time.Duration
}

// New wires a critic engine.
func New(st *store.Store, prompts *prompt.Library, client provider.Client, temperature float64) *Engine {
	return &Engine{store: st, prompts: prompts, client: client, temperature: temperature, backoff: attemptBackoff}
}

// complete calls the judge model with bounded retries. Only provider
// failures are retried; there is nothing to retry about a bad parse.
func (e *Engine) complete(ctx context.Context, rendered string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err := e.client.Complete(ctx, rendered, provider.Options{
			Temperature: e.temperature,
		})
		if err == nil {
			return response, nil
		}
		lastErr = err
		logging.Get(logging.CategoryCritic).Warnf("Critic completion failed (attempt %d/%d): %v", attempt+1, maxAttempts, err)
		if attempt < maxAttempts-1 {
			select {
			case <-time.After(e.backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// Score judges the last message of conversation against the rest of the
// transcript and the search history. It returns the parsed critique and
// the numeric score, parse.SentinelScore when evaluation failed.
func (e *Engine) Score(ctx context.Context, conversation []store.Message, searchHistory []store.SearchEntry) (parse.Critique, float64) {
	if len(conversation) == 0 {
		return nil, parse.SentinelScore
	}
	last := conversation[len(conversation)-1]
	earlier := conversation[:len(conversation)-1]

	actorPrompt, err := e.prompts.Load(prompt.TemplateActor)
	if err != nil {
		logging.Get(logging.CategoryCritic).Errorf("Failed to load actor prompt: %v", err)
		return nil, parse.SentinelScore
	}

	rendered, err := e.prompts.Render(prompt.TemplateCritic, map[string]string{
		"conversation":    encodeJSON(earlier),
		"original_prompt": actorPrompt,
		"search_history":  encodeJSON(searchHistory),
		"last_response":   encodeJSON(last),
	})
	if err != nil {
		logging.Get(logging.CategoryCritic).Errorf("Failed to render critic prompt: %v", err)
		return nil, parse.SentinelScore
	}

	response, err := e.complete(ctx, rendered)
	if err != nil {
		logging.Get(logging.CategoryCritic).Errorf("Critic evaluation failed: %v", err)
		return nil, parse.SentinelScore
	}

	critique := parse.ExtractCritique(response)
	score := critique.Score()
	logging.Critic("Critique complete: score %.1f", score)
	return critique, score
}

// Regenerate produces an improved response from critic feedback. An
// empty return means regeneration was not possible; that is never an
// error the caller has to handle.
func (e *Engine) Regenerate(ctx context.Context, conversation []store.Message, lastResponse string, critique parse.Critique) string {
	var lines []string
	for _, msg := range conversation {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}

	rendered, err := e.prompts.Render(prompt.TemplateCriticRegen, map[string]string{
		"conversation_context": strings.Join(lines, "\n\n"),
		"last_response":        lastResponse,
		"critic_reason":        critiqueReason(critique),
		"search_history":       "",
	})
	if err != nil {
		logging.Get(logging.CategoryCritic).Errorf("Failed to render regeneration prompt: %v", err)
		return ""
	}

	response, err := e.complete(ctx, rendered)
	if err != nil {
		logging.Get(logging.CategoryCritic).Errorf("Regeneration failed: %v", err)
		return ""
	}
	return response
}

// critiqueReason flattens the per-field feedback into markdown sections.
// Score and bookkeeping fields carry no prose, so they are skipped.
func critiqueReason(critique parse.Critique) string {
	keys := make([]string, 0, len(critique))
	for key := range critique {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sections []string
	for _, key := range keys {
		switch key {
		case "total_score", "score", "error", "raw_response":
			continue
		}
		if key == "summary" {
			sections = append(sections, fmt.Sprintf("## Summary\n%v", critique[key]))
			continue
		}
		if field, ok := critique[key].(map[string]interface{}); ok {
			if reason, ok := field["reason"]; ok {
				sections = append(sections, fmt.Sprintf("## %s\n%v", key, reason))
			}
		}
	}
	return strings.Join(sections, "\n\n")
}

// BackfillScores evaluates every finished reply of the conversation that
// has no critic score yet. Sentinel scores are recorded too, so a reply
// whose evaluation failed is not re-judged on every backfill. Calling
// this twice in a row performs zero model calls the second time.
func (e *Engine) BackfillScores(ctx context.Context, conversationID string) {
	replies, err := e.store.RepliesMissingScore(conversationID)
	if err != nil {
		logging.Get(logging.CategoryCritic).Errorf("Failed to list unscored replies: %v", err)
		return
	}
	if len(replies) == 0 {
		return
	}

	searchHistory, err := e.store.SearchHistory(conversationID)
	if err != nil {
		logging.Get(logging.CategoryCritic).Errorf("Failed to load search history: %v", err)
		return
	}

	// Replies are judged independently, so evaluate a few at a time.
	g := new(errgroup.Group)
	g.SetLimit(scoreConcurrency)
	for _, reply := range replies {
		g.Go(func() error {
			conversation, err := e.store.HistoryForReply(reply.ID)
			if err != nil {
				logging.Get(logging.CategoryCritic).Errorf("Failed to build transcript for reply %s: %v", reply.ID, err)
				return nil
			}
			_, score := e.Score(ctx, conversation, searchHistory)
			if err := e.store.SetCriticScore(reply.ID, score); err != nil {
				logging.Get(logging.CategoryCritic).Errorf("Failed to record score for reply %s: %v", reply.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	logging.Critic("Backfilled scores for %d replies in conversation %s", len(replies), conversationID)
}

func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
