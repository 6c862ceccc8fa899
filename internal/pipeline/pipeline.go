package pipeline

import (
	"context"
	"errors"
	"fmt"

	"concierge/internal/logging"
	"concierge/internal/prompt"
	"concierge/internal/provider"
	"concierge/internal/store"
)

// Scorer triggers critic backfill after a reply finishes. The pipeline
// only knows it should be called off the latency path; the critic
// package owns the semantics.
type Scorer interface {
	BackfillScores(ctx context.Context, conversationID string)
}

// Pipeline owns per-reply processing. Provider clients are injected, so
// tests run against fakes and callers decide which models back which
// stage.
type Pipeline struct {
	store          *store.Store
	prompts        *prompt.Library
	extraction     provider.Client
	actor          provider.Client
	scorer         Scorer
	extractionTemp float64
	actorTemp      float64
}

// New wires a pipeline. scorer may be nil when critic evaluation is
// disabled.
func New(st *store.Store, prompts *prompt.Library, extraction, actor provider.Client, scorer Scorer, extractionTemp, actorTemp float64) *Pipeline {
	return &Pipeline{
		store:          st,
		prompts:        prompts,
		extraction:     extraction,
		actor:          actor,
		scorer:         scorer,
		extractionTemp: extractionTemp,
		actorTemp:      actorTemp,
	}
}

// ProcessReply runs the full state machine for one reply. It never
// returns an error: every failure mode ends with the reply finalized,
// either with generated content or the fallback message. The caller is
// the queue worker, so there is nobody to hand an error to anyway.
func (p *Pipeline) ProcessReply(ctx context.Context, conversationID, replyID string, slot int) {
	snap := &Snapshot{}
	persist := func(status string) {
		snap.Status = status
		if err := p.store.UpdateSnapshot(replyID, status, snap); err != nil {
			logging.Get(logging.CategoryPipeline).Errorf("Failed to persist %s for reply %s: %v", status, replyID, err)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryPipeline).Errorf("Pipeline panicked for reply %s: %v", replyID, r)
			snap.Error = fmt.Sprint(r)
			persist(StatusError)
			p.finalize(replyID, FallbackResponse)
		}
	}()

	logging.Pipeline("Processing reply %s (slot %d) for conversation %s", replyID, slot, conversationID)

	persist(StatusNERStarted)
	history, err := p.replyHistory(replyID)
	if err != nil {
		snap.Error = err.Error()
		persist(StatusError)
		p.finalize(replyID, FallbackResponse)
		return
	}

	prefs, err := p.extractEntities(ctx, history)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Errorf("NER failed for reply %s: %v", replyID, err)
		snap.NERError = err.Error()
		persist(StatusNERError)
		prefs = map[string]interface{}{}
	} else {
		snap.NERResults = prefs
		persist(StatusNERCompleted)
	}

	var record *SearchRecord
	if len(prefs) > 0 {
		persist(StatusSearchStarted)
		arg, err := p.decideSearch(ctx, prefs)
		switch {
		case err != nil:
			logging.Get(logging.CategoryPipeline).Errorf("Search trigger failed for reply %s: %v", replyID, err)
			snap.SearchError = err.Error()
			persist(StatusSearchError)
		case arg != "":
			snap.SearchCall = arg
			persist(StatusSearchCallCompleted)
			record, err = p.simulateSearch(ctx, arg)
			if err != nil {
				logging.Get(logging.CategoryPipeline).Errorf("Search simulation failed for reply %s: %v", replyID, err)
				snap.SearchError = err.Error()
				persist(StatusSearchError)
				record = nil
			} else {
				snap.SearchResults = record
				persist(StatusSearchCompleted)
			}
		}
	}

	persist(StatusGenerating)
	content, thinking, err := p.generateResponse(ctx, history, record, slot)
	if err != nil {
		var readErr *prompt.TemplateReadError
		if errors.As(err, &readErr) {
			// Without the actor template there is nothing to ask the
			// model; finalize with the fallback and skip the critic.
			snap.ResponseError = err.Error()
			persist(StatusResponseError)
			p.finalize(replyID, FallbackResponse)
			return
		}
		// Provider failure: the reply still completes with the fallback
		// message, and the error detail stays in the snapshot.
		logging.Get(logging.CategoryPipeline).Errorf("Generation failed for reply %s: %v", replyID, err)
		snap.ResponseError = err.Error()
		content = FallbackResponse
	}
	if thinking != "" {
		snap.Thinking = thinking
	}
	persist(StatusResponseGenerated)
	p.finalize(replyID, content)

	if p.scorer != nil {
		p.scorer.BackfillScores(ctx, conversationID)
	}
	logging.Pipeline("Reply %s finished", replyID)
}

// replyHistory loads the transcript the stages see. It is scoped to the
// reply's turn, excluding that turn's other assistant slot: two replies
// answering the same message must not see each other's answers, however
// the queue interleaves them.
func (p *Pipeline) replyHistory(replyID string) ([]store.Message, error) {
	reply, err := p.store.GetReply(replyID)
	if err != nil {
		return nil, err
	}
	return p.store.HistoryForTurn(reply.TurnID)
}

func (p *Pipeline) finalize(replyID, content string) {
	if err := p.store.MarkReplyFinal(replyID, content); err != nil {
		logging.Get(logging.CategoryPipeline).Errorf("Failed to finalize reply %s: %v", replyID, err)
	}
}
