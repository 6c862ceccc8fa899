package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"concierge/internal/logging"
	"concierge/internal/parse"
	"concierge/internal/prompt"
	"concierge/internal/provider"
	"concierge/internal/store"
)

// matchCountPatterns are tried in order against the simulated search
// output; the first capturing a number wins.
var matchCountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)"Number of matches":\s*(\d+)`),
	regexp.MustCompile(`(?i)Number of matches:\s*(\d+)`),
	regexp.MustCompile(`(?i)Found (\d+) matches`),
	regexp.MustCompile(`(?i)(\d+) results found`),
	regexp.MustCompile(`(?i)(\d+) hotels match`),
}

// noMatchPatterns catch prose that states emptiness without a count.
var noMatchPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)no matches`),
	regexp.MustCompile(`(?i)no results`),
	regexp.MustCompile(`(?i)0 matches`),
	regexp.MustCompile(`(?i)0 results`),
}

var hotelNamePattern = regexp.MustCompile(`(?i)Hotel name:`)

// defaultMatchCount is used when the search output gives no usable
// signal. High on purpose: an unknown result set is treated as too big
// to show rather than small enough to dump on the actor.
const defaultMatchCount = 100

// extractEntities runs the NER prompt over the transcript and returns
// the extracted preference map. Template or provider failure surfaces as
// an error; unparseable model output is an empty map.
func (p *Pipeline) extractEntities(ctx context.Context, history []store.Message) (map[string]interface{}, error) {
	conv, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation: %w", err)
	}
	rendered, err := p.prompts.Render(prompt.TemplateNER, map[string]string{
		"conv": string(conv),
	})
	if err != nil {
		return nil, err
	}

	response, err := p.extraction.Complete(ctx, rendered, provider.Options{
		Temperature: p.extractionTemp,
	})
	if err != nil {
		return nil, err
	}

	prefs := parse.ExtractPreferences(response)
	logging.PipelineDebug("NER extracted %d preference fields", len(prefs))
	return prefs, nil
}

// decideSearch asks the trigger prompt whether the preferences justify a
// search. It returns the search argument string, or "" when the model
// declined.
func (p *Pipeline) decideSearch(ctx context.Context, prefs map[string]interface{}) (string, error) {
	encoded, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode preferences: %w", err)
	}
	rendered, err := p.prompts.Render(prompt.TemplateSearchCall, map[string]string{
		"preferences": string(encoded),
	})
	if err != nil {
		return "", err
	}

	response, err := p.extraction.Complete(ctx, rendered, provider.Options{
		Temperature: p.extractionTemp,
	})
	if err != nil {
		return "", err
	}

	response = strings.TrimSpace(response)
	if !parse.HasFunctionCall(response) {
		return "", nil
	}
	if _, calls := parse.ExtractFunctionCalls(response); len(calls) > 0 {
		return calls[0], nil
	}
	// Markup present but no pattern matched; pass the raw text along and
	// let the simulator make sense of it.
	return response, nil
}

// simulateSearch feeds the search argument to the simulator prompt and
// derives a match count from whatever the model produced.
func (p *Pipeline) simulateSearch(ctx context.Context, arg string) (*SearchRecord, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}

	rendered, err := p.prompts.Render(prompt.TemplateSearchSimulator, map[string]string{
		"search_query": arg,
	})
	if err != nil {
		return nil, err
	}

	results, err := p.extraction.Complete(ctx, rendered, provider.Options{
		Temperature: p.extractionTemp,
	})
	if err != nil {
		return nil, err
	}

	count := deriveMatchCount(results)
	record := &SearchRecord{
		Timestamp:          time.Now().Format("2006-01-02_15-04-05"),
		Parameters:         arg,
		Results:            results,
		NumMatches:         count,
		ShowResultsToActor: results != "" && count <= maxVisibleMatches,
	}
	logging.PipelineDebug("Search simulated: %d matches, visible=%v", count, record.ShowResultsToActor)
	return record, nil
}

// deriveMatchCount reads a match count out of free-form search output.
// Priority: explicit count markers, then explicit no-match phrases, then
// counting per-hotel listings, then defaultMatchCount.
func deriveMatchCount(results string) int {
	for _, pattern := range matchCountPatterns {
		if m := pattern.FindStringSubmatch(results); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}
	for _, pattern := range noMatchPatterns {
		if pattern.MatchString(results) {
			return 0
		}
	}
	if n := len(hotelNamePattern.FindAllString(results, -1)); n > 0 {
		return n
	}
	return defaultMatchCount
}

// generateResponse renders the actor prompt and produces the final reply
// content. The seed pins sampling per assistant slot so dual-assistant
// turns diverge deterministically.
func (p *Pipeline) generateResponse(ctx context.Context, history []store.Message, record *SearchRecord, slot int) (content, thinking string, err error) {
	conv, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conversation: %w", err)
	}
	numMatches := ""
	if record != nil {
		numMatches = strconv.Itoa(record.NumMatches)
	}
	rendered, err := p.prompts.Render(prompt.TemplateActor, map[string]string{
		"conv":        string(conv),
		"search":      record.VisibleResults(),
		"num_matches": numMatches,
	})
	if err != nil {
		return "", "", err
	}

	response, err := p.actor.Complete(ctx, rendered, provider.Options{
		Temperature: p.actorTemp,
		Seed:        slot,
	})
	if err != nil {
		return "", "", err
	}

	thinking, remainder := parse.SplitThinking(response)
	clean, _ := parse.ExtractFunctionCalls(remainder)
	if strings.TrimSpace(clean) == "" {
		return remainder, thinking, nil
	}
	return clean, thinking, nil
}
