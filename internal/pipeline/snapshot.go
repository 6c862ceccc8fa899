// Package pipeline runs the per-reply processing state machine: entity
// extraction, conditional search simulation, and response generation.
// Every status transition persists a full snapshot replace, so pollers
// always see a complete, consistent view of the reply's progress.
package pipeline

// Reply statuses, in the order the pipeline moves through them. A reply
// never moves backwards; error statuses are recorded and the pipeline
// continues with safe defaults where it can.
const (
	StatusCreated             = "created"
	StatusNERStarted          = "ner_started"
	StatusNERCompleted        = "ner_completed"
	StatusNERError            = "ner_error"
	StatusSearchStarted       = "search_started"
	StatusSearchCallCompleted = "search_call_completed"
	StatusSearchCompleted     = "search_completed"
	StatusSearchError         = "search_error"
	StatusGenerating          = "generating_response"
	StatusResponseGenerated   = "response_generated"
	StatusResponseError       = "response_error"
	StatusError               = "error"
)

// FallbackResponse is shown to the user when generation fails.
const FallbackResponse = "I'm sorry, I encountered an error while processing your request."

// maxVisibleMatches bounds how many search hits the actor gets to see.
// Above this the match count is still reported but the listings are
// withheld, forcing the assistant to narrow the search instead of
// dumping results.
const maxVisibleMatches = 10

// SearchRecord captures one simulated search. It lives inside the reply
// snapshot, never as its own row.
type SearchRecord struct {
	Timestamp          string `json:"timestamp"`
	Parameters         string `json:"parameters"`
	Results            string `json:"results"`
	NumMatches         int    `json:"num_matches"`
	ShowResultsToActor bool   `json:"show_results_to_actor"`
}

// VisibleResults returns the search text the actor may see: the full
// listings when the match count is small enough, otherwise nothing.
func (r *SearchRecord) VisibleResults() string {
	if r == nil || !r.ShowResultsToActor {
		return ""
	}
	return r.Results
}

// Snapshot is the full processing state persisted on every transition.
type Snapshot struct {
	Status        string                 `json:"status"`
	NERResults    map[string]interface{} `json:"ner_results,omitempty"`
	NERError      string                 `json:"ner_error,omitempty"`
	SearchCall    string                 `json:"search_call,omitempty"`
	SearchResults *SearchRecord          `json:"search_results,omitempty"`
	SearchError   string                 `json:"search_error,omitempty"`
	Thinking      string                 `json:"thinking,omitempty"`
	ResponseError string                 `json:"response_error,omitempty"`
	Error         string                 `json:"error,omitempty"`
}
