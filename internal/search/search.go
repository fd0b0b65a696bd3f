package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Snippet   string `json:"snippet"`
	Published bool   `json:"published"`
}

// Query describes a search request. PublishedOnly restricts hits to pads
// that are publicly visible, used for unauthenticated discovery.
type Query struct {
	Text          string
	Limit         int
	Offset        int
	PublishedOnly bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over pads.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PadRecord is the data we index for a pad.
type PadRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Abstract  string `json:"abstract"`
	Published bool   `json:"published"`
}
