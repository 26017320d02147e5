package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Snippet    string `json:"snippet,omitempty"`
	FinalLabel string `json:"finalLabel,omitempty"`
}

// Query describes a search request over the tweet corpus.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TweetRecord is the data we index for a tweet.
type TweetRecord struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	FinalLabel string `json:"finalLabel"`
}
