package store

import "sort"

// TweetDocument is the nested, API-facing shape of a tweet: the document the
// frontend reads and writes. The relational tables are its normalized form;
// LoadAll and UpsertTweet are exact inverses over it.
type TweetDocument struct {
	ID                   string              `json:"id"`
	Text                 string              `json:"text"`
	FinalLabel           *string             `json:"finalLabel,omitempty"`
	AssignedTo           []string            `json:"assignedTo,omitempty"`
	Annotations          map[string]string   `json:"annotations,omitempty"`
	AnnotationTimestamps map[string]int64    `json:"annotationTimestamps,omitempty"`
	AnnotationFeatures   map[string][]string `json:"annotationFeatures,omitempty"`
}

type User struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role"`
}

// annotationUsernames returns the union of the usernames appearing in any of
// the three per-annotator maps, sorted. A username present in only one map
// still yields one annotation row, with the absent fields stored as NULL.
func annotationUsernames(doc TweetDocument) []string {
	seen := make(map[string]struct{})
	for username := range doc.Annotations {
		seen[username] = struct{}{}
	}
	for username := range doc.AnnotationTimestamps {
		seen[username] = struct{}{}
	}
	for username := range doc.AnnotationFeatures {
		seen[username] = struct{}{}
	}
	usernames := make([]string, 0, len(seen))
	for username := range seen {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)
	return usernames
}
