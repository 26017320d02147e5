// Package export renders the labeled corpus as a flat tabular report, one
// row per (tweet, annotator) pair.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"tweetlabeler/api/internal/consensus"
	"tweetlabeler/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	LoadAll(ctx context.Context) ([]store.TweetDocument, error)
}

// Service provides CSV export of the annotation corpus.
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

var header = []string{
	"tweet_id", "text", "final_label", "assigned_to",
	"annotator", "label", "labeled_at", "features",
}

// WriteCSV streams the whole corpus as CSV. Tweets with annotations produce
// one row per annotator; unannotated tweets still produce a single row so
// the report covers the full corpus. The CONFLICT sentinel is rendered in
// its unresolved export form.
func (s *Service) WriteCSV(ctx context.Context, w io.Writer) error {
	docs, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, doc := range docs {
		for _, row := range documentRows(doc) {
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("write csv row for %s: %w", doc.ID, err)
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func documentRows(doc store.TweetDocument) [][]string {
	finalLabel := ""
	if doc.FinalLabel != nil {
		finalLabel = consensus.Render(*doc.FinalLabel)
	}
	assigned := append([]string(nil), doc.AssignedTo...)
	sort.Strings(assigned)
	assignedTo := strings.Join(assigned, "|")

	annotators := annotatorUnion(doc)
	if len(annotators) == 0 {
		return [][]string{{doc.ID, doc.Text, finalLabel, assignedTo, "", "", "", ""}}
	}

	rows := make([][]string, 0, len(annotators))
	for _, username := range annotators {
		labeledAt := ""
		if ts, ok := doc.AnnotationTimestamps[username]; ok {
			labeledAt = strconv.FormatInt(ts, 10)
		}
		rows = append(rows, []string{
			doc.ID,
			doc.Text,
			finalLabel,
			assignedTo,
			username,
			doc.Annotations[username],
			labeledAt,
			strings.Join(doc.AnnotationFeatures[username], "|"),
		})
	}
	return rows
}

func annotatorUnion(doc store.TweetDocument) []string {
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
