package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"
)

// setupTestStore opens the database named by LABELER_TEST_DATABASE_URL and
// resets it to empty. Tests are skipped when the variable is unset so the
// suite stays runnable without a live Postgres.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	databaseURL := os.Getenv("LABELER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("LABELER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	for _, table := range []string{"refresh_sessions", "annotations", "assignments", "tweets", "users"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("reset table %s: %v", table, err)
		}
	}
	return NewPostgresStore(db)
}

func sampleDocument() TweetDocument {
	label := "relevant"
	return TweetDocument{
		ID:         "t1",
		Text:       "hello world",
		FinalLabel: &label,
		AssignedTo: []string{"alice", "bob"},
		Annotations: map[string]string{
			"alice": "relevant",
			"bob":   "relevant",
		},
		AnnotationTimestamps: map[string]int64{
			"alice": 1700000000,
			"bob":   1700000100,
		},
		AnnotationFeatures: map[string][]string{
			"alice": {"mentions brand", "positive"},
		},
	}
}

func TestUpsertLoadRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	doc := sampleDocument()
	if err := store.UpsertTweet(ctx, doc); err != nil {
		t.Fatalf("UpsertTweet() error = %v", err)
	}

	docs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if !reflect.DeepEqual(docs[0], doc) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", docs[0], doc)
	}
}

func TestUpsertTweetIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	doc := sampleDocument()
	if err := store.UpsertTweet(ctx, doc); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertTweet(ctx, doc); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	docs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(docs) != 1 || !reflect.DeepEqual(docs[0], doc) {
		t.Fatalf("expected one unchanged document, got %+v", docs)
	}
}

func TestUpsertTweetReplacesChildRows(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertTweet(ctx, sampleDocument()); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}

	// Re-save with a shrunk document: replace semantics must drop the
	// assignments and annotations the new document no longer carries.
	shrunk := TweetDocument{
		ID:          "t1",
		Text:        "hello world edited",
		AssignedTo:  []string{"carol"},
		Annotations: map[string]string{"carol": "irrelevant"},
	}
	if err := store.UpsertTweet(ctx, shrunk); err != nil {
		t.Fatalf("replacing upsert: %v", err)
	}

	docs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	got := docs[0]
	if got.Text != "hello world edited" {
		t.Fatalf("expected updated text, got %q", got.Text)
	}
	if got.FinalLabel != nil {
		t.Fatalf("expected final label cleared, got %q", *got.FinalLabel)
	}
	if !reflect.DeepEqual(got.AssignedTo, []string{"carol"}) {
		t.Fatalf("expected assignments replaced, got %v", got.AssignedTo)
	}
	if len(got.Annotations) != 1 || got.Annotations["carol"] != "irrelevant" {
		t.Fatalf("expected annotations replaced, got %v", got.Annotations)
	}
	if got.AnnotationTimestamps != nil || got.AnnotationFeatures != nil {
		t.Fatalf("expected stale annotation maps gone, got %+v", got)
	}
}

func TestUpsertManyRollsBackOnFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Postgres text columns reject NUL bytes; use that to fail mid-batch.
	bad := TweetDocument{ID: "t-bad", Text: "broken\x00text"}
	err := store.UpsertMany(ctx, []TweetDocument{
		{ID: "t-ok", Text: "fine"},
		bad,
	})
	if err == nil {
		t.Fatal("expected batch to fail")
	}

	docs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected rollback to leave the store empty, got %d documents", len(docs))
	}
}

func TestInsertIfAbsentSkipsExisting(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	original := sampleDocument()
	if err := store.UpsertTweet(ctx, original); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}

	added, err := store.InsertIfAbsent(ctx, []TweetDocument{
		{ID: "t1", Text: "should be ignored"},
		{ID: "t2", Text: "new tweet"},
	})
	if err != nil {
		t.Fatalf("InsertIfAbsent() error = %v", err)
	}
	if added != 1 {
		t.Fatalf("expected 1 added, got %d", added)
	}

	docs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].Text != original.Text {
		t.Fatalf("existing tweet must be untouched, got %q", docs[0].Text)
	}
}

func TestDeleteTweetCascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.UpsertTweet(ctx, sampleDocument()); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
	if err := store.DeleteTweet(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTweet() error = %v", err)
	}

	var orphans int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations`).Scan(&orphans); err != nil {
		t.Fatalf("count annotations: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected cascade to remove annotation rows, found %d", orphans)
	}

	// Deleting again is a no-op, not an error.
	if err := store.DeleteTweet(ctx, "t1"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestCreateUserRejectsDuplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	user := User{Username: "alice", Password: "pw", Role: "student"}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := store.CreateUser(ctx, user); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestGetUserMissing(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetUser(context.Background(), "ghost")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRefreshSessionLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateUser(ctx, User{Username: "alice", Password: "pw", Role: "student"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	hash := "deadbeef"
	if err := store.SaveRefreshSession(ctx, hash, "alice", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	user, err := store.LookupRefreshSession(ctx, hash)
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if user.Username != "alice" || user.Role != "student" {
		t.Fatalf("unexpected session user: %+v", user)
	}

	if err := store.RevokeRefreshSession(ctx, hash); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, hash); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected revoked session to be gone, got %v", err)
	}
}

func TestLookupExpiredRefreshSession(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateUser(ctx, User{Username: "bob", Password: "pw", Role: "student"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := store.SaveRefreshSession(ctx, "stale", "bob", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "stale"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected expired session to be gone, got %v", err)
	}
}
