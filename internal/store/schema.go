package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates every table the service needs. Safe to run on every
// startup - all statements are IF NOT EXISTS.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schema = `
-- Tweets: the items being labeled. final_label is NULL while no annotator
-- has labeled the tweet, a concrete label once annotators agree, or the
-- 'CONFLICT' sentinel once they disagree.
CREATE TABLE IF NOT EXISTS tweets (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL DEFAULT '',
	final_label TEXT
);

-- Assignments: which annotators are tasked with which tweet. Owned by the
-- tweet row and replaced wholesale on every write to that tweet.
CREATE TABLE IF NOT EXISTS assignments (
	tweet_id TEXT NOT NULL REFERENCES tweets(id) ON DELETE CASCADE,
	username TEXT NOT NULL,
	PRIMARY KEY (tweet_id, username)
);

CREATE INDEX IF NOT EXISTS idx_assignments_username ON assignments(username);

-- Annotations: at most one per (tweet, annotator), enforced by the primary
-- key. Any of label, labeled_at and features may be NULL independently.
CREATE TABLE IF NOT EXISTS annotations (
	tweet_id TEXT NOT NULL REFERENCES tweets(id) ON DELETE CASCADE,
	username TEXT NOT NULL,
	label TEXT,
	labeled_at BIGINT,
	features JSONB,
	PRIMARY KEY (tweet_id, username)
);

CREATE INDEX IF NOT EXISTS idx_annotations_username ON annotations(username);

-- Users are referenced by username from assignments/annotations but not
-- owned by any tweet: deleting a tweet never deletes a user.
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'student',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Refresh sessions back login tokens when Redis is not configured.
CREATE TABLE IF NOT EXISTS refresh_sessions (
	token_hash TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);
`
