package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// legacySnapshot is the flat document form the pre-relational server kept on
// disk: one JSON file holding every tweet and every user.
type legacySnapshot struct {
	Tweets []TweetDocument `json:"tweets"`
	Users  []User          `json:"users"`
}

// MigrateLegacySnapshot imports the flat snapshot at path into the normalized
// tables. It runs before any request traffic and is a no-op when the file is
// missing or the store already holds data, so a restart never re-imports over
// live rows. The whole import is one transaction: any failure rolls the store
// back to its pre-migration (empty) state. Returns whether an import ran.
//
// Unlike UpsertTweet this never deletes: every row is insert-or-ignore.
func (s *PostgresStore) MigrateLegacySnapshot(ctx context.Context, path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read legacy snapshot: %w", err)
	}

	// Guard before parsing: against a populated store even a malformed
	// snapshot is irrelevant, the import would be skipped anyway.
	empty, err := s.isEmpty(ctx)
	if err != nil {
		return false, err
	}
	if !empty {
		return false, nil
	}

	var snapshot legacySnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return false, fmt.Errorf("parse legacy snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, user := range snapshot.Users {
		role := user.Role
		if role == "" {
			role = "student"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, password, role)
			VALUES ($1, $2, $3)
			ON CONFLICT (username) DO NOTHING
		`, user.Username, user.Password, role); err != nil {
			return false, fmt.Errorf("migrate user %q: %w", user.Username, err)
		}
	}

	for _, doc := range snapshot.Tweets {
		if doc.ID == "" {
			return false, fmt.Errorf("migrate tweet: snapshot entry missing id")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tweets (id, body, final_label)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, doc.ID, doc.Text, doc.FinalLabel); err != nil {
			return false, fmt.Errorf("migrate tweet %q: %w", doc.ID, err)
		}

		for _, username := range doc.AssignedTo {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO assignments (tweet_id, username)
				VALUES ($1, $2)
				ON CONFLICT (tweet_id, username) DO NOTHING
			`, doc.ID, username); err != nil {
				return false, fmt.Errorf("migrate assignment %s/%s: %w", doc.ID, username, err)
			}
		}

		for _, username := range annotationUsernames(doc) {
			label, labeledAt, features, err := annotationColumns(doc, username)
			if err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO annotations (tweet_id, username, label, labeled_at, features)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (tweet_id, username) DO NOTHING
			`, doc.ID, username, label, labeledAt, features); err != nil {
				return false, fmt.Errorf("migrate annotation %s/%s: %w", doc.ID, username, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration: %w", err)
	}
	return true, nil
}

// isEmpty checks the guard against store contents rather than an in-process
// flag, so it stays correct across restarts. The store counts as empty only
// when both users and tweets are.
func (s *PostgresStore) isEmpty(ctx context.Context) (bool, error) {
	var tweetCount, userCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tweets`).Scan(&tweetCount); err != nil {
		return false, fmt.Errorf("count tweets: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&userCount); err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return tweetCount == 0 && userCount == 0, nil
}
