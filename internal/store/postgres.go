package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUserExists is returned by CreateUser when the username is taken.
var ErrUserExists = errors.New("username already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// UpsertTweet replaces the stored state of one tweet with the given document:
// the tweet row is inserted or updated, and the assignment and annotation rows
// are deleted and re-inserted from the document, all in one transaction.
// Replace, not merge - an empty assignedTo removes every existing assignment.
func (s *PostgresStore) UpsertTweet(ctx context.Context, doc TweetDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertTweetTx(ctx, tx, doc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// UpsertMany applies UpsertTweet semantics to a batch inside a single
// transaction. The batch is all-or-nothing: the first failing document rolls
// back the whole batch and the returned error names its id.
func (s *PostgresStore) UpsertMany(ctx context.Context, docs []TweetDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, doc := range docs {
		if err := upsertTweetTx(ctx, tx, doc); err != nil {
			return fmt.Errorf("upsert tweet %q: %w", doc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk upsert: %w", err)
	}
	return nil
}

// InsertIfAbsent inserts only the tweets whose id does not already exist and
// reports how many were inserted. Existing tweets are left completely
// untouched - no merge, no overwrite.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, docs []TweetDocument) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, doc := range docs {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO tweets (id, body, final_label)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING
		`, doc.ID, doc.Text, doc.FinalLabel)
		if err != nil {
			return 0, fmt.Errorf("add tweet %q: %w", doc.ID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("add tweet %q rows: %w", doc.ID, err)
		}
		if affected == 0 {
			continue
		}
		// The tweet row was just created, so there are no child rows to clear.
		if err := insertChildRows(ctx, tx, doc); err != nil {
			return 0, fmt.Errorf("add tweet %q: %w", doc.ID, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add: %w", err)
	}
	return inserted, nil
}

func upsertTweetTx(ctx context.Context, tx *sql.Tx, doc TweetDocument) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tweets (id, body, final_label)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET body=EXCLUDED.body, final_label=EXCLUDED.final_label
	`, doc.ID, doc.Text, doc.FinalLabel); err != nil {
		return fmt.Errorf("upsert tweet row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE tweet_id=$1`, doc.ID); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE tweet_id=$1`, doc.ID); err != nil {
		return fmt.Errorf("clear annotations: %w", err)
	}

	return insertChildRows(ctx, tx, doc)
}

func insertChildRows(ctx context.Context, tx *sql.Tx, doc TweetDocument) error {
	for _, username := range doc.AssignedTo {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (tweet_id, username)
			VALUES ($1, $2)
			ON CONFLICT (tweet_id, username) DO NOTHING
		`, doc.ID, username); err != nil {
			return fmt.Errorf("insert assignment %s: %w", username, err)
		}
	}

	for _, username := range annotationUsernames(doc) {
		label, labeledAt, features, err := annotationColumns(doc, username)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO annotations (tweet_id, username, label, labeled_at, features)
			VALUES ($1, $2, $3, $4, $5)
		`, doc.ID, username, label, labeledAt, features); err != nil {
			return fmt.Errorf("insert annotation %s: %w", username, err)
		}
	}
	return nil
}

// annotationColumns maps one annotator's entries across the three parallel
// maps to column values, leaving NULL for any map the annotator is absent in.
func annotationColumns(doc TweetDocument, username string) (label, labeledAt, features any, err error) {
	if value, ok := doc.Annotations[username]; ok {
		label = value
	}
	if value, ok := doc.AnnotationTimestamps[username]; ok {
		labeledAt = value
	}
	if value, ok := doc.AnnotationFeatures[username]; ok {
		encoded, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			return nil, nil, nil, fmt.Errorf("marshal features for %s: %w", username, marshalErr)
		}
		features = string(encoded)
	}
	return label, labeledAt, features, nil
}

// LoadAll scans the whole store and reconstructs one nested document per
// tweet row. Read-only; the inverse of UpsertTweet.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]TweetDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body, final_label FROM tweets ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tweets: %w", err)
	}
	defer rows.Close()

	docs := make([]TweetDocument, 0)
	index := make(map[string]int)
	for rows.Next() {
		var doc TweetDocument
		var finalLabel sql.NullString
		if err := rows.Scan(&doc.ID, &doc.Text, &finalLabel); err != nil {
			return nil, fmt.Errorf("scan tweet: %w", err)
		}
		if finalLabel.Valid {
			doc.FinalLabel = &finalLabel.String
		}
		index[doc.ID] = len(docs)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tweets: %w", err)
	}

	if err := s.attachAssignments(ctx, docs, index); err != nil {
		return nil, err
	}
	if err := s.attachAnnotations(ctx, docs, index); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *PostgresStore) attachAssignments(ctx context.Context, docs []TweetDocument, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT tweet_id, username FROM assignments ORDER BY username ASC`)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tweetID, username string
		if err := rows.Scan(&tweetID, &username); err != nil {
			return fmt.Errorf("scan assignment: %w", err)
		}
		i, ok := index[tweetID]
		if !ok {
			continue
		}
		docs[i].AssignedTo = append(docs[i].AssignedTo, username)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate assignments: %w", err)
	}
	return nil
}

func (s *PostgresStore) attachAnnotations(ctx context.Context, docs []TweetDocument, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT tweet_id, username, label, labeled_at, features FROM annotations`)
	if err != nil {
		return fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tweetID, username string
		var label sql.NullString
		var labeledAt sql.NullInt64
		var featuresRaw []byte
		if err := rows.Scan(&tweetID, &username, &label, &labeledAt, &featuresRaw); err != nil {
			return fmt.Errorf("scan annotation: %w", err)
		}
		i, ok := index[tweetID]
		if !ok {
			continue
		}
		doc := &docs[i]
		if label.Valid {
			if doc.Annotations == nil {
				doc.Annotations = make(map[string]string)
			}
			doc.Annotations[username] = label.String
		}
		if labeledAt.Valid {
			if doc.AnnotationTimestamps == nil {
				doc.AnnotationTimestamps = make(map[string]int64)
			}
			doc.AnnotationTimestamps[username] = labeledAt.Int64
		}
		if featuresRaw != nil {
			var features []string
			if err := json.Unmarshal(featuresRaw, &features); err != nil {
				return fmt.Errorf("unmarshal features for %s/%s: %w", tweetID, username, err)
			}
			if doc.AnnotationFeatures == nil {
				doc.AnnotationFeatures = make(map[string][]string)
			}
			doc.AnnotationFeatures[username] = features
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate annotations: %w", err)
	}
	return nil
}

// DeleteTweet removes a tweet and, via the foreign keys, its assignment and
// annotation rows. Deleting a nonexistent id is a no-op, not an error.
func (s *PostgresStore) DeleteTweet(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tweets WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete tweet: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO NOTHING
	`, user.Username, user.Password, user.Role)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert user rows: %w", err)
	}
	if affected == 0 {
		return ErrUserExists
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role FROM users WHERE username=$1
	`, username).Scan(&user.Username, &user.Password, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, password, role FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.Username, &user.Password, &user.Role); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, username string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, username, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET username=EXCLUDED.username, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, username, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.username, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.username = rs.username
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.Username, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
