package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tweetlabeler/api/internal/auth"
	"tweetlabeler/api/internal/config"
	"tweetlabeler/api/internal/consensus"
	"tweetlabeler/api/internal/export"
	"tweetlabeler/api/internal/search"
	"tweetlabeler/api/internal/store"
	"tweetlabeler/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	Username     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// DataPayload is the full corpus + roster snapshot the frontend works from.
type DataPayload struct {
	Tweets []store.TweetDocument `json:"tweets"`
	Users  []store.User          `json:"users"`
}

// Store is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests substitute a fake.
type Store interface {
	LoadAll(ctx context.Context) ([]store.TweetDocument, error)
	UpsertTweet(ctx context.Context, doc store.TweetDocument) error
	UpsertMany(ctx context.Context, docs []store.TweetDocument) error
	InsertIfAbsent(ctx context.Context, docs []store.TweetDocument) (int, error)
	DeleteTweet(ctx context.Context, id string) error
	CreateUser(ctx context.Context, user store.User) error
	GetUser(ctx context.Context, username string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	Ping(ctx context.Context) error
}

// SessionStore holds refresh tokens: Redis when configured, the Postgres
// refresh_sessions table otherwise.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, username string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    Store
	sessions SessionStore
	search   *search.Service
	exporter *export.Service
}

func New(cfg config.Config, dataStore Store, sessions SessionStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		search:   searchService,
		exporter: export.NewService(dataStore),
	}
}

// Bootstrap re-feeds the search index from the store. Safe to skip on error;
// search degrades to the Postgres fallback.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	docs, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap index: %w", err)
	}
	records := make([]search.TweetRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, tweetRecord(doc))
	}
	s.search.IndexTweets(records)
	return nil
}

func (s *Service) Data(ctx context.Context) (DataPayload, error) {
	docs, err := s.store.LoadAll(ctx)
	if err != nil {
		return DataPayload{}, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return DataPayload{}, err
	}
	return DataPayload{Tweets: docs, Users: sanitizeUsers(users)}, nil
}

// SaveTweet validates and persists one nested document. When the caller did
// not assert a final label, the consensus evaluator derives one from the
// per-annotator labels; an explicitly supplied final label (including a
// manual conflict resolution) is stored as-is.
func (s *Service) SaveTweet(ctx context.Context, doc store.TweetDocument) (store.TweetDocument, error) {
	if err := validateDocument(doc, ""); err != nil {
		return store.TweetDocument{}, err
	}
	doc = applyConsensus(doc)
	if err := s.store.UpsertTweet(ctx, doc); err != nil {
		return store.TweetDocument{}, err
	}
	if s.search != nil {
		s.search.IndexTweet(tweetRecord(doc))
	}
	return doc, nil
}

// SaveTweets persists a batch with all-or-nothing semantics: validation
// rejects the whole batch before storage is touched, and a storage failure
// on any document rolls back every document.
func (s *Service) SaveTweets(ctx context.Context, docs []store.TweetDocument) error {
	for i := range docs {
		if err := validateDocument(docs[i], fmt.Sprintf("tweet at index %d", i)); err != nil {
			return err
		}
		docs[i] = applyConsensus(docs[i])
	}
	if err := s.store.UpsertMany(ctx, docs); err != nil {
		return err
	}
	if s.search != nil {
		records := make([]search.TweetRecord, 0, len(docs))
		for _, doc := range docs {
			records = append(records, tweetRecord(doc))
		}
		s.search.IndexTweets(records)
	}
	return nil
}

// AddTweets inserts only the documents whose id is not yet present and
// reports how many were added. Existing tweets keep their stored state.
func (s *Service) AddTweets(ctx context.Context, docs []store.TweetDocument) (int, error) {
	for i := range docs {
		if err := validateDocument(docs[i], fmt.Sprintf("tweet at index %d", i)); err != nil {
			return 0, err
		}
		docs[i] = applyConsensus(docs[i])
	}
	added, err := s.store.InsertIfAbsent(ctx, docs)
	if err != nil {
		return 0, err
	}
	return added, nil
}

func (s *Service) DeleteTweet(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return domainError(http.StatusBadRequest, "VALIDATION", "tweet id is required", nil)
	}
	if err := s.store.DeleteTweet(ctx, id); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTweet(id)
	}
	return nil
}

func (s *Service) ExportCSV(ctx context.Context, w io.Writer) error {
	return s.exporter.WriteCSV(ctx, w)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) RegisterUser(ctx context.Context, user store.User) (store.User, error) {
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION", "username is required", nil)
	}
	if user.Role == "" {
		user.Role = "student"
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return store.User{}, domainError(http.StatusBadRequest, "USERNAME_TAKEN", "Username already exists", nil)
		}
		return store.User{}, err
	}
	user.Password = ""
	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.store.GetUser(ctx, strings.TrimSpace(username))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	// Passwords are opaque and compared verbatim; hardening them is outside
	// this service (see the roster import contract).
	if user.Password != password {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	sessionUser, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH", "Invalid or expired refresh token", nil)
	}
	user, err := s.store.GetUser(ctx, sessionUser.Username)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH", "Invalid or expired refresh token", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Username:  claims.Username,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Username: user.Username,
		Role:     user.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.Username, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		Username:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func validateDocument(doc store.TweetDocument, context string) error {
	if strings.TrimSpace(doc.ID) != "" {
		return nil
	}
	message := "tweet id is required"
	if context != "" {
		message = context + " is missing an id"
	}
	return domainError(http.StatusBadRequest, "VALIDATION", message, nil)
}

// applyConsensus fills in the derived final label when the document does not
// carry an explicit one. An empty string counts as unset.
func applyConsensus(doc store.TweetDocument) store.TweetDocument {
	if doc.FinalLabel != nil && *doc.FinalLabel != "" {
		return doc
	}
	if label, ok := consensus.Evaluate(doc.Annotations); ok {
		doc.FinalLabel = &label
	} else {
		doc.FinalLabel = nil
	}
	return doc
}

func tweetRecord(doc store.TweetDocument) search.TweetRecord {
	record := search.TweetRecord{ID: doc.ID, Text: doc.Text}
	if doc.FinalLabel != nil {
		record.FinalLabel = *doc.FinalLabel
	}
	return record
}

func sanitizeUsers(users []store.User) []store.User {
	sanitized := make([]store.User, len(users))
	for i, user := range users {
		user.Password = ""
		sanitized[i] = user
	}
	return sanitized
}
