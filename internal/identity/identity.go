// Package identity keeps the known local users and the session's current
// user.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/store"
	"go.uber.org/zap"
)

const currentUserKey = "identity.current_user"

// Store manages users. Every method runs against the query set it is given
// so callers can compose it inside a larger transaction.
type Store struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates an identity store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger, now: time.Now}
}

// Upsert creates a user or updates its profile. Empty name or avatar keep
// the stored values.
func (s *Store) Upsert(ctx context.Context, q *store.Queries, u store.User) error {
	if u.ID == "" {
		return apperr.Invalid("user id is required")
	}
	if u.Status != "" && !u.Status.Valid() {
		return apperr.Invalid("unknown user status %q", u.Status)
	}
	return q.UpsertUser(ctx, &u)
}

// Get returns a user or NotFound.
func (s *Store) Get(ctx context.Context, q *store.Queries, id string) (*store.User, error) {
	u, err := q.GetUser(ctx, id)
	if err != nil {
		return nil, apperr.Storage("get user", err)
	}
	if u == nil {
		return nil, apperr.NotFound("user", id)
	}
	return u, nil
}

// Ensure creates a placeholder for a user seen for the first time. The
// placeholder is named after its id and starts offline.
func (s *Store) Ensure(ctx context.Context, q *store.Queries, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return apperr.Invalid("user id is required")
		}
		created, err := q.InsertUserIfMissing(ctx, id, id, s.now().UnixMilli())
		if err != nil {
			return err
		}
		if created {
			s.logger.Debug("user first seen", zap.String("user_id", id))
		}
	}
	return nil
}

// SetCurrent records the session's current user, creating it if needed.
func (s *Store) SetCurrent(ctx context.Context, q *store.Queries, id string) error {
	if err := s.Ensure(ctx, q, id); err != nil {
		return err
	}
	return q.SetSyncState(ctx, currentUserKey, id, s.now().UnixMilli())
}

// Current returns the session's current user id, or NotFound before
// SetCurrent was ever called.
func (s *Store) Current(ctx context.Context, q *store.Queries) (string, error) {
	id, ok, err := q.GetSyncState(ctx, currentUserKey)
	if err != nil {
		return "", apperr.Storage("current user", err)
	}
	if !ok {
		return "", apperr.NotFound("current user", "")
	}
	return id, nil
}

// SetPresence applies a presence change stamped at. Older stamps than the
// stored one are ignored. Reports whether the user changed.
func (s *Store) SetPresence(ctx context.Context, q *store.Queries, id string, status store.UserStatus, at int64) (bool, error) {
	if !status.Valid() {
		return false, apperr.Invalid("unknown user status %q", status)
	}
	if err := s.Ensure(ctx, q, id); err != nil {
		return false, err
	}
	return q.SetPresence(ctx, id, status, at)
}

// Delete removes a user that no chat references.
func (s *Store) Delete(ctx context.Context, q *store.Queries, id string) error {
	n, err := q.CountUserChats(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("user %q is in %d chats: %w", id, n, apperr.ErrConflict)
	}
	deleted, err := q.DeleteUser(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apperr.NotFound("user", id)
	}
	return nil
}

// List returns every known user.
func (s *Store) List(ctx context.Context, q *store.Queries) ([]store.User, error) {
	users, err := q.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Storage("list users", err)
	}
	return users, nil
}

// tokenClaims matches the access tokens issued by the chat backend.
type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// UserIDFromToken reads the user id out of a transport access token without
// verifying its signature; the backend verifies it on connect. The user_id
// claim wins over sub.
func UserIDFromToken(token string) (string, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", apperr.Invalid("parse token: %v", err)
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", apperr.Invalid("token carries no user id")
}
