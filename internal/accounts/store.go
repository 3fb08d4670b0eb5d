package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/bootfleet/gateway/internal/auth"
	"github.com/bootfleet/gateway/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

// Store resolves sessions and updates profiles straight from PostgreSQL.
type Store struct {
	db database.Querier
}

func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

// ResolveToken returns the account owning an unexpired session token.
func (s *Store) ResolveToken(ctx context.Context, token string) (*auth.Identity, error) {
	var identity auth.Identity
	err := s.db.QueryRow(ctx, `
		SELECT a.id, a.roles, s.expires_at
		FROM sessions s
		JOIN accounts a ON a.id = s.account_id
		WHERE s.token = $1 AND s.expires_at > now()`,
		token,
	).Scan(&identity.ID, &identity.Roles, &identity.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	return &identity, nil
}

// UpdateAvatar sets the avatar URL of account id.
func (s *Store) UpdateAvatar(ctx context.Context, id, avatarURL string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET avatar = $2, updated_at = now() WHERE id = $1",
		id, avatarURL,
	)
	if err != nil {
		return fmt.Errorf("updating avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
