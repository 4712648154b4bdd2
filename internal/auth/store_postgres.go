package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	selectClientSQL = `SELECT client_id, secret_hash, scopes FROM oauth_clients WHERE client_id = $1`
	upsertClientSQL = `
INSERT INTO oauth_clients (client_id, secret_hash, scopes)
VALUES ($1, $2, $3)
ON CONFLICT (client_id) DO UPDATE
SET secret_hash = EXCLUDED.secret_hash, scopes = EXCLUDED.scopes`
)

// PostgresClientStore reads operator clients from the oauth_clients table
// created by the ledger migrations.
type PostgresClientStore struct {
	Pool *pgxpool.Pool
}

func (s *PostgresClientStore) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	err := s.Pool.QueryRow(ctx, selectClientSQL, clientID).Scan(&c.ID, &c.SecretHash, &c.Scopes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load oauth client: %w", err)
	}
	return &c, nil
}

// PutClient inserts or replaces a client. It provisions the configured
// operator client at startup.
func (s *PostgresClientStore) PutClient(ctx context.Context, c *Client) error {
	if c == nil || c.ID == "" {
		return errors.New("client id is required")
	}
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	if _, err := s.Pool.Exec(ctx, upsertClientSQL, c.ID, c.SecretHash, scopes); err != nil {
		return fmt.Errorf("failed to store oauth client: %w", err)
	}
	return nil
}
