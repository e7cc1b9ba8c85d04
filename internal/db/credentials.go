package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"invoiceflow/internal/models"
	"invoiceflow/internal/pipeline"
)

func (s *Store) GetCredential(
	ctx context.Context,
	userID, provider string,
) (*models.Credential, error) {

	var c models.Credential

	err := s.Pool.QueryRow(ctx,
		`SELECT user_id, provider, email, access_token, refresh_token,
		        status, last_synced_at, connected_at, disconnected_at
		 FROM credentials
		 WHERE user_id=$1 AND provider=$2`,
		userID, provider,
	).Scan(
		&c.UserID, &c.Provider, &c.Email, &c.AccessToken, &c.RefreshToken,
		&c.Status, &c.LastSyncedAt, &c.ConnectedAt, &c.DisconnectedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &pipeline.NotFoundError{Kind: "credential", ID: userID}
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *Store) UpsertCredential(ctx context.Context, c *models.Credential) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO credentials
		 (user_id, provider, email, access_token, refresh_token, status, connected_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT (user_id, provider) DO UPDATE SET
		   email=$3,
		   access_token=$4,
		   refresh_token=$5,
		   status=$6,
		   connected_at=NOW(),
		   disconnected_at=NULL`,
		c.UserID, c.Provider, c.Email, c.AccessToken, c.RefreshToken, c.Status,
	)
	return err
}

func (s *Store) DisconnectCredential(ctx context.Context, userID, provider string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE credentials
		 SET status=$1,
		     refresh_token='',
		     access_token='',
		     disconnected_at=NOW()
		 WHERE user_id=$2 AND provider=$3`,
		models.CredentialDisconnected, userID, provider,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &pipeline.NotFoundError{Kind: "credential", ID: userID}
	}
	return nil
}

// AdvanceWatermark moves last_synced_at from old to next with a compare-and-
// set, so two concurrent runs cannot clobber each other. Returns false when
// another run already moved the watermark.
func (s *Store) AdvanceWatermark(
	ctx context.Context,
	userID, provider string,
	old *time.Time,
	next time.Time,
) (bool, error) {

	tag, err := s.Pool.Exec(ctx,
		`UPDATE credentials
		 SET last_synced_at=$1
		 WHERE user_id=$2 AND provider=$3
		   AND last_synced_at IS NOT DISTINCT FROM $4`,
		next, userID, provider, old,
	)
	if err != nil {
		return false, err
	}

	return tag.RowsAffected() == 1, nil
}
