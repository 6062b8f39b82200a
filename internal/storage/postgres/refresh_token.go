package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gamevault/auth-service/internal/models"
	"github.com/gamevault/auth-service/internal/storage"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SaveRefreshToken сохраняет новую запись refresh-токена в БД.
func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	query := `
        INSERT INTO refresh_tokens(id, user_id, fingerprint, device_id, user_agent,
                                   created_at, expires_at, revoked_at, replaced_by_id, concurrency_stamp)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `

	_, err := s.db.Exec(ctx, query,
		token.ID,
		token.UserID,
		token.Fingerprint,
		token.DeviceID,
		token.UserAgent,
		token.CreatedAt,
		token.ExpiresAt,
		token.RevokedAt,
		token.ReplacedByID,
		token.ConcurrencyStamp,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshTokenByFingerprint находит запись по fingerprint.
func (s *Storage) RefreshTokenByFingerprint(ctx context.Context, fingerprint string) (*models.RefreshToken, error) {
	const op = "storage.postgres.RefreshTokenByFingerprint"

	query := `
        SELECT id, user_id, fingerprint, device_id, user_agent,
               created_at, expires_at, revoked_at, replaced_by_id, concurrency_stamp
        FROM refresh_tokens
        WHERE fingerprint = $1
    `

	var token models.RefreshToken
	err := s.db.QueryRow(ctx, query, fingerprint).Scan(
		&token.ID,
		&token.UserID,
		&token.Fingerprint,
		&token.DeviceID,
		&token.UserAgent,
		&token.CreatedAt,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.ReplacedByID,
		&token.ConcurrencyStamp,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &token, nil
}

// RotateRefreshToken атомарно отзывает старую запись и вставляет новую.
//
// Отзыв условный: строка обновляется только если её concurrency_stamp не
// изменился с момента чтения и она ещё не отозвана. Ноль затронутых строк
// означает проигранную гонку — транзакция откатывается (вставка новой записи
// в БД не попадает) и возвращается storage.ErrStaleRecord.
func (s *Storage) RotateRefreshToken(ctx context.Context, oldID, oldStamp uuid.UUID, revokedAt time.Time, next *models.RefreshToken) error {
	const op = "storage.postgres.RotateRefreshToken"

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const revoke = `
        UPDATE refresh_tokens
        SET revoked_at = $2,
            replaced_by_id = $3,
            concurrency_stamp = gen_random_uuid()
        WHERE id = $1
          AND concurrency_stamp = $4
          AND revoked_at IS NULL
    `

	cmdTag, err := tx.Exec(ctx, revoke, oldID, revokedAt, next.ID, oldStamp)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrStaleRecord)
	}

	const insert = `
        INSERT INTO refresh_tokens(id, user_id, fingerprint, device_id, user_agent,
                                   created_at, expires_at, revoked_at, replaced_by_id, concurrency_stamp)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, $8)
    `

	_, err = tx.Exec(ctx, insert,
		next.ID,
		next.UserID,
		next.Fingerprint,
		next.DeviceID,
		next.UserAgent,
		next.CreatedAt,
		next.ExpiresAt,
		next.ConcurrencyStamp,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RevokeRefreshToken пытается отозвать запись, если она ещё не была отозвана.
// Возвращает:
//
//	(true, nil)  — запись была активна и успешно отозвана сейчас;
//	(false, nil) — запись существует, но уже была отозвана;
//	(false, ErrNotFound) — запись не найдена.
func (s *Storage) RevokeRefreshToken(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	const op = "storage.postgres.RevokeRefreshToken"

	const upd = `
		UPDATE refresh_tokens
		SET revoked_at = $2,
		    concurrency_stamp = gen_random_uuid()
		WHERE fingerprint = $1 AND revoked_at IS NULL
		RETURNING user_id
	`

	var userID uuid.UUID
	err := s.db.QueryRow(ctx, upd, fingerprint, now).Scan(&userID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	const sel = `
		SELECT revoked_at IS NOT NULL
		FROM refresh_tokens
		WHERE fingerprint = $1
	`

	var revoked bool
	err = s.db.QueryRow(ctx, sel, fingerprint).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return false, fmt.Errorf("%s: %w", op, err)
	}

	return false, nil
}

// RevokeChain отзывает все ещё активные записи, достижимые из fromID
// по цепочке replaced_by_id (включая саму fromID).
func (s *Storage) RevokeChain(ctx context.Context, fromID uuid.UUID, now time.Time) (int64, error) {
	const op = "storage.postgres.RevokeChain"

	// Цепочка replaced_by_id — append-only, циклов в ней быть не может.
	query := `
        WITH RECURSIVE chain AS (
            SELECT id, replaced_by_id
            FROM refresh_tokens
            WHERE id = $1
            UNION ALL
            SELECT t.id, t.replaced_by_id
            FROM refresh_tokens t
            JOIN chain c ON t.id = c.replaced_by_id
        )
        UPDATE refresh_tokens
        SET revoked_at = $2,
            concurrency_stamp = gen_random_uuid()
        WHERE id IN (SELECT id FROM chain)
          AND revoked_at IS NULL
    `

	cmdTag, err := s.db.Exec(ctx, query, fromID, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return cmdTag.RowsAffected(), nil
}

// DeleteExpiredTokens удаляет все просроченные записи.
func (s *Storage) DeleteExpiredTokens(ctx context.Context, now time.Time) error {
	const op = "storage.postgres.DeleteExpiredTokens"

	query := `
        DELETE FROM refresh_tokens
        WHERE expires_at <= $1
    `

	_, err := s.db.Exec(ctx, query, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
