// storage задаёт контракт долговременного хранилища refresh-токенов.
//
// Единственный разделяемый мутабельный ресурс сервиса — это хранилище.
// Ротация сериализуется на уровне отдельной записи (compare-and-swap по
// ConcurrencyStamp), а не глобально: ротации разных fingerprint идут
// полностью параллельно.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gamevault/auth-service/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (fingerprint).
	ErrAlreadyExists = errors.New("already exists")
	// ErrStaleRecord — ConcurrencyStamp записи изменился с момента чтения:
	// конкурентная ротация успела выиграть. Свежая запись проигравшей ветки
	// в хранилище не попадает.
	ErrStaleRecord = errors.New("stale record")
)

// RefreshTokenStorage выполняет операции над записями refresh-токенов.
type RefreshTokenStorage interface {
	// SaveRefreshToken сохраняет новую запись.
	// Дубликат fingerprint -> ErrAlreadyExists.
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error

	// RefreshTokenByFingerprint находит запись по fingerprint.
	RefreshTokenByFingerprint(ctx context.Context, fingerprint string) (*models.RefreshToken, error)

	// RotateRefreshToken атомарно, в одной транзакции:
	//   - помечает запись oldID отозванной (revoked_at=revokedAt,
	//     replaced_by_id=next.ID) при условии, что её concurrency_stamp
	//     всё ещё равен oldStamp и она не отозвана;
	//   - вставляет запись next.
	// Несовпадение штампа (конкурент выиграл гонку) -> ErrStaleRecord,
	// транзакция откатывается целиком: либо оба эффекта, либо ни одного.
	RotateRefreshToken(ctx context.Context, oldID, oldStamp uuid.UUID, revokedAt time.Time, next *models.RefreshToken) error

	// RevokeRefreshToken пытается отозвать запись по fingerprint.
	// Возвращает:
	//   (true, nil)  — запись была активна и отозвана сейчас;
	//   (false, nil) — запись существует, но уже была отозвана;
	//   (false, ErrNotFound) — запись не найдена.
	RevokeRefreshToken(ctx context.Context, fingerprint string, now time.Time) (bool, error)

	// RevokeChain отзывает все ещё активные записи, достижимые из fromID
	// по цепочке replaced_by_id (включая fromID). Возвращает число
	// отозванных записей. Используется при детекте повторного предъявления
	// уже ротированного секрета.
	RevokeChain(ctx context.Context, fromID uuid.UUID, now time.Time) (int64, error)

	// DeleteExpiredTokens удаляет все просроченные записи.
	DeleteExpiredTokens(ctx context.Context, now time.Time) error
}

// Storage задаёт контракт работы с БД.
type Storage interface {
	RefreshTokenStorage
	Close()
}
