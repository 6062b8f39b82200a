package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken — долговременная запись refresh-токена.
//
// Сырой секрет в запись не попадает никогда: хранится только Fingerprint —
// keyed-хэш секрета с серверным pepper.
//
// Инварианты записи:
//   - RevokedAt и ReplacedByID выставляются ровно один раз, вместе и атомарно
//     (при ротации); после отзыва запись неизменяема;
//   - ExpiresAt фиксируется при создании и не мутируется;
//   - ConcurrencyStamp меняется при каждой мутации и служит для
//     optimistic-concurrency проверки в хранилище.
type RefreshToken struct {
	// ID — уникальный идентификатор записи, присваивается при создании.
	ID uuid.UUID
	// UserID — владелец токена.
	UserID uuid.UUID
	// Fingerprint — keyed-хэш секрета (base64url), уникален по всей системе.
	Fingerprint string
	// DeviceID — идентификатор устройства, если клиент его передал.
	// Непустое значение включает device-binding при последующих ротациях.
	DeviceID string
	// UserAgent — User-Agent клиента на момент выпуска.
	UserAgent string
	// CreatedAt — момент создания (UTC).
	CreatedAt time.Time
	// ExpiresAt — момент истечения (UTC).
	ExpiresAt time.Time
	// RevokedAt — момент отзыва (UTC); nil, пока токен активен.
	RevokedAt *time.Time
	// ReplacedByID — ID записи, созданной при ротации этого токена.
	// Цепочка ReplacedByID образует lineage одной непрерывной сессии.
	ReplacedByID *uuid.UUID
	// ConcurrencyStamp — маркер версии для compare-and-swap в хранилище.
	ConcurrencyStamp uuid.UUID
}

// IsRevoked сообщает, был ли токен отозван.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpiredAt сообщает, истёк ли токен к моменту now.
func (t *RefreshToken) IsExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActiveAt сообщает, активен ли токен (не отозван и не истёк) к моменту now.
func (t *RefreshToken) IsActiveAt(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpiredAt(now)
}
