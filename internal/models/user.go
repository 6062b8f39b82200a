package models

import (
	"time"

	"github.com/google/uuid"
)

// User — модель пользователя в системе.
type User struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeviceContext — контекст устройства, передаваемый клиентом при логине
// и ротации. Фиксируется в записи refresh-токена на момент выпуска.
type DeviceContext struct {
	// DeviceID — идентификатор устройства; пустая строка допустима
	// (binding в этом случае не включается).
	DeviceID string
	// UserAgent — User-Agent клиента.
	UserAgent string
}
