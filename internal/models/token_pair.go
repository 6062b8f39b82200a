package models

import "time"

// TokenPair — пара токенов, выдаваемая при логине и ротации.
//
// Описание:
//   - AccessToken — короткоживущий подписанный JWT для доступа к API;
//   - RefreshToken — сырой случайный секрет; клиент хранит его и предъявляет
//     для выпуска новой пары, на сервере остаётся только fingerprint;
//   - AccessExpiresAt — момент истечения access-токена (UTC).
type TokenPair struct {
	// AccessToken — JWT для авторизации запросов.
	AccessToken string
	// RefreshToken — сырой секрет для обновления пары.
	RefreshToken string
	// AccessExpiresAt — время истечения действия access-токена (UTC).
	AccessExpiresAt time.Time
}
