package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gamevault/auth-service/internal/models"
	"github.com/gamevault/auth-service/internal/pkg/log"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// refreshSecretBytes — энтропия refresh-секрета (256 бит).
const refreshSecretBytes = 32

type accessClaims struct {
	UserID string   `json:"uid"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Fingerprint вычисляет keyed-хэш refresh-секрета: HMAC-SHA256 с pepper,
// base64url. Детерминирован; используется хранилищем как ключ поиска вместо
// сырого секрета. Утёкшая база fingerprint'ов без pepper не перебирается
// оффлайн, в отличие от быстрого бесключевого хэша.
func (s *Service) Fingerprint(secret string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(secret))

	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// mintAccessToken выпускает access-токен: HS256 JWT с sub/email/roles,
// уникальным jti (задел под будущий denylist) и exp = now + AccessTokenTTL.
func (s *Service) mintAccessToken(ctx context.Context, user *models.User, roles []string, now time.Time) (string, error) {
	const op = "service.token.mintAccessToken"

	lg := log.From(ctx)

	claims := accessClaims{
		UserID: user.ID.String(),
		Email:  user.Email,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.cfg.Issuer,
			Subject:   user.ID.String(),
			Audience:  jwt.ClaimStrings(s.cfg.Audience),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		lg.Error("access_token_sign_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// validateAccessToken валидирует access-токен и возвращает uid, email и роли.
func (s *Service) validateAccessToken(tokenStr string) (uuid.UUID, string, []string, error) {
	const op = "service.token.validateAccessToken"

	token, err := jwt.ParseWithClaims(tokenStr, &accessClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
			}

			return s.signKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience...),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, "", nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}

		return uuid.Nil, "", nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return uuid.Nil, "", nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, "", nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return uid, claims.Email, claims.Roles, nil
}

// newRefreshSecret генерирует криптографически стойкий refresh-секрет
// (crypto/rand, 256 бит, base64url). Предсказуемые источники здесь
// недопустимы.
func newRefreshSecret() (string, error) {
	const op = "service.token.newRefreshSecret"

	b := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newRefreshRecord собирает свежую запись refresh-токена и возвращает сырой
// секрет вместе с ней. Секрет в запись не попадает — только fingerprint.
func (s *Service) newRefreshRecord(userID uuid.UUID, device models.DeviceContext, now time.Time) (string, *models.RefreshToken, error) {
	plain, err := newRefreshSecret()
	if err != nil {
		return "", nil, err
	}

	record := &models.RefreshToken{
		ID:               uuid.New(),
		UserID:           userID,
		Fingerprint:      s.Fingerprint(plain),
		DeviceID:         device.DeviceID,
		UserAgent:        device.UserAgent,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.RefreshTokenTTL),
		ConcurrencyStamp: uuid.New(),
	}

	return plain, record, nil
}
