package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/gamevault/auth-service/internal/cache"
	"github.com/gamevault/auth-service/internal/identity"
	"github.com/gamevault/auth-service/internal/metrics"
	"github.com/gamevault/auth-service/internal/models"
	"github.com/gamevault/auth-service/internal/pkg/log"
	"github.com/gamevault/auth-service/internal/pkg/redact"
	"github.com/gamevault/auth-service/internal/storage"

	"github.com/google/uuid"
)

// maxIssueAttempts — предел повторов генерации секрета при коллизии fingerprint.
const maxIssueAttempts = 5

// LoginUser выполняет вход по email+пароль и выпускает свежую пару токенов.
// Контекст устройства фиксируется в записи refresh-токена: непустой DeviceID
// включает device-binding для всех последующих ротаций этой сессии.
func (s *Service) LoginUser(ctx context.Context, email, password string, device models.DeviceContext) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.LoginUser"

	normEmail, err := normalizeEmail(email)
	if err != nil {
		metrics.Logins.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if len(password) == 0 {
		metrics.Logins.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	user, err := s.identity.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			metrics.Logins.WithLabelValues(metrics.OutcomeInvalid).Inc()
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		metrics.Logins.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	ok, err := s.identity.VerifyPassword(ctx, user, password)
	if err != nil {
		metrics.Logins.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		log.From(ctx).Warn("login_password_mismatch",
			slog.String("op", op),
			slog.String("email", redact.Email(normEmail)),
		)
		metrics.Logins.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, err := s.issueFreshPair(ctx, user, device)
	if err != nil {
		metrics.Logins.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.Logins.WithLabelValues(metrics.OutcomeOK).Inc()

	return pair, user.ID, nil
}

// RotateToken обменивает валидный refresh-секрет на новую пару токенов,
// одновременно отзывая старую запись (single-use ротация).
//
// Протокол (единая атомарная единица относительно хранилища):
//  1. поиск записи по fingerprint предъявленного секрета;
//  2. отозванная запись — сигнал кражи: каскадный отзыв всей цепочки
//     потомков и отказ;
//  3. просроченная запись — отказ;
//  4. device-binding: запись с непустым DeviceID требует совпадения;
//  5. владелец разрешается через identity-коллаборатора;
//  6-7. новая запись вставляется, старая отзывается — в одной транзакции,
//     при условии неизменности ConcurrencyStamp с момента чтения;
//  8. проигранный compare-and-swap -> ErrRotationConflict, свежая запись
//     проигравшей ветки отбрасывается откатом транзакции.
//
// Шаги 1-5 — терминальные отказы; ретрай с тем же секретом бессмыслен.
func (s *Service) RotateToken(ctx context.Context, presented string, device models.DeviceContext) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.RotateToken"

	lg := log.From(ctx)
	now := time.Now().UTC()
	fingerprint := s.Fingerprint(presented)

	// Быстрый отсев по кэшу; авторитетное решение всегда за БД.
	if fail, err := s.checkCachedState(ctx, fingerprint, now); fail {
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	token, err := s.storage.RefreshTokenByFingerprint(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Warn("rotate_lookup_not_found", slog.String("op", op))
			metrics.Rotations.WithLabelValues(metrics.OutcomeInvalid).Inc()
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		metrics.Rotations.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.IsRevoked() {
		s.revokeLineage(ctx, token.ID, fingerprint, now)
		metrics.Rotations.WithLabelValues(metrics.OutcomeRevoked).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
	}

	if token.IsExpiredAt(now) {
		lg.Warn("rotate_expired",
			slog.String("op", op),
			slog.String("user_id", token.UserID.String()),
		)
		metrics.Rotations.WithLabelValues(metrics.OutcomeExpired).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	// Binding односторонний: запись без DeviceID ничего не требует.
	if token.DeviceID != "" && token.DeviceID != device.DeviceID {
		lg.Warn("rotate_device_mismatch",
			slog.String("op", op),
			slog.String("user_id", token.UserID.String()),
		)
		metrics.Rotations.WithLabelValues(metrics.OutcomeDevice).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrDeviceMismatch)
	}

	user, err := s.identity.UserByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			metrics.Rotations.WithLabelValues(metrics.OutcomeUserNotFound).Inc()
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}

		metrics.Rotations.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.rotatePair(ctx, user, token, device, now)
	if err != nil {
		if errors.Is(err, ErrRotationConflict) {
			metrics.Rotations.WithLabelValues(metrics.OutcomeConflict).Inc()
		} else {
			metrics.Rotations.WithLabelValues(metrics.OutcomeError).Inc()
		}
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	metrics.Rotations.WithLabelValues(metrics.OutcomeOK).Inc()

	return pair, user.ID, nil
}

// RevokeToken отзывает refresh-токен (logout).
func (s *Service) RevokeToken(ctx context.Context, presented string) error {
	const op = "service.auth.RevokeToken"

	now := time.Now().UTC()
	fingerprint := s.Fingerprint(presented)

	revoked, err := s.storage.RevokeRefreshToken(ctx, fingerprint, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	s.cacheMarkRevoked(ctx, fingerprint)

	if !revoked {
		return fmt.Errorf("%s: %w", op, ErrTokenRevoked)
	}

	return nil
}

// ValidateToken проверяет access-токен и возвращает uid, email и роли.
// Проверка stateless: обращений к хранилищу нет, отозвать access-токен до
// естественного истечения нельзя (известное ограничение; jti зарезервирован
// под будущий denylist).
func (s *Service) ValidateToken(ctx context.Context, accessToken string) (uuid.UUID, string, []string, error) {
	const op = "service.auth.ValidateToken"

	uid, email, roles, err := s.validateAccessToken(accessToken)
	if err != nil {
		return uuid.Nil, "", nil, fmt.Errorf("%s: %w", op, err)
	}

	return uid, email, roles, nil
}

// issueFreshPair выпускает пару для логина: прежней записи нет, новая
// вставляется напрямую. Коллизия fingerprint (уникальный индекс) крайне
// маловероятна — по образцу хранилища пробуем заново до maxIssueAttempts.
func (s *Service) issueFreshPair(ctx context.Context, user *models.User, device models.DeviceContext) (*models.TokenPair, error) {
	const op = "service.auth.issueFreshPair"

	lg := log.From(ctx)
	now := time.Now().UTC()

	roles, err := s.identity.Roles(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, err := s.mintAccessToken(ctx, user, roles, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		plain, record, err := s.newRefreshRecord(user.ID, device, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		if err := s.storage.SaveRefreshToken(ctx, record); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Редкая коллизия — пробуем сгенерировать заново.
				continue
			}

			lg.Error("save_refresh_token_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		s.cachePut(ctx, record)

		return &models.TokenPair{
			AccessToken:     accessToken,
			RefreshToken:    plain,
			AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		}, nil
	}

	lg.Error("refresh_collision_exceeded", slog.String("op", op))

	return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}

// rotatePair выпускает новую пару и атомарно подменяет old на новую запись.
func (s *Service) rotatePair(ctx context.Context, user *models.User, old *models.RefreshToken, device models.DeviceContext, now time.Time) (*models.TokenPair, error) {
	const op = "service.auth.rotatePair"

	lg := log.From(ctx)

	roles, err := s.identity.Roles(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, err := s.mintAccessToken(ctx, user, roles, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		plain, next, err := s.newRefreshRecord(user.ID, device, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		err = s.storage.RotateRefreshToken(ctx, old.ID, old.ConcurrencyStamp, now, next)
		if err != nil {
			if errors.Is(err, storage.ErrStaleRecord) {
				// Конкурент выиграл гонку: запись уже отозвана победителем,
				// наша свежая пара отброшена откатом транзакции.
				lg.Warn("rotate_concurrent_conflict",
					slog.String("op", op),
					slog.String("user_id", user.ID.String()),
				)
				return nil, fmt.Errorf("%s: %w", op, ErrRotationConflict)
			}

			if errors.Is(err, storage.ErrAlreadyExists) {
				// Коллизия fingerprint новой записи — пробуем заново.
				continue
			}

			lg.Error("rotate_refresh_token_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		s.cacheMarkRevoked(ctx, old.Fingerprint)
		s.cachePut(ctx, next)

		return &models.TokenPair{
			AccessToken:     accessToken,
			RefreshToken:    plain,
			AccessExpiresAt: now.Add(s.cfg.AccessTokenTTL),
		}, nil
	}

	lg.Error("refresh_collision_exceeded", slog.String("op", op))

	return nil, fmt.Errorf("%s: %w", op, ErrRefreshTokenCollision)
}

// revokeLineage каскадно отзывает всю цепочку потомков записи — повторное
// предъявление ротированного секрета трактуем как кражу: сессия вора,
// полученная по украденному секрету, инвалидируется целиком.
func (s *Service) revokeLineage(ctx context.Context, fromID uuid.UUID, fingerprint string, now time.Time) {
	const op = "service.auth.revokeLineage"

	lg := log.From(ctx)
	metrics.ReuseDetected.Inc()

	n, err := s.storage.RevokeChain(ctx, fromID, now)
	if err != nil {
		// Отказ каскада не отменяет отказ ротации; фиксируем для аудита.
		lg.Error("revoke_chain_failed",
			slog.String("op", op),
			slog.String("token_id", fromID.String()),
			slog.String("err", err.Error()),
		)
		return
	}

	if n > 0 {
		metrics.ChainRevocations.Add(float64(n))
	}

	lg.Warn("refresh_reuse_detected",
		slog.String("op", op),
		slog.String("token_id", fromID.String()),
		slog.Int64("descendants_revoked", n),
	)

	s.cacheMarkRevoked(ctx, fingerprint)
}

// checkCachedState — быстрый путь по кэшу. Возвращает (true, err) только для
// заведомо терминальных состояний; при любом сомнении (miss, ошибка Redis)
// — (false, nil), и решение принимает БД.
func (s *Service) checkCachedState(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	if s.rcache == nil {
		return false, nil
	}

	entry, found, err := s.rcache.Get(ctx, fingerprint)
	if err != nil || !found {
		return false, nil
	}

	if entry.Revoked {
		// Каскад всё равно прогоняем через БД: отзыв одной записи при
		// обычной ротации потомков не трогал.
		s.revokeLineage(ctx, entry.TokenID, fingerprint, now)
		metrics.Rotations.WithLabelValues(metrics.OutcomeRevoked).Inc()
		return true, ErrTokenRevoked
	}

	if !now.Before(entry.ExpiresAt) {
		metrics.Rotations.WithLabelValues(metrics.OutcomeExpired).Inc()
		return true, ErrTokenExpired
	}

	return false, nil
}

// cachePut — best-effort запись в кэш; отказ кэша не влияет на результат.
func (s *Service) cachePut(ctx context.Context, record *models.RefreshToken) {
	if s.rcache == nil {
		return
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return
	}

	entry := &cache.RefreshEntry{
		TokenID:   record.ID,
		UserID:    record.UserID,
		Revoked:   false,
		ExpiresAt: record.ExpiresAt,
	}

	if err := s.rcache.Set(ctx, record.Fingerprint, entry, ttl); err != nil {
		log.From(ctx).Warn("refresh_cache_set_failed", slog.String("err", err.Error()))
	}
}

// cacheMarkRevoked — best-effort пометка отзыва в кэше.
func (s *Service) cacheMarkRevoked(ctx context.Context, fingerprint string) {
	if s.rcache == nil {
		return
	}

	if err := s.rcache.MarkRevoked(ctx, fingerprint); err != nil {
		log.From(ctx).Warn("refresh_cache_revoke_failed", slog.String("err", err.Error()))
	}
}

// normalizeEmail проверяет базовый формат email и приводит его к нижнему регистру.
func normalizeEmail(raw string) (string, error) {
	const op = "service.auth.normalizeEmail"

	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	return strings.ToLower(email), nil
}
