// service содержит бизнес-логику выпуска и ротации учётных данных:
// логин, ротацию refresh-токенов с single-use гарантией, отзыв и проверку
// access-токенов. Пользователи и пароли — зона ответственности внешнего
// identity-коллаборатора (пакет identity).
//
// Основные аспекты:
//   - Service не хранит состояние запроса; экземпляр безопасен для
//     конкурентного использования из разных горутин при условии, что
//     переданные хранилище и identity-провайдер потокобезопасны.
//   - Выпуск и проверка токенов (mint/fingerprint/issue) — чистые функции
//     без разделяемого мутабельного состояния; единственный разделяемый
//     ресурс — хранилище refresh-токенов.
//   - Ошибки возвращаются сентинелами и далее маппятся транспортом
//     (см. комментарии к переменным ошибок ниже).
package service

import (
	"errors"
	"fmt"

	"github.com/gamevault/auth-service/internal/cache"
	"github.com/gamevault/auth-service/internal/config"
	"github.com/gamevault/auth-service/internal/identity"
	"github.com/gamevault/auth-service/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна или пользователь не найден.
	// Транспорт: 401 unauthenticated.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken — предъявленный секрет не найден в хранилище или
	// access-токен некорректен по формату/подписи. Транспорт: 401 unauthenticated.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired — срок действия токена истёк. Транспорт: 401 unauthenticated.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenRevoked — токен отозван (logout/ротация/детект кражи) и
	// недействителен независимо от срока. Повторное предъявление уже
	// ротированного секрета — главный сигнал кражи: при нём отзывается вся
	// цепочка потомков. Транспорт: 401 unauthenticated.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrDeviceMismatch — запись выпущена с привязкой к устройству, а
	// предъявленный контекст пуст или отличается. Транспорт: 401 unauthenticated.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrRotationConflict — конкурентная ротация того же секрета успела
	// выиграть compare-and-swap; запись уже отозвана победителем, свежая пара
	// проигравшей ветки отброшена. Наружу неотличим от ErrTokenRevoked:
	// клиенту в любом случае остаётся только новая аутентификация.
	// Транспорт: 401 unauthenticated.
	ErrRotationConflict = errors.New("rotation conflict")

	// ErrUserNotFound — владелец валидного refresh-токена не найден
	// у identity-провайдера (например, пользователь удалён).
	// Транспорт: 401 unauthenticated.
	ErrUserNotFound = errors.New("user not found")

	// ErrRefreshTokenCollision — исчерпаны попытки сгенерировать уникальный
	// refresh-секрет (редчайшие коллизии fingerprint в БД). Транспорт: 500.
	ErrRefreshTokenCollision = errors.New("refresh token collision")

	// ErrInvalidConfig — конфигурация ключей не проходит проверку при старте.
	// Фатальна: процесс не должен подниматься с такими ключами.
	ErrInvalidConfig = errors.New("invalid auth configuration")
)

// minKeyBytes — минимальная длина ключа подписи и pepper.
const minKeyBytes = 32

// Service реализует выпуск, ротацию и отзыв учётных данных.
type Service struct {
	storage  storage.RefreshTokenStorage
	identity identity.Provider
	cfg      config.AuthConfig

	signKey []byte
	pepper  []byte

	rcache cache.RefreshCache // может быть nil, если кэш не сконфигурирован
}

// New создаёт новый экземпляр Service.
//
// Ключи валидируются один раз на старте: подпись и pepper — не короче
// 32 байт и обязательно различны (компрометация одного не должна
// раскрывать второй). Нарушение -> ErrInvalidConfig.
func New(st storage.RefreshTokenStorage, idp identity.Provider, cfg config.AuthConfig) (*Service, error) {
	const op = "service.New"

	if len(cfg.JWTSecret) < minKeyBytes {
		return nil, fmt.Errorf("%s: jwt secret shorter than %d bytes: %w", op, minKeyBytes, ErrInvalidConfig)
	}

	if len(cfg.RefreshPepper) < minKeyBytes {
		return nil, fmt.Errorf("%s: refresh pepper shorter than %d bytes: %w", op, minKeyBytes, ErrInvalidConfig)
	}

	if cfg.JWTSecret == cfg.RefreshPepper {
		return nil, fmt.Errorf("%s: jwt secret and refresh pepper must differ: %w", op, ErrInvalidConfig)
	}

	return &Service{
		storage:  st,
		identity: idp,
		cfg:      cfg,
		signKey:  []byte(cfg.JWTSecret),
		pepper:   []byte(cfg.RefreshPepper),
	}, nil
}

// SetRefreshCache устанавливает кэш refresh-токенов (опционально).
func (s *Service) SetRefreshCache(c cache.RefreshCache) {
	s.rcache = c
}
