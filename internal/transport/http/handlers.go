// transport/http содержит HTTP-эндпойнты сервиса.
// Здесь выполняется только разбор запросов и маппинг ошибок доменного слоя
// (service) в HTTP. Вся валидация и бизнес-логика находятся в пакете service.
//
// Безопасность:
//   - любые отказы аутентификации отдаются единым 401/unauthenticated
//     (см. пакет errors); детали остаются в логах;
//   - ValidateToken при невалидном/просроченном токене НЕ возвращает ошибку,
//     а отдаёт {valid:false} (контракт эндпойнта).
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gamevault/auth-service/internal/models"
	"github.com/gamevault/auth-service/internal/service"
	apierrors "github.com/gamevault/auth-service/internal/transport/http/errors"

	"github.com/google/uuid"
)

// AuthService — потребляемый транспортом срез сервисного слоя.
type AuthService interface {
	LoginUser(ctx context.Context, email, password string, device models.DeviceContext) (*models.TokenPair, uuid.UUID, error)
	RotateToken(ctx context.Context, presented string, device models.DeviceContext) (*models.TokenPair, uuid.UUID, error)
	RevokeToken(ctx context.Context, presented string) error
	ValidateToken(ctx context.Context, accessToken string) (uuid.UUID, string, []string, error)
}

// Handlers агрегирует зависимости эндпойнтов.
type Handlers struct {
	service AuthService
}

// NewHandlers создаёт набор HTTP-хендлеров поверх сервисного слоя.
func NewHandlers(svc AuthService) *Handlers {
	return &Handlers{service: svc}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id,omitempty"`
}

type revokeRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type validateRequest struct {
	AccessToken string `json:"access_token"`
}

type tokenPairResponse struct {
	UserID          string `json:"user_id"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	AccessExpiresAt int64  `json:"access_expires_at"`
}

type revokeResponse struct {
	Ok bool `json:"ok"`
}

type validateResponse struct {
	Valid  bool     `json:"valid"`
	UserID string   `json:"user_id,omitempty"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// Login аутентифицирует пользователя и возвращает новую пару токенов.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.WriteError(w, r, apierrors.ErrBadRequest)
		return
	}

	pair, uid, err := h.service.LoginUser(r.Context(), in.Email, in.Password, deviceContext(r, in.DeviceID))
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPairResponse(uid, pair))
}

// Refresh выпускает новую пару токенов по валидному refresh-секрету.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.WriteError(w, r, apierrors.ErrBadRequest)
		return
	}

	pair, uid, err := h.service.RotateToken(r.Context(), in.RefreshToken, deviceContext(r, in.DeviceID))
	if err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPairResponse(uid, pair))
}

// Revoke отзывает refresh-токен (logout).
func (h *Handlers) Revoke(w http.ResponseWriter, r *http.Request) {
	var in revokeRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.WriteError(w, r, apierrors.ErrBadRequest)
		return
	}

	if err := h.service.RevokeToken(r.Context(), in.RefreshToken); err != nil {
		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, revokeResponse{Ok: true})
}

// Validate проверяет access-токен. При невалидном/просроченном токене
// возвращает {valid:false} без ошибки.
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	var in validateRequest
	if err := decodeStrict(r, &in); err != nil {
		apierrors.WriteError(w, r, apierrors.ErrBadRequest)
		return
	}

	uid, email, roles, err := h.service.ValidateToken(r.Context(), in.AccessToken)
	if err != nil {
		if isAuthFailure(err) {
			writeJSON(w, http.StatusOK, validateResponse{Valid: false})
			return
		}

		apierrors.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Valid:  true,
		UserID: uid.String(),
		Email:  email,
		Roles:  roles,
	})
}

// deviceContext собирает контекст устройства: device_id из тела запроса,
// с fallback на заголовок X-Device-Id; User-Agent — из запроса.
func deviceContext(r *http.Request, bodyDeviceID string) models.DeviceContext {
	deviceID := bodyDeviceID
	if deviceID == "" {
		deviceID = r.Header.Get("X-Device-Id")
	}

	return models.DeviceContext{
		DeviceID:  deviceID,
		UserAgent: r.UserAgent(),
	}
}

func toPairResponse(uid uuid.UUID, pair *models.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		UserID:          uid.String(),
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		AccessExpiresAt: pair.AccessExpiresAt.Unix(),
	}
}

func isAuthFailure(err error) bool {
	return errors.Is(err, service.ErrInvalidToken) ||
		errors.Is(err, service.ErrTokenExpired) ||
		errors.Is(err, service.ErrTokenRevoked)
}

// writeJSON — единый ответ JSON с нужным Content-Type.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// decodeStrict — строгий JSON-декодер: запрещаем неизвестные поля.
func decodeStrict(r *http.Request, value any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(value)
}
