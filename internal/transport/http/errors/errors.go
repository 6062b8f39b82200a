// errors стандартизирует ответы об ошибках HTTP-слоя.
//
// Все отказы аутентификационного пути схлопываются в один ответ
// 401/unauthenticated: наружу не отличаем "не найден" от "отозван" или
// "конфликт ротации", чтобы не помогать перебору и replay-зондированию.
// Внутренние различия остаются в логах аудита на уровне сервиса.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gamevault/auth-service/internal/service"
)

// Нестандартный код, часто используемый для "клиент закрыл соединение".
const StatusClientClosedRequest = 499

// APIError — единый формат для клиента.
// Code — короткий стабильный код для машиночитаемой обработки.
// Message — безопасное человекочитаемое описание.
// RequestID — прокидывается из X-Request-Id, если есть (для трассировки).
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse — корневой объект в ответе.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ErrBadRequest — локальная ошибка разбора входных данных.
var ErrBadRequest = stderrors.New("bad request")

// ToHTTP конвертирует ошибку доменного слоя в HTTP-статус и
// унифицированный ответ.
//
// Маппинг:
//   - все сентинелы аутентификационного пути -> 401/unauthenticated
//     (единый ответ, без различения причин);
//   - ErrBadRequest -> 400/invalid_argument;
//   - context.Canceled -> 499, context.DeadlineExceeded -> 504;
//   - прочее (включая err == nil — программная ошибка вызова) -> 500/internal.
func ToHTTP(err error) (int, ErrorResponse) {
	switch {
	case err == nil:
		return respond(http.StatusInternalServerError, "internal", "internal error")

	case stderrors.Is(err, service.ErrInvalidCredentials),
		stderrors.Is(err, service.ErrInvalidToken),
		stderrors.Is(err, service.ErrTokenExpired),
		stderrors.Is(err, service.ErrTokenRevoked),
		stderrors.Is(err, service.ErrDeviceMismatch),
		stderrors.Is(err, service.ErrRotationConflict),
		stderrors.Is(err, service.ErrUserNotFound):
		return respond(http.StatusUnauthorized, "unauthenticated", "unauthenticated")

	case stderrors.Is(err, ErrBadRequest):
		return respond(http.StatusBadRequest, "invalid_argument", "invalid argument")

	case stderrors.Is(err, context.Canceled):
		return respond(StatusClientClosedRequest, "canceled", "canceled")

	case stderrors.Is(err, context.DeadlineExceeded):
		return respond(http.StatusGatewayTimeout, "deadline_exceeded", "deadline exceeded")

	default:
		return respond(http.StatusInternalServerError, "internal", "internal error")
	}
}

// WriteError — хелпер для HTTP-хендлеров.
// Пишет корректный статус/тело, добавляет request_id из заголовка, если он есть.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := ToHTTP(err)

	if rid := r.Header.Get("X-Request-Id"); rid != "" {
		resp.Error.RequestID = rid
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func respond(status int, code, msg string) (int, ErrorResponse) {
	return status, ErrorResponse{Error: APIError{Code: code, Message: msg}}
}
