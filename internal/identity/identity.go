// identity описывает внешнего коллаборатора по управлению пользователями.
//
// Сервис токенов не хэширует и не проверяет пароли сам — он потребляет этот
// контракт. Реализация по умолчанию живёт в identity/postgres; в других
// окружениях за интерфейсом может стоять удалённый identity-сервис.
package identity

import (
	"context"
	"errors"

	"github.com/gamevault/auth-service/internal/models"

	"github.com/google/uuid"
)

// ErrNotFound — пользователь не найден.
var ErrNotFound = errors.New("user not found")

// Provider выполняет операции над пользователями и их ролями.
type Provider interface {
	// UserByEmail находит пользователя по email (после нормализации).
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// UserByID находит пользователя по ID.
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// VerifyPassword проверяет пароль пользователя.
	VerifyPassword(ctx context.Context, user *models.User, password string) (bool, error)
	// Roles возвращает список ролей пользователя.
	Roles(ctx context.Context, userID uuid.UUID) ([]string, error)
}
