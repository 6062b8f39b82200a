package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamevault/auth-service/internal/identity"
	"github.com/gamevault/auth-service/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// Provider — реализация identity.Provider поверх таблиц users/user_roles
// с bcrypt-проверкой пароля.
type Provider struct {
	db *pgxpool.Pool
}

// New создаёт провайдера поверх существующего пула соединений.
func New(db *pgxpool.Pool) *Provider {
	return &Provider{db: db}
}

// Проверка на соответствие интерфейсу Provider.
var _ identity.Provider = (*Provider)(nil)

// UserByEmail находит пользователя по email.
func (p *Provider) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "identity.postgres.UserByEmail"

	query := `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users
		WHERE email = $1
	`

	var user models.User
	err := p.db.QueryRow(ctx, query, email).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, identity.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &user, nil
}

// UserByID находит пользователя по ID.
func (p *Provider) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const op = "identity.postgres.UserByID"

	query := `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var user models.User
	err := p.db.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, identity.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &user, nil
}

// VerifyPassword сравнивает пароль с bcrypt-хэшем пользователя.
func (p *Provider) VerifyPassword(_ context.Context, user *models.User, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}

		// Битый хэш в БД и т.п. — отличаем от простого несовпадения.
		return false, fmt.Errorf("identity.postgres.VerifyPassword: %w", err)
	}

	return true, nil
}

// Roles возвращает роли пользователя.
func (p *Provider) Roles(ctx context.Context, userID uuid.UUID) ([]string, error) {
	const op = "identity.postgres.Roles"

	query := `
		SELECT role
		FROM user_roles
		WHERE user_id = $1
		ORDER BY role
	`

	rows, err := p.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		roles = append(roles, role)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return roles, nil
}
