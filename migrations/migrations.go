// migrations содержит SQL-миграции сервиса, встроенные в бинарь,
// и применяет их через goose при старте процесса.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Up применяет все миграции к базе по dsn.
func Up(ctx context.Context, dsn string) error {
	const op = "migrations.Up"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(FS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
