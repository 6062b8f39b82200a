package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gamevault/auth-service/internal/models"
	"github.com/gamevault/auth-service/internal/storage"
	"github.com/gamevault/auth-service/migrations"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Файл интеграционных тестов для пакета postgres (репозиторий refresh_token.go):
// - поднимает реальный PostgreSQL через testcontainers-go (образ postgres:16-alpine);
// - применяет goose-миграции из ./migrations (embed);
// - проверяет happy-path, уникальность fingerprint, условный отзыв,
//   compare-and-swap ротацию (включая реальную гонку двух конкурентов),
//   каскадный отзыв цепочки replaced_by_id и чистку просроченных записей.
//
// Запуск локально:
//   GO_TEST_INTEGRATION=1 go test ./internal/storage/postgres -v -race -count=1

// startPostgres — поднимает временный экземпляр PostgreSQL через testcontainers-go,
// применяет миграции и возвращает инициализированное хранилище и функцию очистки.
// Если переменная окружения GO_TEST_INTEGRATION не установлена — тест пропускается.
func startPostgres(t *testing.T) (*Storage, func()) {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_USER": "user", "POSTGRES_PASSWORD": "pass", "POSTGRES_DB": "db"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)

	host, _ := c.Host(ctx)
	port, _ := c.MappedPort(ctx, "5432/tcp")
	dsn := fmt.Sprintf("postgres://user:pass@%s:%s/db?sslmode=disable", host, port.Port())

	require.NoError(t, migrations.Up(ctx, dsn))

	st, err := New(ctx, dsn)
	require.NoError(t, err)

	cleanup := func() {
		st.Close()
		_ = c.Terminate(context.Background())
	}
	return st, cleanup
}

// seedUser создаёт пользователя напрямую (таблица users принадлежит identity-слою).
func seedUser(t *testing.T, st *Storage, email string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	now := time.Now().UTC()
	_, err := st.Pool().Exec(context.Background(),
		`INSERT INTO users(id, email, password_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		id, email, "hash", now,
	)
	require.NoError(t, err)
	return id
}

// newToken — helper для сборки активной записи.
func newToken(userID uuid.UUID, fingerprint string) *models.RefreshToken {
	now := time.Now().UTC()
	return &models.RefreshToken{
		ID:               uuid.New(),
		UserID:           userID,
		Fingerprint:      fingerprint,
		DeviceID:         "device-1",
		UserAgent:        "ua/1.0",
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
		ConcurrencyStamp: uuid.New(),
	}
}

func TestIntegration_SaveRefreshToken_And_GetByFingerprint_OK(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")
	rt := newToken(userID, "fp-1")

	require.NoError(t, st.SaveRefreshToken(ctx, rt))

	got, err := st.RefreshTokenByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, rt.ID, got.ID)
	require.Equal(t, userID, got.UserID)
	require.Equal(t, "fp-1", got.Fingerprint)
	require.Equal(t, "device-1", got.DeviceID)
	require.Equal(t, "ua/1.0", got.UserAgent)
	require.Equal(t, rt.ConcurrencyStamp, got.ConcurrencyStamp)
	require.Nil(t, got.RevokedAt)
	require.Nil(t, got.ReplacedByID)
	require.WithinDuration(t, rt.CreatedAt, got.CreatedAt, 2*time.Second)
	require.WithinDuration(t, rt.ExpiresAt, got.ExpiresAt, 2*time.Second)
}

func TestIntegration_SaveRefreshToken_UniqueViolation(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")

	require.NoError(t, st.SaveRefreshToken(ctx, newToken(userID, "dup-fp")))

	err := st.SaveRefreshToken(ctx, newToken(userID, "dup-fp"))
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestIntegration_RefreshTokenByFingerprint_NotFound(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	_, err := st.RefreshTokenByFingerprint(context.Background(), "missing")
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIntegration_RotateRefreshToken_OK(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")

	old := newToken(userID, "rotate-old")
	require.NoError(t, st.SaveRefreshToken(ctx, old))

	next := newToken(userID, "rotate-next")
	now := time.Now().UTC()
	require.NoError(t, st.RotateRefreshToken(ctx, old.ID, old.ConcurrencyStamp, now, next))

	// Старая запись: отозвана, ссылается на новую, stamp сменился.
	gotOld, err := st.RefreshTokenByFingerprint(ctx, "rotate-old")
	require.NoError(t, err)
	require.NotNil(t, gotOld.RevokedAt)
	require.NotNil(t, gotOld.ReplacedByID)
	require.Equal(t, next.ID, *gotOld.ReplacedByID)
	require.NotEqual(t, old.ConcurrencyStamp, gotOld.ConcurrencyStamp)

	// Новая запись активна.
	gotNext, err := st.RefreshTokenByFingerprint(ctx, "rotate-next")
	require.NoError(t, err)
	require.Equal(t, next.ID, gotNext.ID)
	require.Nil(t, gotNext.RevokedAt)
}

func TestIntegration_RotateRefreshToken_StaleStamp_RollsBackInsert(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")

	old := newToken(userID, "stale-old")
	require.NoError(t, st.SaveRefreshToken(ctx, old))

	// Чужой stamp -> CAS проигран.
	next := newToken(userID, "stale-next")
	err := st.RotateRefreshToken(ctx, old.ID, uuid.New(), time.Now().UTC(), next)
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrStaleRecord)

	// Откат: старая запись не тронута, новая в БД не попала.
	gotOld, err := st.RefreshTokenByFingerprint(ctx, "stale-old")
	require.NoError(t, err)
	require.Nil(t, gotOld.RevokedAt)
	require.Equal(t, old.ConcurrencyStamp, gotOld.ConcurrencyStamp)

	_, err = st.RefreshTokenByFingerprint(ctx, "stale-next")
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIntegration_RotateRefreshToken_AlreadyRevoked_IsStale(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")

	old := newToken(userID, "revoked-old")
	require.NoError(t, st.SaveRefreshToken(ctx, old))

	ok, err := st.RevokeRefreshToken(ctx, "revoked-old", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	// Даже с актуальным на момент чтения stamp отозванную запись ротировать нельзя.
	err = st.RotateRefreshToken(ctx, old.ID, old.ConcurrencyStamp, time.Now().UTC(), newToken(userID, "revoked-next"))
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrStaleRecord)
}

// TestIntegration_RotateRefreshToken_ConcurrentRace — два конкурента ротируют
// одну и ту же запись с одним и тем же прочитанным stamp: ровно один выигрывает.
func TestIntegration_RotateRefreshToken_ConcurrentRace(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")

	old := newToken(userID, "race-old")
	require.NoError(t, st.SaveRefreshToken(ctx, old))

	now := time.Now().UTC()
	results := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := newToken(userID, fmt.Sprintf("race-next-%d", i))
			results[i] = st.RotateRefreshToken(ctx, old.ID, old.ConcurrencyStamp, now, next)
		}(i)
	}
	wg.Wait()

	var wins, stales int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		default:
			require.ErrorIs(t, err, storage.ErrStaleRecord)
			stales++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, stales)
}

func TestIntegration_RevokeRefreshToken_Flow(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")
	now := time.Now().UTC()

	require.NoError(t, st.SaveRefreshToken(ctx, newToken(userID, "to-revoke")))

	// 1) Активный токен — должен отозваться: (true, nil).
	ok, err := st.RevokeRefreshToken(ctx, "to-revoke", now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := st.RefreshTokenByFingerprint(ctx, "to-revoke")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)

	// 2) Повторная попытка — уже отозван: (false, nil).
	ok, err = st.RevokeRefreshToken(ctx, "to-revoke", now)
	require.NoError(t, err)
	require.False(t, ok)

	// 3) Не существует — (false, ErrNotFound).
	ok, err = st.RevokeRefreshToken(ctx, "absent", now)
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.False(t, ok)
}

// TestIntegration_RevokeChain — каскад по цепочке A -> B -> C: отзыв от A
// гасит всех ещё активных потомков одним запросом.
func TestIntegration_RevokeChain_RevokesDescendants(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")
	now := time.Now().UTC()

	// A ротирован в B, B ротирован в C: A и B отозваны, C активен.
	a := newToken(userID, "chain-a")
	require.NoError(t, st.SaveRefreshToken(ctx, a))

	b := newToken(userID, "chain-b")
	require.NoError(t, st.RotateRefreshToken(ctx, a.ID, a.ConcurrencyStamp, now, b))

	c := newToken(userID, "chain-c")
	require.NoError(t, st.RotateRefreshToken(ctx, b.ID, b.ConcurrencyStamp, now, c))

	// Несвязанная сессия того же пользователя каскадом не задевается.
	other := newToken(userID, "chain-other")
	require.NoError(t, st.SaveRefreshToken(ctx, other))

	n, err := st.RevokeChain(ctx, a.ID, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n) // активен был только C

	gotC, err := st.RefreshTokenByFingerprint(ctx, "chain-c")
	require.NoError(t, err)
	require.NotNil(t, gotC.RevokedAt)

	gotOther, err := st.RefreshTokenByFingerprint(ctx, "chain-other")
	require.NoError(t, err)
	require.Nil(t, gotOther.RevokedAt)
}

func TestIntegration_DeleteExpiredTokens_DeletesOnlyExpired(t *testing.T) {
	st, cleanup := startPostgres(t)
	defer cleanup()

	ctx := context.Background()
	userID := seedUser(t, st, "user@example.com")
	now := time.Now().UTC()

	expired := newToken(userID, "expired-past")
	expired.CreatedAt = now.Add(-2 * time.Hour)
	expired.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, st.SaveRefreshToken(ctx, expired))

	boundary := newToken(userID, "expired-now")
	boundary.CreatedAt = now.Add(-2 * time.Hour)
	boundary.ExpiresAt = now
	require.NoError(t, st.SaveRefreshToken(ctx, boundary))

	alive := newToken(userID, "not-expired")
	require.NoError(t, st.SaveRefreshToken(ctx, alive))

	require.NoError(t, st.DeleteExpiredTokens(ctx, now))

	_, err := st.RefreshTokenByFingerprint(ctx, "expired-past")
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.RefreshTokenByFingerprint(ctx, "expired-now")
	require.Error(t, err)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = st.RefreshTokenByFingerprint(ctx, "not-expired")
	require.NoError(t, err)
}
