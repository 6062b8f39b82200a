package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/gamevault/auth-service/internal/config"
	"github.com/gamevault/auth-service/internal/models"
	"github.com/gamevault/auth-service/mocks"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:       "unit-test-jwt-secret-0123456789abcdef",
		RefreshPepper:   "unit-test-refresh-pepper-0123456789abcdef",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		Issuer:          "gamevault-auth",
		Audience:        []string{"gamevault-api"},
	}
}

func newServiceWithMock(t *testing.T) (*Service, *mocks.MockStorage, *mocks.MockProvider, *gomock.Controller) {
	t.Helper()
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStorage(ctrl)
	idp := mocks.NewMockProvider(ctrl)
	svc, err := New(st, idp, testAuthCfg())
	require.NoError(t, err)
	return svc, st, idp, ctrl
}

func TestFingerprint_Deterministic_And_KeyedByPepper(t *testing.T) {
	svc, _, _, ctrl := newServiceWithMock(t)
	defer ctrl.Finish()

	secret := "some-refresh-secret"

	fp1 := svc.Fingerprint(secret)
	fp2 := svc.Fingerprint(secret)
	require.Equal(t, fp1, fp2)
	require.NotEqual(t, secret, fp1)

	// HMAC-SHA256 -> 32 байта, base64url без паддинга.
	raw, err := base64.RawURLEncoding.DecodeString(fp1)
	require.NoError(t, err)
	require.Len(t, raw, 32)

	// Другой pepper -> другой fingerprint того же секрета.
	cfg := testAuthCfg()
	cfg.RefreshPepper = "another-refresh-pepper-0123456789abcdef"
	other, err := New(mocks.NewMockStorage(ctrl), mocks.NewMockProvider(ctrl), cfg)
	require.NoError(t, err)
	require.NotEqual(t, fp1, other.Fingerprint(secret))

	// Разные секреты не коллидируют.
	require.NotEqual(t, fp1, svc.Fingerprint(secret+"x"))
}

func TestMintAccessToken_AndValidate_OK(t *testing.T) {
	svc, _, _, ctrl := newServiceWithMock(t)
	defer ctrl.Finish()

	ctx := context.Background()
	user := &models.User{ID: uuid.New(), Email: "user@example.com"}
	roles := []string{"player", "moderator"}
	now := time.Now().UTC()

	at, err := svc.mintAccessToken(ctx, user, roles, now)
	require.NoError(t, err)

	uid, email, gotRoles, err := svc.validateAccessToken(at)
	require.NoError(t, err)
	require.Equal(t, user.ID, uid)
	require.Equal(t, user.Email, email)
	require.Equal(t, roles, gotRoles)
}

func TestValidateAccessToken_WrongAlg_WrongIssuer_WrongAudience(t *testing.T) {
	svc, _, _, ctrl := newServiceWithMock(t)
	defer ctrl.Finish()

	secret := []byte(testAuthCfg().JWTSecret)
	uid := uuid.New()
	now := time.Now().UTC()

	t.Run("wrong alg", func(t *testing.T) {
		claims := jwt.MapClaims{
			"uid":   uid.String(),
			"email": "a@b.c",
			"iss":   testAuthCfg().Issuer,
			"sub":   uid.String(),
			"aud":   testAuthCfg().Audience,
			"exp":   now.Add(testAuthCfg().AccessTokenTTL).Unix(),
			"iat":   now.Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
		signed, err := token.SignedString(secret)
		require.NoError(t, err)

		_, _, _, err = svc.validateAccessToken(signed)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := jwt.MapClaims{
			"uid":   uid.String(),
			"email": "a@b.c",
			"iss":   "another-issuer",
			"sub":   uid.String(),
			"aud":   testAuthCfg().Audience,
			"exp":   now.Add(testAuthCfg().AccessTokenTTL).Unix(),
			"iat":   now.Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(secret)
		require.NoError(t, err)

		_, _, _, err = svc.validateAccessToken(signed)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := jwt.MapClaims{
			"uid":   uid.String(),
			"email": "a@b.c",
			"iss":   testAuthCfg().Issuer,
			"sub":   uid.String(),
			"aud":   []string{"unexpected-aud"},
			"exp":   now.Add(testAuthCfg().AccessTokenTTL).Unix(),
			"iat":   now.Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(secret)
		require.NoError(t, err)

		_, _, _, err = svc.validateAccessToken(signed)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong key", func(t *testing.T) {
		claims := jwt.MapClaims{
			"uid":   uid.String(),
			"email": "a@b.c",
			"iss":   testAuthCfg().Issuer,
			"sub":   uid.String(),
			"aud":   testAuthCfg().Audience,
			"exp":   now.Add(testAuthCfg().AccessTokenTTL).Unix(),
			"iat":   now.Unix(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte("wrong-signing-key-0123456789abcdef"))
		require.NoError(t, err)

		_, _, _, err = svc.validateAccessToken(signed)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidateAccessToken_Expired(t *testing.T) {
	svc, _, _, ctrl := newServiceWithMock(t)
	defer ctrl.Finish()

	// TTL заведомо за пределами leeway валидатора.
	cfg := svc.cfg
	cfg.AccessTokenTTL = -30 * time.Second
	svc.cfg = cfg

	user := &models.User{ID: uuid.New(), Email: "user@example.com"}
	at, err := svc.mintAccessToken(context.Background(), user, nil, time.Now().UTC())
	require.NoError(t, err)

	_, _, _, err = svc.validateAccessToken(at)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateAccessToken_InvalidUIDClaim(t *testing.T) {
	svc, _, _, ctrl := newServiceWithMock(t)
	defer ctrl.Finish()

	secret := []byte(testAuthCfg().JWTSecret)
	now := time.Now().UTC()

	claims := jwt.MapClaims{
		"uid":   "not-a-uuid",
		"email": "a@b.c",
		"iss":   testAuthCfg().Issuer,
		"sub":   "not-a-uuid",
		"aud":   testAuthCfg().Audience,
		"exp":   now.Add(testAuthCfg().AccessTokenTTL).Unix(),
		"iat":   now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	_, _, _, err = svc.validateAccessToken(signed)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewRefreshSecret_UniqueAndHighEntropy(t *testing.T) {
	s1, err := newRefreshSecret()
	require.NoError(t, err)
	s2, err := newRefreshSecret()
	require.NoError(t, err)

	require.NotEqual(t, s1, s2)

	raw, err := base64.RawURLEncoding.DecodeString(s1)
	require.NoError(t, err)
	require.Len(t, raw, refreshSecretBytes)
}

func TestNewRefreshRecord_StoresFingerprintOnly(t *testing.T) {
	svc, _, _, ctrl := newServiceWithMock(t)
	defer ctrl.Finish()

	uid := uuid.New()
	device := models.DeviceContext{DeviceID: "device-1", UserAgent: "ua/1.0"}
	now := time.Now().UTC()

	plain, record, err := svc.newRefreshRecord(uid, device, now)
	require.NoError(t, err)
	require.NotEmpty(t, plain)

	// В записи нет сырого секрета, только его keyed-хэш.
	require.Equal(t, svc.Fingerprint(plain), record.Fingerprint)
	require.NotContains(t, record.Fingerprint, plain)

	require.Equal(t, uid, record.UserID)
	require.Equal(t, "device-1", record.DeviceID)
	require.Equal(t, "ua/1.0", record.UserAgent)
	require.Equal(t, now, record.CreatedAt)
	require.Equal(t, now.Add(svc.cfg.RefreshTokenTTL), record.ExpiresAt)
	require.NotEqual(t, uuid.Nil, record.ID)
	require.NotEqual(t, uuid.Nil, record.ConcurrencyStamp)
	require.Nil(t, record.RevokedAt)
	require.Nil(t, record.ReplacedByID)
}

// fmtWrap - оборачивает ошибку из storage, имитируя fmt.Errorf("%w").
func fmtWrap(err error) error { return fmt.Errorf("wrapped: %w", err) }
