package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

const testBotToken = "123456:TEST-TOKEN"

func signInitData(t *testing.T, token string, fields map[string]string) string {
	t.Helper()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	values := url.Values{}
	for _, k := range keys {
		lines = append(lines, k+"="+fields[k])
		values.Set(k, fields[k])
	}
	secret := hmacSHA256([]byte("WebAppData"), []byte(token))
	values.Set("hash", hex.EncodeToString(hmacSHA256(secret, []byte(strings.Join(lines, "\n")))))
	return values.Encode()
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func userFields(authDate time.Time) map[string]string {
	return map[string]string{
		"auth_date": strconv.FormatInt(authDate.Unix(), 10),
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":279058397,"first_name":"Vladislav","username":"vdkfrost","language_code":"ru"}`,
	}
}

func TestVerifyInitData(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid", func(t *testing.T) {
		data := signInitData(t, testBotToken, userFields(now.Add(-time.Hour)))
		u, err := VerifyInitData(data, testBotToken, 0, now)
		require.NoError(t, err)
		assert.Equal(t, int64(279058397), u.ID)
		assert.Equal(t, "vdkfrost", u.Username)
		assert.Equal(t, "Vladislav", u.FirstName)
		assert.Equal(t, "tg_279058397", u.UserRef())
	})

	t.Run("wrong token", func(t *testing.T) {
		data := signInitData(t, "other:token", userFields(now))
		_, err := VerifyInitData(data, testBotToken, 0, now)
		assert.ErrorIs(t, err, ErrInitDataSignature)
	})

	t.Run("tampered", func(t *testing.T) {
		data := signInitData(t, testBotToken, userFields(now))
		data = strings.Replace(data, "279058397", "279058398", 1)
		_, err := VerifyInitData(data, testBotToken, 0, now)
		assert.ErrorIs(t, err, ErrInitDataSignature)
	})

	t.Run("expired", func(t *testing.T) {
		data := signInitData(t, testBotToken, userFields(now.Add(-25*time.Hour)))
		_, err := VerifyInitData(data, testBotToken, 0, now)
		assert.ErrorIs(t, err, ErrInitDataExpired)
	})

	t.Run("missing hash", func(t *testing.T) {
		_, err := VerifyInitData("auth_date=1&user=%7B%7D", testBotToken, 0, now)
		assert.ErrorIs(t, err, ErrInitDataMissingHash)
	})

	t.Run("missing user", func(t *testing.T) {
		fields := userFields(now)
		delete(fields, "user")
		_, err := VerifyInitData(signInitData(t, testBotToken, fields), testBotToken, 0, now)
		assert.ErrorIs(t, err, ErrInitDataUser)
	})
}

func newAuthApp(cfg AuthConfig) *fiber.App {
	app := fiber.New()
	app.Use(AuthContextMiddleware(cfg))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		switch a := usercontext.Get(c).(type) {
		case usercontext.TelegramUser:
			return c.JSON(fiber.Map{"kind": "telegram", "admin": a.IsAdmin})
		case usercontext.AdminKey:
			return c.JSON(fiber.Map{"kind": "admin_key"})
		default:
			return c.JSON(fiber.Map{"kind": "anonymous"})
		}
	})
	app.Get("/user", RequireTelegramUser, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	app.Get("/admin", RequireAdmin, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	return app
}

func TestAuthContextMiddleware(t *testing.T) {
	now := time.Now()
	cfg := AuthConfig{
		BotToken:    testBotToken,
		AdminAPIKey: "s3cret",
		IsAdminID:   func(id int64) bool { return id == 279058397 },
	}
	app := newAuthApp(cfg)
	initData := signInitData(t, testBotToken, userFields(now))

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		status  int
	}{
		{name: "anonymous user route", path: "/user", status: fiber.StatusUnauthorized},
		{name: "telegram header", path: "/user", headers: map[string]string{"X-Telegram-Init-Data": initData}, status: fiber.StatusNoContent},
		{name: "telegram authorization", path: "/user", headers: map[string]string{"Authorization": "tma " + initData}, status: fiber.StatusNoContent},
		{name: "bad signature", path: "/user", headers: map[string]string{"X-Telegram-Init-Data": initData + "0"}, status: fiber.StatusUnauthorized},
		{name: "admin key header", path: "/admin", headers: map[string]string{"X-API-Key": "s3cret"}, status: fiber.StatusNoContent},
		{name: "admin key bearer", path: "/admin", headers: map[string]string{"Authorization": "Bearer s3cret"}, status: fiber.StatusNoContent},
		{name: "wrong admin key", path: "/admin", headers: map[string]string{"X-API-Key": "nope"}, status: fiber.StatusUnauthorized},
		{name: "admin telegram id", path: "/admin", headers: map[string]string{"X-Telegram-Init-Data": initData}, status: fiber.StatusNoContent},
		{name: "admin key is not a telegram user", path: "/user", headers: map[string]string{"X-API-Key": "s3cret"}, status: fiber.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRequireAdminForbidsRegularUser(t *testing.T) {
	app := newAuthApp(AuthConfig{BotToken: testBotToken, IsAdminID: func(int64) bool { return false }})
	req := httptest.NewRequest(fiber.MethodGet, "/admin", nil)
	req.Header.Set("X-Telegram-Init-Data", signInitData(t, testBotToken, userFields(time.Now())))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestEmptyAdminKeyNeverMatches(t *testing.T) {
	assert.False(t, matchesAdminKey("", ""))
	assert.False(t, matchesAdminKey("x", ""))
	assert.True(t, matchesAdminKey("x", "x"))
}
