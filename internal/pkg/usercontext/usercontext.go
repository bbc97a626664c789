package usercontext

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const userRefPrefix = "tg_"

// AuthContext is the authenticated identity of a request. It is one of
// Anonymous, TelegramUser or AdminKey.
type AuthContext interface {
	authContext()
}

// Anonymous is a request without valid credentials.
type Anonymous struct{}

// TelegramUser is a request signed with Telegram WebApp init data.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	IsAdmin   bool   `json:"is_admin"`
}

// AdminKey is a request carrying the operator API key.
type AdminKey struct{}

func (Anonymous) authContext()    {}
func (TelegramUser) authContext() {}
func (AdminKey) authContext()     {}

// UserRef is the stable reference stored on orders and credentials.
func (u TelegramUser) UserRef() string {
	return UserRefFromTelegramID(u.ID)
}

// Get returns the request's auth context, Anonymous when none was set.
func Get(c *fiber.Ctx) AuthContext {
	if auth, ok := c.Locals(KeyAuthContext).(AuthContext); ok && auth != nil {
		return auth
	}
	return Anonymous{}
}

func Set(c *fiber.Ctx, auth AuthContext) {
	c.Locals(KeyAuthContext, auth)
}

// GetTelegramUser returns the Telegram identity, if the request has one.
func GetTelegramUser(c *fiber.Ctx) (TelegramUser, bool) {
	u, ok := Get(c).(TelegramUser)
	return u, ok
}

// IsAdmin reports operator access through the API key or an admin Telegram id.
func IsAdmin(auth AuthContext) bool {
	switch a := auth.(type) {
	case AdminKey:
		return true
	case TelegramUser:
		return a.IsAdmin
	default:
		return false
	}
}

func UserRefFromTelegramID(id int64) string {
	return userRefPrefix + strconv.FormatInt(id, 10)
}

// TelegramIDFromUserRef accepts "tg_<id>" and bare numeric refs.
func TelegramIDFromUserRef(ref string) (int64, bool) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), userRefPrefix)
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
