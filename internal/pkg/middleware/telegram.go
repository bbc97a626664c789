package middleware

import (
	"errors"
	"fmt"
	"time"

	initdata "github.com/telegram-mini-apps/init-data-golang"

	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

// DefaultInitDataMaxAge bounds how old a signed init data payload may be.
const DefaultInitDataMaxAge = 24 * time.Hour

var (
	ErrInitDataMissingHash = errors.New("hash not found in init data")
	ErrInitDataSignature   = errors.New("init data signature mismatch")
	ErrInitDataExpired     = errors.New("init data expired")
	ErrInitDataUser        = errors.New("init data has no valid user")
)

// VerifyInitData checks a Telegram WebApp init data string signed with
// botToken and returns the user it carries. Expiry is judged against now.
func VerifyInitData(raw, botToken string, maxAge time.Duration, now time.Time) (usercontext.TelegramUser, error) {
	if err := initdata.Validate(raw, botToken, 0); err != nil {
		switch {
		case errors.Is(err, initdata.ErrSignMissing):
			return usercontext.TelegramUser{}, ErrInitDataMissingHash
		case errors.Is(err, initdata.ErrAuthDateMissing):
			return usercontext.TelegramUser{}, fmt.Errorf("%w: %v", ErrInitDataExpired, err)
		case errors.Is(err, initdata.ErrSignInvalid):
			return usercontext.TelegramUser{}, ErrInitDataSignature
		default:
			return usercontext.TelegramUser{}, fmt.Errorf("validate init data: %w", err)
		}
	}

	data, err := initdata.Parse(raw)
	if err != nil {
		return usercontext.TelegramUser{}, fmt.Errorf("parse init data: %w", err)
	}
	if maxAge <= 0 {
		maxAge = DefaultInitDataMaxAge
	}
	if now.Sub(data.AuthDate()) > maxAge {
		return usercontext.TelegramUser{}, ErrInitDataExpired
	}
	if data.User.ID <= 0 {
		return usercontext.TelegramUser{}, ErrInitDataUser
	}
	return usercontext.TelegramUser{
		ID:        data.User.ID,
		Username:  data.User.Username,
		FirstName: data.User.FirstName,
	}, nil
}
