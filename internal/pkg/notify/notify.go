package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gopkg.in/telebot.v3"

	"github.com/outlivion/outlivion-api/internal/pkg/usercontext"
)

var ErrNoRecipient = errors.New("user ref has no telegram recipient")

// Notifier delivers messages to users and to operators.
type Notifier interface {
	NotifyUser(ctx context.Context, userRef, text string) error
	AlertOperators(ctx context.Context, text string) error
}

// TelegramNotifier sends through the bot API.
type TelegramNotifier struct {
	bot    *telebot.Bot
	admins []int64
}

// NewTelegramNotifier builds an offline bot: no getMe call and no polling.
// apiURL is empty in production.
func NewTelegramNotifier(token, apiURL string, admins []int64) (*TelegramNotifier, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		URL:     apiURL,
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, admins: admins}, nil
}

func (n *TelegramNotifier) NotifyUser(ctx context.Context, userRef, text string) error {
	id, ok := usercontext.TelegramIDFromUserRef(userRef)
	if !ok {
		return ErrNoRecipient
	}
	return n.send(ctx, id, text)
}

func (n *TelegramNotifier) AlertOperators(ctx context.Context, text string) error {
	var errs []error
	for _, id := range n.admins {
		if err := n.send(ctx, id, text); err != nil {
			errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (n *TelegramNotifier) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := n.bot.Send(telebot.ChatID(chatID), text, telebot.ModeHTML, telebot.NoPreview)
	return err
}

// LogNotifier only logs. Used when no bot token is configured.
type LogNotifier struct{}

func (LogNotifier) NotifyUser(_ context.Context, userRef, text string) error {
	log.Infof("[Notify] user %s: %s", userRef, text)
	return nil
}

func (LogNotifier) AlertOperators(_ context.Context, text string) error {
	log.Warnf("[Notify] operator alert: %s", text)
	return nil
}
