package marzban

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/outlivion/outlivion-api/internal/pkg/config"
)

const secondsPerDay = 86400

// Grant is the result of a successful activation.
type Grant struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

// AccountStatus is the read model behind the user status endpoint.
type AccountStatus struct {
	Username    string     `json:"username"`
	Status      string     `json:"status"`
	Active      bool       `json:"active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	DaysLeft    int        `json:"days_left"`
	UsedTraffic int64      `json:"used_traffic"`
	DataLimit   int64      `json:"data_limit"`
}

// Panel is the subset of Client used by Service.
type Panel interface {
	GetUser(ctx context.Context, username string) (*User, error)
	CreateUser(ctx context.Context, in UserCreate) (*User, error)
	ModifyUser(ctx context.Context, username string, in UserModify) (*User, error)
	RevokeSubscription(ctx context.Context, username string) (*User, error)
}

// Service applies the account policy on top of the panel API.
type Service struct {
	panel        Panel
	publicPrefix string
	inbound      string
	now          func() time.Time
}

func NewService(panel Panel, cfg config.MarzbanConfig) *Service {
	prefix := strings.TrimRight(cfg.PublicURLPrefix, "/")
	if prefix == "" {
		prefix = strings.TrimRight(cfg.BaseURL, "/")
	}
	inbound := cfg.Inbound
	if inbound == "" {
		inbound = "VLESS TCP REALITY"
	}
	return &Service{
		panel:        panel,
		publicPrefix: prefix,
		inbound:      inbound,
		now:          time.Now,
	}
}

// Activate creates, reactivates or extends the account behind userRef.
// An active account is extended by durationDays from its current expiry;
// a missing, expired or disabled one runs durationDays from now.
func (s *Service) Activate(ctx context.Context, userRef string, durationDays int) (*Grant, error) {
	if durationDays <= 0 {
		return nil, fmt.Errorf("%w: non-positive duration %d", ErrProvisioning, durationDays)
	}
	now := s.now().Unix()
	extend := int64(durationDays) * secondsPerDay

	user, err := s.findUser(ctx, userRef)
	if err != nil {
		return nil, err
	}

	if user == nil {
		username := candidateUsernames(userRef)[0]
		log.Infof("[Marzban] Creating account %s for %d days", username, durationDays)
		user, err = s.panel.CreateUser(ctx, UserCreate{
			Username:  username,
			Proxies:   map[string]map[string]string{"vless": {}},
			Inbounds:  map[string][]string{"vless": {s.inbound}},
			Expire:    now + extend,
			DataLimit: 0,
			Status:    StatusActive,
		})
		if err != nil {
			return nil, err
		}
	} else {
		base := now
		if isActive(user, now) && user.Expire != nil && *user.Expire > now {
			base = *user.Expire
		}
		log.Infof("[Marzban] Renewing account %s by %d days", user.Username, durationDays)
		user, err = s.panel.ModifyUser(ctx, user.Username, UserModify{
			Expire: base + extend,
			Status: StatusActive,
		})
		if err != nil {
			return nil, err
		}
	}

	cred := s.credentialOf(user)
	if cred == "" {
		return nil, fmt.Errorf("%w: account %s has neither subscription url nor links", ErrProvisioning, user.Username)
	}
	grant := &Grant{Username: user.Username, Credential: cred}
	if user.Expire != nil && *user.Expire > 0 {
		grant.ExpiresAt = time.Unix(*user.Expire, 0).UTC()
	}
	return grant, nil
}

// CurrentConfig returns the credential for userRef or "" when no account exists.
func (s *Service) CurrentConfig(ctx context.Context, userRef string) (string, error) {
	user, err := s.findUser(ctx, userRef)
	if err != nil || user == nil {
		return "", err
	}
	return s.credentialOf(user), nil
}

// Status returns nil when no account exists.
func (s *Service) Status(ctx context.Context, userRef string) (*AccountStatus, error) {
	user, err := s.findUser(ctx, userRef)
	if err != nil || user == nil {
		return nil, err
	}
	now := s.now()
	st := &AccountStatus{
		Username:    user.Username,
		Status:      user.Status,
		Active:      isActive(user, now.Unix()),
		UsedTraffic: user.UsedTraffic,
	}
	if user.DataLimit != nil {
		st.DataLimit = *user.DataLimit
	}
	if user.Expire != nil && *user.Expire > 0 {
		exp := time.Unix(*user.Expire, 0).UTC()
		st.ExpiresAt = &exp
		if left := exp.Sub(now); left > 0 {
			st.DaysLeft = int((left + 24*time.Hour - 1) / (24 * time.Hour))
		}
	}
	return st, nil
}

// RotateCredential revokes the subscription token and returns the new credential.
func (s *Service) RotateCredential(ctx context.Context, userRef string) (*Grant, error) {
	user, err := s.findUser(ctx, userRef)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	if _, err := s.panel.RevokeSubscription(ctx, user.Username); err != nil {
		return nil, err
	}
	user, err = s.panel.GetUser(ctx, user.Username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	cred := s.credentialOf(user)
	if cred == "" {
		return nil, fmt.Errorf("%w: account %s has neither subscription url nor links", ErrProvisioning, user.Username)
	}
	grant := &Grant{Username: user.Username, Credential: cred}
	if user.Expire != nil && *user.Expire > 0 {
		grant.ExpiresAt = time.Unix(*user.Expire, 0).UTC()
	}
	return grant, nil
}

func (s *Service) findUser(ctx context.Context, userRef string) (*User, error) {
	for _, name := range candidateUsernames(userRef) {
		user, err := s.panel.GetUser(ctx, name)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}
	return nil, nil
}

func (s *Service) credentialOf(u *User) string {
	if sub := strings.TrimSpace(u.SubscriptionURL); sub != "" {
		if strings.HasPrefix(sub, "http://") || strings.HasPrefix(sub, "https://") {
			return sub
		}
		return s.publicPrefix + "/" + strings.TrimLeft(sub, "/")
	}
	for _, link := range u.Links {
		if strings.TrimSpace(link) != "" {
			return link
		}
	}
	return ""
}

func isActive(u *User, now int64) bool {
	if u.Status != StatusActive {
		return false
	}
	return u.Expire == nil || *u.Expire == 0 || *u.Expire > now
}

// candidateUsernames lists panel usernames for a user ref, preferred first.
// Telegram users were created both as "tg_<id>" and as the bare id.
func candidateUsernames(userRef string) []string {
	ref := strings.TrimSpace(userRef)
	id := strings.TrimPrefix(ref, "tg_")
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return []string{"tg_" + id, id}
	}
	return []string{ref}
}
