// Package identity resolves the authenticated user and their profile.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"spacebook/internal/ledger"
)

// CollectionUsers holds user profiles keyed by user id.
const CollectionUsers = "users"

const (
	fieldUserID   = "userId"
	fieldEmail    = "email"
	fieldName     = "displayName"
	fieldTelegram = "telegramChatId"
)

var ErrUserNotFound = errors.New("user not found")

// User is an authenticated principal with its profile.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	DisplayName    string `json:"displayName"`
	TelegramChatID int64  `json:"telegramChatId,omitempty"`
}

// Provider exposes the user a request acts for.
type Provider interface {
	CurrentUser(ctx context.Context) (*User, bool)
}

type ctxKey struct{}

// WithUser scopes ctx to u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// CurrentUser returns the user stored by WithUser.
func CurrentUser(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*User)
	return u, ok && u != nil
}

// ContextProvider reads the user from the request context.
type ContextProvider struct{}

func (ContextProvider) CurrentUser(ctx context.Context) (*User, bool) {
	return CurrentUser(ctx)
}

// Directory stores user profiles in the ledger.
type Directory struct {
	ledger ledger.Ledger
	logger zerolog.Logger
}

func NewDirectory(l ledger.Ledger, logger zerolog.Logger) *Directory {
	return &Directory{ledger: l, logger: logger.With().Str("component", "identity").Logger()}
}

func (d *Directory) Get(ctx context.Context, id string) (*User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrUserNotFound
	}
	rec, err := d.ledger.Get(ctx, CollectionUsers, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	u := &User{
		ID:          id,
		Email:       rec[fieldEmail],
		DisplayName: rec[fieldName],
	}
	if v := rec[fieldTelegram]; v != "" {
		chatID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			d.logger.Warn().Err(err).Str("user_id", id).Str("value", v).Msg("ignoring malformed telegram chat id")
			chatID = 0
		}
		u.TelegramChatID = chatID
	}
	return u, nil
}

// Put creates or replaces a profile.
func (d *Directory) Put(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("identity: empty user id")
	}
	rec := ledger.Record{
		fieldUserID: u.ID,
		fieldEmail:  u.Email,
		fieldName:   u.DisplayName,
	}
	if u.TelegramChatID != 0 {
		rec[fieldTelegram] = strconv.FormatInt(u.TelegramChatID, 10)
	}
	if err := d.ledger.Put(ctx, CollectionUsers, u.ID, rec); err != nil {
		return fmt.Errorf("put user %s: %w", u.ID, err)
	}
	return nil
}

// TelegramChatID returns 0 when the user has not linked a chat.
func (d *Directory) TelegramChatID(ctx context.Context, userID string) (int64, error) {
	u, err := d.Get(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.TelegramChatID, nil
}
