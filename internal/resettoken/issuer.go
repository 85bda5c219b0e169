package resettoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"bikenotify/internal/delivery"
	"bikenotify/internal/eventbus"
	"bikenotify/internal/ratewindow"
	logx "bikenotify/pkg/logx"
)

const minPasswordLen = 8

type Config struct {
	TTL time.Duration
	// LinkBaseURL receives the secret as the "token" query parameter.
	LinkBaseURL string
	// PurgeGrace keeps spent tokens around this long for auditing.
	PurgeGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.PurgeGrace <= 0 {
		c.PurgeGrace = 24 * time.Hour
	}
	return c
}

// Enqueuer hands the reset email to the delivery queue.
type Enqueuer interface {
	Enqueue(j delivery.Job) error
}

type Issuer struct {
	cfg     Config
	users   UserDirectory
	store   Store
	limiter *ratewindow.Window
	queue   Enqueuer
	clk     clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
}

func NewIssuer(cfg Config, users UserDirectory, store Store, limiter *ratewindow.Window, queue Enqueuer, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Issuer {
	if clk == nil {
		clk = clock.New()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if limiter == nil {
		limiter = ratewindow.New(3, time.Hour, nil)
	}
	return &Issuer{cfg: cfg.withDefaults(), users: users, store: store, limiter: limiter, queue: queue, clk: clk, log: log, bus: bus}
}

// Issued is the result of a successful request. Secret is never persisted.
type Issued struct {
	Token  Token
	Secret string
	Link   string
}

// Event is the payload of reset.* bus events.
type Event struct {
	TokenID string    `json:"token_id"`
	UserID  string    `json:"user_id"`
	At      time.Time `json:"at"`
}

// Request mints a token for the account behind email and queues the reset
// email. Unknown accounts yield ErrUserNotFound and saturated accounts
// ErrRateLimited; callers must not reveal which one happened.
func (i *Issuer) Request(ctx context.Context, email string) (Issued, error) {
	email = normalizeEmail(email)
	if email == "" {
		return Issued{}, ErrUserNotFound
	}
	user, err := i.users.FindByEmail(ctx, email)
	if err != nil {
		return Issued{}, err
	}

	now := i.clk.Now()
	ok, err := i.limiter.TryRecordActivity(ctx, user.ID, now)
	if err != nil {
		return Issued{}, fmt.Errorf("reset rate check: %w", err)
	}
	if !ok {
		i.log.Info("password reset rate limited", logx.String("user", user.ID))
		return Issued{}, ErrRateLimited
	}

	secret, err := newSecret()
	if err != nil {
		return Issued{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Issued{}, fmt.Errorf("token id: %w", err)
	}
	tok := Token{
		ID:         id.String(),
		UserID:     user.ID,
		SecretHash: HashSecret(secret),
		CreatedAt:  now,
		ExpiresAt:  now.Add(i.cfg.TTL),
	}
	if err := i.store.Create(ctx, tok); err != nil {
		return Issued{}, fmt.Errorf("store reset token: %w", err)
	}

	out := Issued{Token: tok, Secret: secret, Link: i.link(secret)}
	if i.queue != nil {
		err := i.queue.Enqueue(delivery.Job{
			Kind:           delivery.KindPasswordReset,
			TargetEntityID: tok.ID,
			RecipientID:    user.ID,
			Recipient:      user.Email,
			Payload:        resetPayload(user, out.Link, i.cfg.TTL),
		})
		if err != nil {
			// The token stays valid; the user can ask again within the limit.
			i.log.Error("password reset email not queued", logx.String("user", user.ID), logx.String("token", tok.ID), logx.Err(err))
		}
	}

	i.log.Info("password reset issued", logx.String("user", user.ID), logx.String("token", tok.ID), logx.Time("expires_at", tok.ExpiresAt))
	i.bus.Publish(eventbus.Event{Type: eventbus.TypeResetIssued, Time: now, Data: Event{TokenID: tok.ID, UserID: user.ID, At: now}})
	return out, nil
}

// Redeem consumes the token behind secret. A used token yields
// ErrAlreadyUsed even after it has also expired; an expired token is left
// untouched.
func (i *Issuer) Redeem(ctx context.Context, secret string) (Token, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return Token{}, ErrInvalidToken
	}
	tok, err := i.store.FindByHash(ctx, HashSecret(secret))
	if err != nil {
		return Token{}, err
	}

	now := i.clk.Now()
	switch tok.State(now) {
	case StateRedeemed:
		return Token{}, ErrAlreadyUsed
	case StateExpired:
		return Token{}, ErrExpired
	}

	ok, err := i.store.MarkUsed(ctx, tok.ID, now)
	if err != nil {
		return Token{}, fmt.Errorf("mark reset token used: %w", err)
	}
	if !ok {
		return Token{}, ErrAlreadyUsed
	}
	tok.IsUsed = true
	tok.UsedAt = now

	i.log.Info("password reset redeemed", logx.String("user", tok.UserID), logx.String("token", tok.ID))
	i.bus.Publish(eventbus.Event{Type: eventbus.TypeResetRedeemed, Time: now, Data: Event{TokenID: tok.ID, UserID: tok.UserID, At: now}})
	return tok, nil
}

// Confirm redeems secret and sets the account password. The password is
// checked first so a rejected password does not burn the token.
func (i *Issuer) Confirm(ctx context.Context, secret, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return ErrWeakPassword
		}
		return fmt.Errorf("hash password: %w", err)
	}
	tok, err := i.Redeem(ctx, secret)
	if err != nil {
		return err
	}
	if err := i.users.SetPasswordHash(ctx, tok.UserID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// Purge deletes tokens spent longer ago than the configured grace period.
func (i *Issuer) Purge(ctx context.Context) (int, error) {
	n, err := i.store.PurgeBefore(ctx, i.clk.Now().Add(-i.cfg.PurgeGrace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		i.log.Info("reset tokens purged", logx.Int("count", n))
	}
	return n, nil
}

func (i *Issuer) link(secret string) string {
	base := strings.TrimSpace(i.cfg.LinkBaseURL)
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", secret)
	u.RawQuery = q.Encode()
	return u.String()
}

// HashSecret is the stored digest of a reset secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate reset secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func resetPayload(u User, link string, ttl time.Duration) delivery.Payload {
	name := strings.TrimSpace(u.Name)
	if name == "" {
		name = "there"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\nSomeone asked to reset the password for this account.\n", name)
	if link != "" {
		fmt.Fprintf(&b, "\nUse this link within %s:\n%s\n", ttl.Round(time.Minute), link)
	}
	b.WriteString("\nIf it wasn't you, ignore this email. Your password stays the same.\n")
	return delivery.Payload{Subject: "Reset your password", Text: b.String()}
}
