// Package telegram resolves channel destinations through the Bot API and sends
// operator text (diagnostics, log alerts) to chats.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token   string
	APIBase string
	Timeout time.Duration
	// VerifyTTL is how long a successful chat lookup is trusted. Default 10m.
	VerifyTTL time.Duration
}

// Client wraps a telebot Bot used only for outbound calls (no polling).
type Client struct {
	bot *tele.Bot
	log logx.Logger
	ttl time.Duration

	mu       sync.Mutex
	verified map[int64]time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.VerifyTTL <= 0 {
		cfg.VerifyTTL = 10 * time.Minute
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimRight(cfg.APIBase, "/"),
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		bot:      b,
		log:      log.With(logx.String("comp", "telegram")),
		ttl:      cfg.VerifyTTL,
		verified: map[int64]time.Time{},
	}, nil
}

// Resolve checks that the chat still exists and the bot can see it.
// Lookups are cached for VerifyTTL; a send failure invalidates nothing here,
// the pipeline handles that case on its own.
func (c *Client) Resolve(ctx context.Context, d transport.Destination) (transport.Medium, error) {
	if d.Kind != transport.KindChannel {
		return nil, errors.New("telegram: not a channel destination: " + d.ID())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	at, ok := c.verified[d.ChatID]
	c.mu.Unlock()
	if ok && time.Since(at) < c.ttl {
		return &channel{c: c, dest: d}, nil
	}

	// telebot takes no context; a cancelled caller stops waiting and the
	// lookup finishes in the background.
	done := make(chan error, 1)
	go func() {
		_, err := c.bot.ChatByID(d.ChatID)
		done <- err
	}()
	var err error
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err = <-done:
	}
	if err != nil {
		mapped := mapError(err)
		c.mu.Lock()
		delete(c.verified, d.ChatID)
		c.mu.Unlock()
		return nil, mapped
	}

	c.mu.Lock()
	c.verified[d.ChatID] = time.Now()
	c.mu.Unlock()
	return &channel{c: c, dest: d}, nil
}

func (c *Client) send(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r := []rune(text); len(r) > textLimit {
		text = string(r[:textLimit-1]) + "…"
	}
	_, err := c.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return mapError(err)
}

// AlertSender returns a logx.AlertSender posting to chatID (and thread).
func (c *Client) AlertSender(chatID int64, threadID int) logx.AlertSender {
	return alertSender{c: c, chatID: chatID, threadID: threadID}
}

type channel struct {
	c    *Client
	dest transport.Destination
}

func (ch *channel) Destination() transport.Destination { return ch.dest }

func (ch *channel) SendText(ctx context.Context, text string) error {
	return ch.c.send(ctx, ch.dest.ChatID, ch.dest.ThreadID, text)
}

type alertSender struct {
	c        *Client
	chatID   int64
	threadID int
}

func (a alertSender) SendAlert(ctx context.Context, text string) error {
	return a.c.send(ctx, a.chatID, a.threadID, text)
}

// mapError converts telebot errors to *transport.APIError so callers can use
// the transport sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.APIError{
			Status:      http.StatusTooManyRequests,
			Code:        http.StatusTooManyRequests,
			Description: flood.Error(),
			RetryAfter:  time.Duration(flood.RetryAfter) * time.Second,
		}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return &transport.APIError{Status: te.Code, Code: te.Code, Description: te.Description}
	}
	return err
}
