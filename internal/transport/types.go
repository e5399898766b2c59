package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind tags a Destination variant.
type Kind string

const (
	KindChannel Kind = "channel"
	KindWebhook Kind = "webhook"
)

// Destination is where rendered articles go: a Telegram chat (channel, group,
// forum topic) or a webhook endpoint.
type Destination struct {
	Kind Kind
	// Name is the operator-facing name from config (used for webhooks).
	Name string

	// Channel fields.
	ChatID   int64
	ThreadID int

	// Webhook fields.
	URL string
}

// ID returns the stable identifier used for queues, quotas and records.
func (d Destination) ID() string {
	switch d.Kind {
	case KindChannel:
		if d.ThreadID != 0 {
			return "channel:" + strconv.FormatInt(d.ChatID, 10) + "/" + strconv.Itoa(d.ThreadID)
		}
		return "channel:" + strconv.FormatInt(d.ChatID, 10)
	case KindWebhook:
		return "webhook:" + d.Name
	default:
		return string(d.Kind) + ":" + d.Name
	}
}

func (d Destination) String() string { return d.ID() }

// Meta correlates an outbound request with the article it carries.
// It is for logging only; nothing branches on it.
type Meta struct {
	ArticleID     string
	FeedURL       string
	DestinationID string
}

// Request is one outbound HTTP call.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Meta        Meta
}

// Medium is a resolved destination that can also receive plain operator text
// (used for diagnostics that bypass the delivery pipeline).
type Medium interface {
	Destination() Destination
	SendText(ctx context.Context, text string) error
}

var (
	// ErrDestinationMissing means the destination no longer exists or the bot
	// lost access to it.
	ErrDestinationMissing = errors.New("destination missing")
	// ErrBadRequest means the upstream API rejected the payload as malformed.
	ErrBadRequest = errors.New("bad request")
	// ErrUpstreamLimited means the upstream API throttled the request (HTTP 429).
	ErrUpstreamLimited = errors.New("upstream rate limited")
)

// APIError is a non-2xx answer from an upstream API.
type APIError struct {
	Status      int
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = "no description"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("api error %d: %s (retry after %s)", e.Status, desc, e.RetryAfter)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, desc)
}

// Is maps HTTP answers onto the transport sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUpstreamLimited:
		return e.Status == 429
	case ErrBadRequest:
		return e.Status == 400 && !looksMissing(e.Description)
	case ErrDestinationMissing:
		return e.Status == 404 || e.Status == 403 || (e.Status == 400 && looksMissing(e.Description))
	}
	return false
}

// Telegram reports vanished chats as 400 "chat not found" instead of 404.
func looksMissing(desc string) bool {
	d := strings.ToLower(desc)
	return strings.Contains(d, "chat not found") ||
		strings.Contains(d, "thread not found") ||
		strings.Contains(d, "bot was kicked") ||
		strings.Contains(d, "channel_private")
}

// KindResolver resolves destinations of a single Kind.
type KindResolver interface {
	Resolve(ctx context.Context, d Destination) (Medium, error)
}

// Mux routes resolution by destination kind.
type Mux map[Kind]KindResolver

func (m Mux) Resolve(ctx context.Context, d Destination) (Medium, error) {
	r, ok := m[d.Kind]
	if !ok || r == nil {
		return nil, fmt.Errorf("%w: no resolver for %q destinations", ErrDestinationMissing, d.Kind)
	}
	return r.Resolve(ctx, d)
}
