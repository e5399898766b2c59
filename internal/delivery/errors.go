package delivery

import (
	"errors"
	"fmt"

	"feedrelay/internal/transport"
)

var (
	// ErrRateLimited is matched by every quota rejection.
	ErrRateLimited = errors.New("rate limited")
	// ErrDestinationMissing is re-exported so callers don't need the transport package.
	ErrDestinationMissing = transport.ErrDestinationMissing
	ErrStopped            = errors.New("delivery pipeline stopped")
)

// Scope names a quota counter domain.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopeDestination Scope = "destination"
	ScopeFeed        Scope = "feed"
)

// RateLimitError reports which quota scope rejected an article.
type RateLimitError struct {
	Scope Scope
	Key   string
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s %q reached limit %d", e.Scope, e.Key, e.Limit)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// IsRateLimited reports whether err is a quota rejection.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }
