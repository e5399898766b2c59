// Package httpsink performs rendered outbound requests over net/http and maps
// upstream answers onto transport errors.
package httpsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	"golang.org/x/time/rate"
)

type Config struct {
	// RatePerSec caps requests across all destinations. 0 disables pacing.
	RatePerSec int
	Timeout    time.Duration
	UserAgent  string
}

// Sink implements delivery.Sink.
type Sink struct {
	client  *http.Client
	limiter *rate.Limiter
	ua      string
	log     logx.Logger
}

func New(cfg Config, client *http.Client, log logx.Logger) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{
		client: client,
		ua:     cfg.UserAgent,
		log:    log.With(logx.String("comp", "httpsink")),
	}
	if cfg.RatePerSec > 0 {
		// Burst = rate so short spikes don't block too hard.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

// Do sends req once. Non-2xx answers (and Telegram's {"ok": false}) become a
// *transport.APIError; network failures are returned as-is.
func (s *Sink) Do(ctx context.Context, req transport.Request) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return err
	}
	if req.ContentType != "" {
		hreq.Header.Set("Content-Type", req.ContentType)
	}
	if s.ua != "" {
		hreq.Header.Set("User-Agent", s.ua)
	}

	start := time.Now()
	resp, err := s.client.Do(hreq)
	if err != nil {
		return scrub(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	s.log.Trace("request done",
		logx.String("article", req.Meta.ArticleID),
		logx.String("destination", req.Meta.DestinationID),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if apiErr := classify(resp, body); apiErr != nil {
		return apiErr
	}
	return nil
}

// upstreamAnswer covers Telegram ({ok, error_code, description, parameters})
// and Discord-style webhooks ({message, retry_after}).
type upstreamAnswer struct {
	OK          *bool  `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`

	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
}

func classify(resp *http.Response, body []byte) *transport.APIError {
	var ans upstreamAnswer
	_ = json.Unmarshal(body, &ans)

	ok2xx := resp.StatusCode/100 == 2
	if ok2xx && (ans.OK == nil || *ans.OK) {
		return nil
	}

	status := resp.StatusCode
	if ok2xx && ans.ErrorCode != 0 {
		status = ans.ErrorCode
	}
	e := &transport.APIError{Status: status, Code: ans.ErrorCode, Description: ans.Description}
	if e.Description == "" {
		e.Description = ans.Message
	}
	if e.Description == "" {
		e.Description = strings.TrimSpace(string(body))
		if len(e.Description) > 200 {
			e.Description = e.Description[:200]
		}
	}

	switch {
	case ans.Parameters.RetryAfter > 0:
		e.RetryAfter = time.Duration(ans.Parameters.RetryAfter) * time.Second
	case ans.RetryAfter > 0:
		e.RetryAfter = time.Duration(ans.RetryAfter * float64(time.Second))
	default:
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	}
	return e
}

// scrub drops the request URL from transport errors: Bot API URLs embed the token.
func scrub(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s request failed: %w", uerr.Op, uerr.Err)
	}
	return err
}
