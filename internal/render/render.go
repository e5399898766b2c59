// Package render turns articles into outbound requests for their destination
// kind and applies per-feed keyword filters.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"unicode"

	"feedrelay/internal/delivery"
	"feedrelay/internal/transport"

	"github.com/PuerkitoBio/goquery"
)

type Config struct {
	// APIBase is the Telegram Bot API root. Default https://api.telegram.org.
	APIBase string
	Token   string
	// SummaryLimit caps the plain-text summary in runes. 0 disables the summary.
	SummaryLimit   int
	DisablePreview bool
}

// Renderer implements delivery.Renderer.
type Renderer struct {
	cfg     Config
	filters map[string]Filter
}

var _ delivery.Renderer = (*Renderer)(nil)

// New builds a renderer. filters is keyed by feed id and copied.
func New(cfg Config, filters map[string]Filter) *Renderer {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	fs := make(map[string]Filter, len(filters))
	for k, v := range filters {
		fs[k] = v
	}
	return &Renderer{cfg: cfg, filters: fs}
}

func (r *Renderer) Render(_ context.Context, a delivery.Article, m transport.Medium) (*delivery.Rendered, error) {
	dest := a.Destination
	if m != nil {
		dest = m.Destination()
	}
	summary := PlainText(a.Summary)

	out := &delivery.Rendered{
		FeedID:        a.Feed.ID,
		DestinationID: dest.ID(),
	}
	passed, reason := r.filters[a.Feed.ID].Evaluate(a.Title + "\n" + summary)
	if !passed {
		out.Reason = reason
		return out, nil
	}
	out.Passed = true

	if r.cfg.SummaryLimit > 0 {
		summary = truncateRunes(summary, r.cfg.SummaryLimit)
	} else {
		summary = ""
	}

	meta := transport.Meta{ArticleID: a.ID, FeedURL: a.Feed.URL, DestinationID: dest.ID()}
	var err error
	switch dest.Kind {
	case transport.KindChannel:
		out.Payloads, err = r.telegramPayloads(dest, a, summary, meta)
	case transport.KindWebhook:
		out.Payloads, err = webhookPayloads(dest, a, summary, meta)
	default:
		err = fmt.Errorf("unsupported destination kind %q", dest.Kind)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type sendMessage struct {
	ChatID                int64  `json:"chat_id"`
	MessageThreadID       int    `json:"message_thread_id,omitempty"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

func (r *Renderer) telegramPayloads(dest transport.Destination, a delivery.Article, summary string, meta transport.Meta) ([]transport.Request, error) {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(strings.TrimSpace(a.Title)))
	b.WriteString("</b>")
	if summary != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(summary))
	}
	if a.Link != "" {
		label := a.Feed.Title
		if label == "" {
			label = "Read more"
		}
		fmt.Fprintf(&b, "\n\n<a href=\"%s\">%s</a>", html.EscapeString(a.Link), html.EscapeString(label))
	}

	url := r.cfg.APIBase + "/bot" + r.cfg.Token + "/sendMessage"
	parts := splitHTML(b.String(), TelegramTextLimit)
	reqs := make([]transport.Request, 0, len(parts))
	for _, part := range parts {
		body, err := json.Marshal(sendMessage{
			ChatID:                dest.ChatID,
			MessageThreadID:       dest.ThreadID,
			Text:                  part,
			ParseMode:             "HTML",
			DisableWebPagePreview: r.cfg.DisablePreview,
		})
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, transport.Request{
			Method:      http.MethodPost,
			URL:         url,
			Body:        body,
			ContentType: "application/json",
			Meta:        meta,
		})
	}
	return reqs, nil
}

type webhookMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

func webhookPayloads(dest transport.Destination, a delivery.Article, summary string, meta transport.Meta) ([]transport.Request, error) {
	if dest.URL == "" {
		return nil, fmt.Errorf("webhook %q has no url", dest.Name)
	}
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(strings.TrimSpace(a.Title))
	b.WriteString("**")
	if summary != "" {
		b.WriteString("\n")
		b.WriteString(summary)
	}
	if a.Link != "" {
		b.WriteString("\n")
		b.WriteString(a.Link)
	}

	parts := splitText(b.String(), WebhookTextLimit)
	reqs := make([]transport.Request, 0, len(parts))
	for _, part := range parts {
		body, err := json.Marshal(webhookMessage{Content: part, Username: a.Feed.Title})
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, transport.Request{
			Method:      http.MethodPost,
			URL:         dest.URL,
			Body:        body,
			ContentType: "application/json",
			Meta:        meta,
		})
	}
	return reqs, nil
}

// PlainText strips markup from an HTML fragment and collapses whitespace.
// Input that does not parse is returned trimmed as-is.
func PlainText(fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return ""
	}
	if !strings.ContainsAny(fragment, "<&") {
		return collapseSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return collapseSpace(fragment)
	}
	doc.Find("script, style").Remove()
	doc.Find("br, p, div, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return collapseSpace(doc.Text())
}

// collapseSpace squeezes runs of blanks to one space and keeps at most one
// empty line between paragraphs.
func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = strings.Join(strings.FieldsFunc(ln, unicode.IsSpace), " ")
		if ln == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return strings.TrimSpace(string(rs[:n])) + "…"
}
