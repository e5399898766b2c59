// Package feeds fetches RSS/Atom/JSON feeds and turns unseen items into
// delivery candidates.
//
// Each feed keeps a bounded set of item keys already handed out. The very
// first refresh of a feed with no remembered keys only seeds that set, so a
// newly added feed does not flood its destinations with its backlog.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/transport"
	logx "feedrelay/pkg/logx"

	"github.com/mmcdole/gofeed"
)

const maxFeedBytes = 8 << 20

var ErrUnknownFeed = errors.New("unknown feed")

// SeenStore persists the remembered item keys. storage.Store satisfies it.
type SeenStore interface {
	LoadSeen(ctx context.Context, feedID string) ([]string, error)
	SaveSeen(ctx context.Context, feedID string, ids []string) error
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
	// SeenLimit caps remembered keys per feed. Default 500.
	SeenLimit int
}

type Source struct {
	ID           string
	URL          string
	Title        string
	Destinations []transport.Destination
}

type feedState struct {
	src Source

	mu           sync.Mutex
	loaded       bool
	// seeded is set by the first successful fetch.
	seeded       bool
	seen         map[string]struct{}
	order        []string
	etag         string
	lastModified string

	infoMu     sync.Mutex
	lastFetch  time.Time
	lastErr    string
	newItems   uint64
	remembered int
}

func (st *feedState) note(err error, fresh, remembered int) {
	st.infoMu.Lock()
	defer st.infoMu.Unlock()
	st.lastFetch = time.Now()
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
		return
	}
	st.newItems += uint64(fresh)
	st.remembered = remembered
}

// Registry implements the scheduler's feed source.
type Registry struct {
	cfg    Config
	client *http.Client
	store  SeenStore
	log    logx.Logger

	mu    sync.RWMutex
	feeds map[string]*feedState
}

// New returns an empty registry. store may be nil, in which case seen keys
// live only in memory.
func New(cfg Config, client *http.Client, store SeenStore, log logx.Logger) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.SeenLimit <= 0 {
		cfg.SeenLimit = 500
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "feedrelay/1"
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:    cfg,
		client: client,
		store:  store,
		log:    log,
		feeds:  map[string]*feedState{},
	}
}

func (r *Registry) Add(src Source) error {
	src.ID = strings.TrimSpace(src.ID)
	if src.ID == "" || strings.TrimSpace(src.URL) == "" {
		return errors.New("feed id and url are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.feeds[src.ID]; ok {
		return fmt.Errorf("feed %q already registered", src.ID)
	}
	src.Destinations = append([]transport.Destination(nil), src.Destinations...)
	r.feeds[src.ID] = &feedState{src: src, seen: map[string]struct{}{}}
	return nil
}

// Candidates fetches the feed and returns one article per new item and
// destination, oldest item first. Concurrent calls for the same feed are
// serialized.
func (r *Registry) Candidates(ctx context.Context, feedID string) ([]delivery.Article, error) {
	r.mu.RLock()
	st := r.feeds[feedID]
	r.mu.RUnlock()
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feedID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := r.loadSeenLocked(ctx, st); err != nil {
		return nil, err
	}

	items, err := r.fetchLocked(ctx, st)
	if err != nil {
		st.note(err, 0, 0)
		return nil, err
	}
	seeding := !st.seeded && len(st.order) == 0
	st.seeded = true

	fresh := make([]*gofeed.Item, 0, len(items))
	batch := map[string]struct{}{}
	for _, it := range items {
		key := itemKey(it)
		if key == "" {
			continue
		}
		if _, ok := st.seen[key]; ok {
			continue
		}
		if _, ok := batch[key]; ok {
			continue
		}
		batch[key] = struct{}{}
		fresh = append(fresh, it)
	}
	sortOldestFirst(fresh)
	for _, it := range fresh {
		key := itemKey(it)
		st.seen[key] = struct{}{}
		st.order = append(st.order, key)
	}
	// Never forget keys still present in the current document.
	r.trimLocked(st, max(r.cfg.SeenLimit, len(items)))

	if len(fresh) > 0 || seeding {
		r.saveSeenLocked(ctx, st)
	}
	if seeding {
		st.note(nil, 0, len(st.order))
		r.log.Info("feed seeded", logx.String("feed_id", feedID), logx.Int("items", len(fresh)))
		return nil, nil
	}

	st.note(nil, len(fresh), len(st.order))

	feed := delivery.FeedRef{ID: st.src.ID, URL: st.src.URL, Title: st.src.Title}
	out := make([]delivery.Article, 0, len(fresh)*len(st.src.Destinations))
	for _, it := range fresh {
		base := toArticle(it, feed)
		for _, d := range st.src.Destinations {
			a := base
			a.Destination = d
			out = append(out, a)
		}
	}
	if len(fresh) > 0 {
		r.log.Debug("new feed items", logx.String("feed_id", feedID), logx.Int("items", len(fresh)), logx.Int("candidates", len(out)))
	}
	return out, nil
}

// loadSeenLocked reads the remembered keys once per process.
func (r *Registry) loadSeenLocked(ctx context.Context, st *feedState) error {
	if st.loaded {
		return nil
	}
	var ids []string
	if r.store != nil {
		var err error
		ids, err = r.store.LoadSeen(ctx, st.src.ID)
		if err != nil {
			return fmt.Errorf("load seen items: %w", err)
		}
	}
	for _, id := range ids {
		if _, ok := st.seen[id]; !ok {
			st.seen[id] = struct{}{}
			st.order = append(st.order, id)
		}
	}
	st.loaded = true
	return nil
}

func (r *Registry) saveSeenLocked(ctx context.Context, st *feedState) {
	if r.store == nil {
		return
	}
	ids := append([]string(nil), st.order...)
	if err := r.store.SaveSeen(context.WithoutCancel(ctx), st.src.ID, ids); err != nil {
		r.log.Warn("save seen items failed", logx.String("feed_id", st.src.ID), logx.Err(err))
	}
}

func (r *Registry) trimLocked(st *feedState, limit int) {
	extra := len(st.order) - limit
	if extra <= 0 {
		return
	}
	for _, k := range st.order[:extra] {
		delete(st.seen, k)
	}
	st.order = append([]string(nil), st.order[extra:]...)
}

func (r *Registry) fetchLocked(ctx context.Context, st *feedState) ([]*gofeed.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.src.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if st.etag != "" {
		req.Header.Set("If-None-Match", st.etag)
	}
	if st.lastModified != "" {
		req.Header.Set("If-Modified-Since", st.lastModified)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", st.src.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("fetch %s: http %d", st.src.ID, resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", st.src.ID, err)
	}
	st.etag = resp.Header.Get("ETag")
	st.lastModified = resp.Header.Get("Last-Modified")
	if st.src.Title == "" {
		st.src.Title = strings.TrimSpace(feed.Title)
	}
	return feed.Items, nil
}

func itemKey(it *gofeed.Item) string {
	if k := strings.TrimSpace(it.GUID); k != "" {
		return k
	}
	if k := strings.TrimSpace(it.Link); k != "" {
		return k
	}
	return strings.TrimSpace(it.Title)
}

func itemTime(it *gofeed.Item) time.Time {
	switch {
	case it.PublishedParsed != nil:
		return *it.PublishedParsed
	case it.UpdatedParsed != nil:
		return *it.UpdatedParsed
	}
	return time.Time{}
}

// sortOldestFirst orders items by publish time when every item is dated.
// Otherwise the document order is reversed, since feeds list newest first.
func sortOldestFirst(items []*gofeed.Item) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	for _, it := range items {
		if itemTime(it).IsZero() {
			return
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return itemTime(items[i]).Before(itemTime(items[j]))
	})
}

func toArticle(it *gofeed.Item, feed delivery.FeedRef) delivery.Article {
	summary := it.Description
	if strings.TrimSpace(summary) == "" {
		summary = it.Content
	}
	link := it.Link
	if link == "" && len(it.Links) > 0 {
		link = it.Links[0]
	}
	return delivery.Article{
		ID:        itemKey(it),
		Title:     strings.TrimSpace(it.Title),
		Link:      strings.TrimSpace(link),
		Summary:   summary,
		Published: itemTime(it),
		Feed:      feed,
	}
}

// FeedInfo is a diagnostic view of one feed.
type FeedInfo struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Destinations int       `json:"destinations"`
	Remembered   int       `json:"remembered"`
	NewItems     uint64    `json:"new_items"`
	LastFetch    time.Time `json:"last_fetch"`
	LastError    string    `json:"last_error,omitempty"`
}

func (r *Registry) Snapshot() []FeedInfo {
	r.mu.RLock()
	states := make([]*feedState, 0, len(r.feeds))
	for _, st := range r.feeds {
		states = append(states, st)
	}
	r.mu.RUnlock()

	out := make([]FeedInfo, 0, len(states))
	for _, st := range states {
		st.infoMu.Lock()
		out = append(out, FeedInfo{
			ID:           st.src.ID,
			URL:          st.src.URL,
			Destinations: len(st.src.Destinations),
			Remembered:   st.remembered,
			NewItems:     st.newItems,
			LastFetch:    st.lastFetch,
			LastError:    st.lastErr,
		})
		st.infoMu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
