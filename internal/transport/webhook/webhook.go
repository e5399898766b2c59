// Package webhook resolves named webhook destinations and posts plain text to them.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"feedrelay/internal/transport"
)

// Doer performs one outbound request (httpsink.Sink in production).
type Doer interface {
	Do(ctx context.Context, req transport.Request) error
}

// Resolver knows the configured webhooks by name.
type Resolver struct {
	doer Doer

	mu    sync.RWMutex
	hooks map[string]string
}

func NewResolver(doer Doer, hooks map[string]string) *Resolver {
	r := &Resolver{doer: doer, hooks: make(map[string]string, len(hooks))}
	for name, url := range hooks {
		r.hooks[name] = url
	}
	return r
}

// Remove forgets a webhook; later resolutions report it missing.
func (r *Resolver) Remove(name string) {
	r.mu.Lock()
	delete(r.hooks, name)
	r.mu.Unlock()
}

func (r *Resolver) Resolve(_ context.Context, d transport.Destination) (transport.Medium, error) {
	if d.Kind != transport.KindWebhook {
		return nil, fmt.Errorf("webhook: not a webhook destination: %s", d.ID())
	}
	r.mu.RLock()
	url, ok := r.hooks[d.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: webhook %q", transport.ErrDestinationMissing, d.Name)
	}
	d.URL = url
	return &medium{doer: r.doer, dest: d}, nil
}

type medium struct {
	doer Doer
	dest transport.Destination
}

func (m *medium) Destination() transport.Destination { return m.dest }

func (m *medium) SendText(ctx context.Context, text string) error {
	if r := []rune(text); len(r) > 2000 {
		text = string(r[:1999]) + "…"
	}
	body, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: text})
	if err != nil {
		return err
	}
	return m.doer.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		URL:         m.dest.URL,
		Body:        body,
		ContentType: "application/json",
		Meta:        transport.Meta{DestinationID: m.dest.ID()},
	})
}
