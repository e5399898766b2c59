package config

import (
	"context"
	"math/rand"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	logx "feedrelay/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// ChangedSections lists the top-level sections that differ between a and b.
// Secrets are never compared by value in the output, only by section name.
func ChangedSections(a, b *Config) []string {
	if a == nil {
		a = &Config{}
	}
	if b == nil {
		b = &Config{}
	}
	var out []string
	check := func(name string, x, y any) {
		if !reflect.DeepEqual(x, y) {
			out = append(out, name)
		}
	}
	check("bot", a.Bot, b.Bot)
	check("feeds", a.Feeds, b.Feeds)
	check("advanced", a.Advanced, b.Advanced)
	check("log", a.Log, b.Log)
	check("storage", a.Storage, b.Storage)
	check("ops", a.Ops, b.Ops)
	check("destinations", a.Destinations, b.Destinations)
	check("sources", a.Sources, b.Sources)
	check("schedules", a.Schedules, b.Schedules)
	return out
}

// Watch logs a warning whenever the file at path changes in a way that would
// alter the running configuration. Nothing is applied: the process has to be
// restarted. It returns when ctx is done.
func Watch(ctx context.Context, path string, running *Config, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "config.watch"), logx.String("path", path))
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
	)
	backoff := backoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, backoffMax)
		return wait
	}

	var (
		mu       sync.Mutex
		timer    *time.Timer
		reported []string
	)
	check := func() {
		next, err := Parse(path)
		if err != nil {
			log.Warn("config on disk no longer parses", logx.Err(err))
			return
		}
		next.ApplyDefaults()
		changed := ChangedSections(running, next)

		mu.Lock()
		defer mu.Unlock()
		if reflect.DeepEqual(changed, reported) {
			return
		}
		reported = changed
		if len(changed) == 0 {
			log.Info("config on disk matches running config")
			return
		}
		log.Warn("config changed on disk; restart required to apply",
			logx.String("sections", strings.Join(changed, ",")))
	}
	// Editors often write in several steps.
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, check)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			log.Warn("config watch setup failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = backoffBase
		log.Debug("config watcher started")

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					log.Warn("config watch error", logx.Err(err))
				}
			}
		}

		_ = w.Close()
		wait := nextWait()
		log.Warn("config watcher stopped; restarting", logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
