package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "feedrelay/pkg/logx"
)

// fileStore keeps everything next to the configured path.
//
// Files:
//   - <prefix>.deliveries.jsonl (append-only JSON Lines)
//   - <prefix>.seen.json        (snapshot, rewritten atomically on every save)
type fileStore struct {
	log   logx.Logger
	limit int

	mu sync.Mutex

	deliveries     *os.File
	deliveriesPath string

	seenPath string
	seen     map[string][]string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	deliveriesPath := prefix + ".deliveries.jsonl"
	df, err := os.OpenFile(deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	seen := map[string][]string{}
	seenPath := prefix + ".seen.json"
	if err := loadSeenSnapshot(seenPath, seen); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("seen snapshot unreadable, starting empty", logx.Err(err))
	}

	return &fileStore{
		log:            log,
		limit:          cfg.seenLimit(),
		deliveries:     df,
		deliveriesPath: deliveriesPath,
		seenPath:       seenPath,
		seen:           seen,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return nil
	}
	err := s.deliveries.Close()
	s.deliveries = nil
	return err
}

func (s *fileStore) AppendDelivery(_ context.Context, r DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveries).Encode(r)
}

func (s *fileStore) RecentDeliveries(_ context.Context, n int) ([]DeliveryRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return nil, ErrClosed
	}

	f, err := os.Open(s.deliveriesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last n lines.
	ring := make([]DeliveryRecord, 0, n)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) < n {
			ring = append(ring, r)
			continue
		}
		ring[next] = r
		next = (next + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	out := make([]DeliveryRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) LoadSeen(_ context.Context, feedID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.seen[feedID]
	return append([]string(nil), ids...), nil
}

func (s *fileStore) SaveSeen(_ context.Context, feedID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	s.seen[feedID] = append([]string(nil), trimSeen(ids, s.limit)...)
	return s.writeSeenLocked()
}

func (s *fileStore) writeSeenLocked() error {
	tmp := s.seenPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.seen); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.seenPath)
}

func loadSeenSnapshot(path string, out map[string][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}
