// Package fertilizer keeps the cross-job corpus of seeds that earlier searches
// have matched. Future jobs use it as a warm-start list.
package fertilizer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"

	"seed-search/internal/models"
	"seed-search/internal/telemetry"
)

// DefaultCacheSize bounds the in-process set of recently appended seeds.
const DefaultCacheSize = 1 << 16

// SeenSet is a shared record of seeds already in some fertilizer file. AddNew
// records seeds and returns the ones nobody had recorded before. Forget drops
// seeds whose append failed so another Add can claim them again.
type SeenSet interface {
	AddNew(ctx context.Context, seeds []string) ([]string, error)
	Forget(ctx context.Context, seeds []string) error
}

// Sink appends distinct seeds to a newline-delimited file. Add never fails the
// caller: errors are logged and counted.
type Sink struct {
	path   string
	global SeenSet
	log    *log.Entry

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	recent *lru.Cache
	closed bool
}

// Open opens path for appending and primes the recent-seed cache from its tail.
// global may be nil.
func Open(path string, cacheSize int, global SeenSet) (*Sink, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	recent, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("fertilizer cache: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create fertilizer dir: %w", err)
		}
	}
	if err := scan(path, func(seed string) { recent.Add(seed, struct{}{}) }); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read fertilizer: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open fertilizer: %w", err)
	}
	return &Sink{
		path:   path,
		global: global,
		log:    log.WithFields(log.Fields{"component": "fertilizer", "path": path}),
		file:   f,
		w:      bufio.NewWriter(f),
		recent: recent,
	}, nil
}

// Path is the file the sink appends to.
func (s *Sink) Path() string { return s.path }

// Add appends the seeds not seen before. Invalid seeds are skipped. Seeds are
// claimed in the shared seen-set before they are written; if the write fails the
// claims are released so the seeds are not lost to every process.
func (s *Sink) Add(ctx context.Context, seeds ...string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fresh := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if !models.ValidSeed(seed) {
			continue
		}
		// ContainsOrAdd marks the seed before the lock is released, so a
		// concurrent Add of the same seed stops here.
		if found, _ := s.recent.ContainsOrAdd(seed, struct{}{}); found {
			continue
		}
		fresh = append(fresh, seed)
	}
	s.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	claimed := false
	if s.global != nil {
		novel, err := s.global.AddNew(ctx, fresh)
		if err != nil {
			telemetry.FertilizerFailures.Inc()
			s.log.WithError(err).Warn("shared seen-set unavailable; deduplicating locally")
		} else {
			fresh, claimed = novel, true
		}
	}
	if len(fresh) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.release(ctx, fresh, claimed)
		return
	}
	if err := s.appendLocked(fresh); err != nil {
		for _, seed := range fresh {
			s.recent.Remove(seed)
		}
		// A failed bufio.Writer keeps failing; start over on the same file.
		s.w.Reset(s.file)
		s.mu.Unlock()
		telemetry.FertilizerFailures.Inc()
		s.log.WithError(err).Warn("fertilizer append failed")
		s.release(ctx, fresh, claimed)
		return
	}
	s.mu.Unlock()
	telemetry.FertilizerAppended.Add(float64(len(fresh)))
}

func (s *Sink) release(ctx context.Context, seeds []string, claimed bool) {
	if !claimed {
		return
	}
	if err := s.global.Forget(ctx, seeds); err != nil {
		telemetry.FertilizerFailures.Inc()
		s.log.WithError(err).WithField("seeds", len(seeds)).Warn("could not release seen-set claims")
	}
}

func (s *Sink) appendLocked(seeds []string) error {
	for _, seed := range seeds {
		if _, err := s.w.WriteString(seed + "\n"); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// Flush pushes buffered lines to the file and syncs it.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// ReadSeeds returns the distinct seeds of a fertilizer file in first-seen order.
// A missing file yields an empty list.
func ReadSeeds(path string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	err := scan(path, func(seed string) {
		if _, dup := seen[seed]; dup {
			return
		}
		seen[seed] = struct{}{}
		out = append(out, seed)
	})
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scan(path string, fn func(seed string)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if models.ValidSeed(line) {
			fn(line)
		}
	}
	return sc.Err()
}
