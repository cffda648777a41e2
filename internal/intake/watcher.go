// Package intake turns JSON intent files dropped into an inbox directory
// into routed packets.
package intake

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceDefault = 200 * time.Millisecond
	pollDefault     = 5 * time.Second
	workersDefault  = 4

	// queueSize must exceed the worker count so a flush does not block on
	// a burst of files.
	queueSize = 200
)

// Config configures a Service.
type Config struct {
	Dir      string
	Workers  int
	Debounce time.Duration
	// PollInterval is used when fsnotify cannot watch Dir.
	PollInterval time.Duration
}

// Service watches an inbox and processes every intent file in it.
type Service struct {
	cfg  Config
	proc *Processor
}

func New(cfg Config, router Router) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = workersDefault
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = debounceDefault
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = pollDefault
	}
	return &Service{cfg: cfg, proc: NewProcessor(cfg.Dir, router)}
}

func (s *Service) Processor() *Processor { return s.proc }

// Run processes files already waiting in the inbox, then watches for new
// ones until ctx is cancelled. Files still queued at shutdown stay in the
// inbox and are picked up on the next start.
func (s *Service) Run(ctx context.Context) error {
	if err := s.proc.EnsureDirs(); err != nil {
		return err
	}

	queue := make(chan string, queueSize)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				if ctx.Err() != nil {
					continue
				}
				s.handle(ctx, path)
			}
		}()
	}
	defer func() {
		close(queue)
		wg.Wait()
		slog.Info("[Intake] Stopped", "dir", s.cfg.Dir)
	}()

	enqueue := func(path string) {
		select {
		case queue <- path:
		case <-ctx.Done():
		}
	}

	if err := scanExisting(s.cfg.Dir, enqueue); err != nil {
		return err
	}

	slog.Info("[Intake] Watching inbox", "dir", s.cfg.Dir, "workers", s.cfg.Workers)
	if err := s.watch(ctx, enqueue); err != nil {
		slog.Warn("[Intake] fsnotify unavailable, polling instead", "error", err, "interval", s.cfg.PollInterval)
		s.poll(ctx, enqueue)
	}
	return nil
}

func (s *Service) handle(ctx context.Context, path string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Intake] Processing panicked", "file", filepath.Base(path), "panic", r)
		}
	}()
	if err := s.proc.Process(ctx, path); err != nil {
		slog.Error("[Intake] Processing failed", "file", filepath.Base(path), "error", err)
	}
}

// watch blocks until ctx is cancelled. Create events are collected and
// flushed together once the single debounce timer fires.
func (s *Service) watch(ctx context.Context, enqueue func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.cfg.Dir); err != nil {
		return err
	}

	ready := make(map[string]bool)
	flush := func() {
		for p := range ready {
			enqueue(p)
		}
		ready = make(map[string]bool)
	}

	debounce := time.NewTimer(s.cfg.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-debounce.C:
			flush()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) || !isIntentFile(event.Name) {
				continue
			}
			ready[event.Name] = true
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(s.cfg.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("[Intake] Watcher error", "error", err)
		}
	}
}

// poll rescans the inbox on a ticker. Files leave the inbox once processed,
// so seen only guards against re-queueing a file that is still in flight.
func (s *Service) poll(ctx context.Context, enqueue func(string)) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			present := make(map[string]bool)
			_ = scanExisting(s.cfg.Dir, func(path string) {
				present[path] = true
				if !seen[path] {
					seen[path] = true
					enqueue(path)
				}
			})
			for p := range seen {
				if !present[p] {
					delete(seen, p)
				}
			}
		}
	}
}

func scanExisting(dir string, fn func(path string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if isIntentFile(path) {
			fn(path)
		}
	}
	return nil
}
