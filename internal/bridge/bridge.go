// Package bridge materializes audited content to disk.
//
// Every write is confined to a root directory and an extension whitelist,
// checked before any filesystem access. Content goes to a temporary
// sibling that is fsynced and renamed over the target, so readers see
// either the old file or the complete new one. Prior versions can be
// copied to a backup directory first.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocx/dccp/internal/core"
)

const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"

	backupSuffix = ".bak"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Payload is one write request.
type Payload struct {
	FilePath string    `json:"file_path"`
	Content  string    `json:"content"`
	Encoding string    `json:"encoding,omitempty"`
	Backup   bool      `json:"backup"`
	Zone     core.Zone `json:"zone,omitempty"`
}

type Result struct {
	Status    Status    `json:"status"`
	Path      string    `json:"path"`
	Size      int64     `json:"size,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Backup    string    `json:"backup,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type BackupInfo struct {
	Name     string    `json:"file"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type Config struct {
	// Root confines every write. It is created when missing.
	Root              string
	AllowedExtensions []string
	// BackupDir is resolved against Root unless absolute.
	BackupDir string
	// Retention is the default maximum backup age for PruneBackups.
	Retention time.Duration
	// DisableBackups ignores Payload.Backup.
	DisableBackups bool
	// Workers is the number of concurrent ingests in Run.
	Workers int
	// BatchConcurrency bounds concurrent writes in BatchIngest.
	BatchConcurrency int
	// PublishDelays are the pauses of the simulated production publish.
	PublishDelays []time.Duration
	Metrics       *Metrics
}

// Bridge performs sandboxed writes under a fixed root.
type Bridge struct {
	root      string
	backupDir string
	allowed   map[string]bool
	cfg       Config
	now       func() time.Time
}

// New resolves the root (following symlinks) and prepares the whitelist.
func New(cfg Config) (*Bridge, error) {
	if cfg.Root == "" {
		return nil, errors.New("bridge root is required")
	}
	if len(cfg.AllowedExtensions) == 0 {
		return nil, errors.New("bridge needs at least one allowed extension")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(".dccp", "backups")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	backupDir := cfg.BackupDir
	if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(root, backupDir)
	}

	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}

	return &Bridge{
		root:      root,
		backupDir: backupDir,
		allowed:   allowed,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

func (b *Bridge) Root() string      { return b.root }
func (b *Bridge) BackupDir() string { return b.backupDir }

// Resolve maps a relative requested path to its absolute target, or
// returns a *ValidationError. Absolute paths are rejected rather than
// re-rooted.
func (b *Bridge) Resolve(requested string) (string, error) {
	rel := filepath.FromSlash(requested)
	if strings.TrimSpace(rel) == "" {
		return "", &ValidationError{Path: requested, Err: ErrEmptyPath}
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", &ValidationError{Path: requested, Err: ErrAbsolute}
	}

	target := filepath.Join(b.root, rel)
	if !b.contains(target) {
		return "", &ValidationError{Path: requested, Err: ErrTraversal}
	}
	// An existing ancestor may be a symlink that leads outside the root.
	if real, ok := realAncestor(filepath.Dir(target)); ok && real != b.root && !b.contains(real) {
		return "", &ValidationError{Path: requested, Err: ErrTraversal}
	}

	ext := strings.ToLower(filepath.Ext(target))
	if !b.allowed[ext] {
		return "", &ValidationError{Path: requested, Err: ErrExtension, Detail: ext}
	}
	return target, nil
}

// contains reports whether p is a strict descendant of the root, comparing
// path components rather than string prefixes.
func (b *Bridge) contains(p string) bool {
	rel, err := filepath.Rel(b.root, p)
	if err != nil || rel == "." || rel == ".." {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// realAncestor resolves symlinks in the deepest existing ancestor of dir.
func realAncestor(dir string) (string, bool) {
	for {
		if _, err := os.Lstat(dir); err == nil {
			real, err := filepath.EvalSymlinks(dir)
			return real, err == nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func decodeContent(p Payload) ([]byte, error) {
	switch strings.ToLower(p.Encoding) {
	case "", EncodingUTF8, "utf-8":
		return []byte(p.Content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return nil, &ValidationError{Path: p.FilePath, Err: ErrEncoding, Detail: "invalid base64"}
		}
		return data, nil
	default:
		return nil, &ValidationError{Path: p.FilePath, Err: ErrEncoding, Detail: p.Encoding}
	}
}

// Ingest validates and writes one payload. Validation failures are
// returned as *ValidationError without touching the filesystem.
func (b *Bridge) Ingest(ctx context.Context, p Payload) (*Result, error) {
	zone := p.Zone
	if zone == "" {
		zone = core.ZoneStaging
	}

	target, err := b.Resolve(p.FilePath)
	if err != nil {
		b.count("rejected", zone)
		slog.Warn("[Bridge] Rejected payload", "path", p.FilePath, "error", err)
		return nil, err
	}
	data, err := decodeContent(p)
	if err != nil {
		b.count("rejected", zone)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slog.Info("[Bridge] Materializing", "path", p.FilePath, "zone", zone, "bytes", len(data))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		b.count("error", zone)
		return nil, fmt.Errorf("create parent directories: %w", err)
	}

	var backupPath string
	if p.Backup && !b.cfg.DisableBackups {
		backupPath = b.backup(target)
	}

	if err := writeAtomic(target, data, 0o644); err != nil {
		b.count("error", zone)
		return nil, err
	}

	if zone == core.ZoneProduction {
		b.publish(ctx, p.FilePath)
	}

	info, err := os.Stat(target)
	if err != nil {
		b.count("error", zone)
		return nil, fmt.Errorf("stat written file: %w", err)
	}

	b.count("success", zone)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.BytesWritten.Add(float64(len(data)))
	}
	slog.Info("[Bridge] Materialized", "path", p.FilePath, "size", info.Size())

	return &Result{
		Status:    StatusSuccess,
		Path:      p.FilePath,
		Size:      info.Size(),
		Timestamp: b.now(),
		Backup:    backupPath,
	}, nil
}

func (b *Bridge) count(outcome string, zone core.Zone) {
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Ingests.WithLabelValues(outcome, string(zone)).Inc()
	}
}

// backup copies an existing target into the backup directory. Failures
// are logged and never block the write.
func (b *Bridge) backup(target string) string {
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return ""
	}
	if err == nil {
		err = os.MkdirAll(b.backupDir, 0o755)
	}
	var dst string
	if err == nil {
		dst, err = b.reserveBackup(filepath.Base(target))
	}
	if err == nil {
		err = writeAtomic(dst, data, 0o644)
	}

	if err != nil {
		if dst != "" {
			_ = os.Remove(dst)
		}
		slog.Warn("[Bridge] Backup failed", "path", target, "error", err)
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.Backups.WithLabelValues("failed").Inc()
		}
		return ""
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Backups.WithLabelValues("created").Inc()
	}
	slog.Debug("[Bridge] Backup created", "backup", dst)
	return dst
}

// maxBackupsPerMilli bounds the suffix search for same-millisecond backups.
const maxBackupsPerMilli = 1000

// reserveBackup claims a unique backup name by creating it exclusively.
// Backups taken within the same millisecond get a "-N" suffix.
func (b *Bridge) reserveBackup(base string) (string, error) {
	stem := base + "." + strconv.FormatInt(b.now().UnixMilli(), 10)
	for i := 0; i < maxBackupsPerMilli; i++ {
		name := stem
		if i > 0 {
			name += "-" + strconv.Itoa(i)
		}
		dst := filepath.Join(b.backupDir, name+backupSuffix)
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return dst, f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("reserve backup: %w", err)
		}
	}
	return "", fmt.Errorf("reserve backup: too many backups of %s in one millisecond", base)
}

// writeAtomic writes data to a unique temporary file in the target's
// directory, syncs it and renames it over path.
func writeAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".dccp-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// publish walks through the staged production release. It performs no
// external action; cancellation skips the remaining steps.
func (b *Bridge) publish(ctx context.Context, path string) {
	steps := []string{"Preparing release commit", "Creating delta patch", "Pushed to serving cluster"}
	for i, step := range steps {
		slog.Info("[Bridge] Production publish", "path", path, "step", step)
		if i >= len(b.cfg.PublishDelays) {
			continue
		}
		select {
		case <-ctx.Done():
			slog.Warn("[Bridge] Production publish interrupted", "path", path, "error", ctx.Err())
			return
		case <-time.After(b.cfg.PublishDelays[i]):
		}
	}
}

// BatchIngest writes every payload with bounded concurrency. Each item
// succeeds or fails on its own; results keep input order.
func (b *Bridge) BatchIngest(ctx context.Context, payloads []Payload) []Result {
	results := make([]Result, len(payloads))

	var g errgroup.Group
	g.SetLimit(b.cfg.BatchConcurrency)
	for i, p := range payloads {
		g.Go(func() error {
			res, err := b.Ingest(ctx, p)
			if err != nil {
				results[i] = Result{Status: StatusError, Path: p.FilePath, Timestamp: b.now(), Error: err.Error()}
				return nil
			}
			results[i] = *res
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			ok++
		}
	}
	slog.Info("[Bridge] Batch complete", "succeeded", ok, "total", len(payloads))
	return results
}

// ListBackups returns backup files sorted by name. A missing backup
// directory yields an empty list.
func (b *Bridge) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(b.backupDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []BackupInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	out := make([]BackupInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), backupSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{Name: e.Name(), Size: info.Size(), Modified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PruneBackups deletes backups last modified more than maxAge ago. A
// non-positive maxAge uses the configured retention.
func (b *Bridge) PruneBackups(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = b.cfg.Retention
	}
	backups, err := b.ListBackups()
	if err != nil {
		return 0, err
	}

	cutoff := b.now().Add(-maxAge)
	removed := 0
	for _, bk := range backups {
		if !bk.Modified.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.backupDir, bk.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("[Bridge] Failed to remove backup", "file", bk.Name, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Info("[Bridge] Pruned expired backups", "removed", removed)
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.Pruned.Add(float64(removed))
		}
	}
	return removed, nil
}
