package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ocx/dccp/internal/compiler"
	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/orchestrator"
)

const (
	dirPerm  = 0o755
	filePerm = 0o600

	processedDir = "processed"
	failedDir    = "failed"
)

// Router routes a compiled packet.
type Router interface {
	Route(ctx context.Context, p *compiler.Packet) *orchestrator.ExecutionResult
}

// Processor takes an intent file through compile, route and archive.
type Processor struct {
	inbox  string
	router Router
	now    func() time.Time
}

func NewProcessor(inbox string, router Router) *Processor {
	return &Processor{inbox: inbox, router: router, now: time.Now}
}

func (p *Processor) ProcessedDir() string { return filepath.Join(p.inbox, processedDir) }
func (p *Processor) FailedDir() string    { return filepath.Join(p.inbox, failedDir) }

// EnsureDirs creates the inbox and its archive directories.
func (p *Processor) EnsureDirs() error {
	for _, dir := range []string{p.inbox, p.ProcessedDir(), p.FailedDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Process handles one intent file. The file ends up in processed/ when the
// route succeeded and in failed/ otherwise, with its outcome beside it.
// Symlinks are rejected without being read.
func (p *Processor) Process(ctx context.Context, path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat intent file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		slog.Warn("[Intake] Rejected symlink", "file", filepath.Base(path))
		return p.archive(path, p.FailedDir(), &Outcome{
			ID:     jobID(nil, path),
			Status: StatusRejected,
			Error:  "symlinks are not accepted",
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read intent file: %w", err)
	}

	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return p.reject(path, nil, fmt.Sprintf("invalid JSON: %v", err))
	}
	tier, err := in.Validate()
	if err != nil {
		return p.reject(path, &in, fmt.Sprintf("validation failed: %v", err))
	}

	packet, err := compiler.Compile(in.Intent, tier, in.TargetPath, core.ParseZone(in.Zone))
	if err != nil {
		return p.reject(path, &in, fmt.Sprintf("compile failed: %v", err))
	}

	slog.Info("[Intake] Routing intent", "file", filepath.Base(path), "packet_id", packet.ShortID(), "tier", tier)
	res := p.router.Route(ctx, packet)

	out := &Outcome{
		ID:       jobID(&in, path),
		Status:   StatusRouted,
		PacketID: packet.ID(),
		Result:   res,
	}
	dest := p.ProcessedDir()
	if !res.Success {
		out.Status = StatusFailed
		out.Error = res.Error
		dest = p.FailedDir()
	}
	return p.archive(path, dest, out)
}

func (p *Processor) reject(path string, in *Intent, msg string) error {
	slog.Warn("[Intake] Rejected intent", "file", filepath.Base(path), "reason", msg)
	return p.archive(path, p.FailedDir(), &Outcome{
		ID:     jobID(in, path),
		Status: StatusRejected,
		Error:  msg,
	})
}

// archive moves the intent file into dir and writes <name>.outcome.json
// beside it.
func (p *Processor) archive(path, dir string, out *Outcome) error {
	out.CompletedAt = p.now().UTC()

	base := filepath.Base(path)
	if err := moveFile(path, filepath.Join(dir, base)); err != nil {
		return fmt.Errorf("archive intent: %w", err)
	}

	outcomePath := filepath.Join(dir, trimJSON(base)+".outcome.json")
	if err := writeJSONAtomic(outcomePath, out); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	return nil
}

func trimJSON(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	return os.Rename(tmp, path)
}

// moveFile renames src to dst, copying across devices when rename reports
// EXDEV.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
