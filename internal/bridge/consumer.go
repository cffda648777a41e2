package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/events"
)

// Signal is a materialization instruction emitted by the orchestrator for
// an audited result.
type Signal struct {
	PacketID         string    `json:"packet_id"`
	FilePath         string    `json:"file_path"`
	Content          string    `json:"content"`
	Encoding         string    `json:"encoding"`
	Backup           bool      `json:"backup"`
	SourceNodeID     string    `json:"source_node_id"`
	AuditPassed      bool      `json:"audit_passed"`
	SovereigntyScore int       `json:"sovereignty_score"`
	Zone             core.Zone `json:"zone"`
}

func (s Signal) Payload() Payload {
	return Payload{
		FilePath: s.FilePath,
		Content:  s.Content,
		Encoding: s.Encoding,
		Backup:   s.Backup,
		Zone:     s.Zone,
	}
}

// Run ingests signals with the configured number of workers until ctx is
// cancelled or signals is closed. Ingest failures are logged and reported
// as alerts on pub; they never stop the loop. pub may be nil.
func (b *Bridge) Run(ctx context.Context, signals <-chan Signal, pub events.Publisher) {
	if pub == nil {
		pub = events.Nop{}
	}

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sig, ok := <-signals:
					if !ok {
						return
					}
					b.handleSignal(ctx, sig, pub)
				}
			}
		}()
	}

	slog.Info("[Bridge] Consumer started", "workers", b.cfg.Workers, "root", b.root)
	wg.Wait()
	slog.Info("[Bridge] Consumer stopped")
}

func (b *Bridge) handleSignal(ctx context.Context, sig Signal, pub events.Publisher) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Bridge] Ingest panicked", "packet_id", sig.PacketID, "panic", r)
		}
	}()

	if !sig.AuditPassed {
		slog.Warn("[Bridge] Ignoring signal without a passed audit", "packet_id", sig.PacketID, "path", sig.FilePath)
		return
	}

	res, err := b.Ingest(ctx, sig.Payload())
	if err != nil {
		slog.Error("[Bridge] Signal ingest failed", "packet_id", sig.PacketID, "path", sig.FilePath, "error", err)
		_ = pub.Publish(ctx, events.NewAlert("bridge", sig.PacketID, events.AlertError,
			fmt.Sprintf("materialization of %s failed: %v", sig.FilePath, err)))
		return
	}
	_ = pub.Publish(ctx, events.NewAlert("bridge", sig.PacketID, events.AlertSuccess,
		fmt.Sprintf("materialized %s (%d bytes) from %s", res.Path, res.Size, sig.SourceNodeID)))
}
