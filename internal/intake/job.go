package intake

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/orchestrator"
)

// Intent is the content of an inbox file.
type Intent struct {
	ID         string `json:"id,omitempty"`
	Intent     string `json:"intent"`
	Tier       string `json:"tier"`
	TargetPath string `json:"target_path,omitempty"`
	Zone       string `json:"zone,omitempty"`
}

// Validate checks required fields and normalizes the tier.
func (i *Intent) Validate() (core.Tier, error) {
	if strings.TrimSpace(i.Intent) == "" {
		return "", errors.New("intent is required")
	}
	if i.Tier == "" {
		return core.TierMid, nil
	}
	tier, err := core.ParseTier(i.Tier)
	if err != nil {
		return "", fmt.Errorf("tier: %w", err)
	}
	return tier, nil
}

// Outcome statuses.
const (
	StatusRouted   = "routed"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Outcome is written next to a processed intent file.
type Outcome struct {
	ID          string                        `json:"id"`
	Status      string                        `json:"status"`
	PacketID    string                        `json:"packet_id,omitempty"`
	Error       string                        `json:"error,omitempty"`
	Result      *orchestrator.ExecutionResult `json:"result,omitempty"`
	CompletedAt time.Time                     `json:"completed_at"`
}

// jobID falls back to the file name when the intent carries no id.
func jobID(in *Intent, path string) string {
	if in != nil && in.ID != "" {
		return in.ID
	}
	return strings.TrimSuffix(filepath.Base(path), ".json")
}

// isIntentFile accepts .json files and skips partial .tmp writes.
func isIntentFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, ".tmp")
}
