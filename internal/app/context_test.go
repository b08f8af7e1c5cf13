package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"turnline/internal/config"
)

func TestOpenUsesDefaultsAndResolvesCampaign(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Ledger.SummaryLimit != config.Default().Ledger.SummaryLimit {
		t.Fatalf("expected default config")
	}
	ctx := context.Background()
	if _, err := ResolveCampaign(ctx, ws.Repo, " ", "tester"); err == nil {
		t.Fatalf("expected error for empty campaign")
	}
	c, err := ResolveCampaign(ctx, ws.Repo, "camp-1", "tester")
	if err != nil || c.ID != "camp-1" {
		t.Fatalf("resolve: %+v %v", c, err)
	}
	again, err := ResolveCampaign(ctx, ws.Repo, "camp-1", "tester")
	if err != nil || again.CreatedAt != c.CreatedAt {
		t.Fatalf("second resolve changed campaign: %+v %v", again, err)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte("ledger:\n  summary_limit: -3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, zap.NewNop()); err == nil {
		t.Fatalf("expected config error")
	}
}
