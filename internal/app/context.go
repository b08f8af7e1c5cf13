package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"turnline/internal/config"
	"turnline/internal/db"
	"turnline/internal/domain"
	"turnline/internal/engine"
	"turnline/internal/ledger"
	"turnline/internal/logging"
	"turnline/internal/migrate"
	"turnline/internal/repo"
)

// Workspace wires the ledger database, config, logger and contract engine of
// one workspace directory.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Repo   repo.Repo
	Ledger *ledger.Ledger
	Config *config.Config
	Logger *zap.Logger
	Engine engine.Engine
}

// Open migrates the workspace database and loads turnline.yml, using
// defaults when the file is absent. A nil logger is built from the config.
func Open(dir string, logger *zap.Logger) (*Workspace, error) {
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger, err = logging.New(logging.FromConfig(cfg.Logging))
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(dir), err)
	}
	r := repo.New(conn)
	l := ledger.New(r)
	return &Workspace{
		Dir:    dir,
		DB:     conn,
		Repo:   r,
		Ledger: l,
		Config: cfg,
		Logger: logger,
		Engine: engine.New(l, cfg, logger.Named("engine")),
	}, nil
}

func (w *Workspace) Close() error {
	_ = w.Logger.Sync()
	return w.DB.Close()
}

// ResolveCampaign returns the campaign, creating it on first use.
func ResolveCampaign(ctx context.Context, r repo.Repo, campaignID, actorID string) (domain.Campaign, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return domain.Campaign{}, errors.New("campaign not specified; use --campaign")
	}
	c, _, err := r.EnsureCampaign(ctx, campaignID, "", actorID)
	return c, err
}
