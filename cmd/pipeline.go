package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/patchwright/api/schemas"
	"github.com/xkilldash9x/patchwright/internal/autofix"
	"github.com/xkilldash9x/patchwright/internal/config"
	"github.com/xkilldash9x/patchwright/internal/llmclient"
	"github.com/xkilldash9x/patchwright/internal/metrics"
	"github.com/xkilldash9x/patchwright/internal/normalize"
	"github.com/xkilldash9x/patchwright/internal/orchestrator"
	"github.com/xkilldash9x/patchwright/internal/publish"
	"github.com/xkilldash9x/patchwright/internal/scanner"
	"github.com/xkilldash9x/patchwright/internal/store"
	"github.com/xkilldash9x/patchwright/internal/workspace"
)

// pipeline holds the initialized services of one invocation.
type pipeline struct {
	Orchestrator *orchestrator.Orchestrator
	LLM          schemas.LLMClient
	DBPool       *pgxpool.Pool
}

// Shutdown closes every component that holds resources.
func (p *pipeline) Shutdown(logger *zap.Logger) {
	if p.LLM != nil {
		if err := p.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM client", zap.Error(err))
		}
	}
	if p.DBPool != nil {
		p.DBPool.Close()
	}
}

// Hooks for tests.
var (
	newLLMClient = llmclient.NewClient
	newRegistry  = scanner.NewRegistry
)

// buildPipeline wires the components described by cfg. On error the partial
// pipeline is returned so the caller can shut it down.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	p := &pipeline{}

	scanners, err := newRegistry().Build(cfg.Scanners().Enabled, cfg.Scanners(), logger)
	if err != nil {
		return p, err
	}

	var table *normalize.CategoryTable
	if file := cfg.Normalizer().CategoryMapFile; file != "" {
		if table, err = normalize.LoadCategoryTable(file); err != nil {
			return p, fmt.Errorf("failed to load category map: %w", err)
		}
	}
	normalizer := normalize.New(cfg.Normalizer(), table, logger)

	llm, err := newLLMClient(ctx, cfg.LLM(), logger)
	if err != nil {
		return p, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	p.LLM = llm

	// Discovery and validation re-scans share one pool of scanner processes.
	scannerSlots := semaphore.NewWeighted(int64(max(cfg.Orchestrator().ScannerSlots, 1)))
	cloner := workspace.NewCloner(logger, cfg.Autofix().KeepWorkspaceOnFailure)

	components := orchestrator.Components{
		Scanners:     scanners,
		Normalizer:   normalizer,
		Proposer:     autofix.NewEngine(logger, llm, cfg.Autofix()),
		Validator:    autofix.NewValidator(logger, cfg.Autofix(), cfg.Normalizer().LineTolerance, cloner, scanners, scannerSlots),
		ScannerSlots: scannerSlots,
		Checkouts:    cloner,
	}

	if cfg.Metrics().Enabled {
		m := metrics.New()
		m.StartServer(ctx, cfg.Metrics().ListenAddr, logger)
		components.Metrics = m
	}

	if url := cfg.Database().URL; url != "" {
		pool, err := store.NewPool(ctx, url)
		if err != nil {
			return p, err
		}
		p.DBPool = pool
		dbStore, err := store.New(ctx, pool, logger)
		if err != nil {
			return p, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err := dbStore.EnsureSchema(ctx); err != nil {
			return p, err
		}
		components.Store = dbStore
	}

	if cfg.GitHub().Enabled {
		publisher, err := publish.NewGitHubPublisher(ctx, cfg.GitHub(), cloner, logger)
		if err != nil {
			return p, fmt.Errorf("failed to initialize publisher: %w", err)
		}
		components.Publisher = publisher
	}

	orch, err := orchestrator.New(cfg, logger, components)
	if err != nil {
		return p, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	p.Orchestrator = orch
	return p, nil
}
