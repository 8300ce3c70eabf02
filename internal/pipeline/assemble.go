package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/atombond/internal/audit"
	"github.com/roach88/atombond/internal/config"
	"github.com/roach88/atombond/internal/contract"
	"github.com/roach88/atombond/internal/engine"
	"github.com/roach88/atombond/internal/store"
	"github.com/roach88/atombond/internal/watcher"
)

// Pipeline is a fully wired instance built from a PipelineConfig.
type Pipeline struct {
	Config       config.PipelineConfig
	Store        *store.FileStore
	Audit        *audit.Sink
	Contracts    contract.Set
	Engine       *engine.Engine
	Orchestrator *Orchestrator
}

// Assemble opens the ledger store, contracts and audit database described
// by cfg and wires them into an engine and orchestrator. The caller must
// Close the result.
func Assemble(cfg config.PipelineConfig, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	contracts, err := contract.LoadDir(cfg.ContractsDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger root: %w", err)
	}
	auditPath := cfg.AuditPath()
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	sink, err := audit.Open(auditPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	ledgers := store.NewFileStore(cfg.Root, cfg.RetryPolicy())
	eng := engine.New(ledgers, cfg.EngineTiers(),
		engine.WithLanes(cfg.Lanes),
		engine.WithContracts(contracts),
		engine.WithAuditSink(sink),
		engine.WithStateObserver(logTransition),
	)

	base := []Option{
		WithSource(watcher.NewFSSource(cfg.Root, cfg.TierNames())),
		WithDebounce(cfg.Debounce),
		WithWorkers(cfg.Workers),
	}
	orch := New(eng, ledgers, append(base, opts...)...)

	return &Pipeline{
		Config:       cfg,
		Store:        ledgers,
		Audit:        sink,
		Contracts:    contracts,
		Engine:       eng,
		Orchestrator: orch,
	}, nil
}

// Close releases the audit database.
func (p *Pipeline) Close() error {
	if p.Audit == nil {
		return nil
	}
	return p.Audit.Close()
}

func logTransition(account, tier string, from, to engine.State) {
	slog.Debug("bonding state changed",
		"account", account,
		"tier", tier,
		"from", from.String(),
		"to", to.String(),
		"event", "state_transition",
	)
}
