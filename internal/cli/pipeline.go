package cli

import (
	"log/slog"

	"github.com/roach88/atombond/internal/config"
	"github.com/roach88/atombond/internal/pipeline"
)

// ErrCodeConfig reports a configuration that cannot be loaded or assembled.
const ErrCodeConfig = "CONFIG_INVALID"

// openPipeline loads the --config file and assembles the pipeline it
// describes. Failures are reported through f.
func openPipeline(opts *RootOptions, f *OutputFormatter, popts ...pipeline.Option) (*pipeline.Pipeline, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	f.VerboseLog("ledger root %s, %d lanes, tiers %s", cfg.Root, cfg.Lanes, cfg.Tiers)

	p, err := pipeline.Assemble(cfg, popts...)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open pipeline", err)
	}
	return p, nil
}

func closePipeline(p *pipeline.Pipeline) {
	if err := p.Close(); err != nil {
		slog.Error("error closing audit database", "error", err)
	}
}
