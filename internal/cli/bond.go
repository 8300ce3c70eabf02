package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/engine"
	"github.com/roach88/atombond/internal/pipeline"
)

// BondResult is the output of a successful bond command.
type BondResult struct {
	Account string            `json:"account"`
	Tier    string            `json:"tier"`
	Record  atom.BondedRecord `json:"record"`
}

func (r BondResult) String() string {
	return fmt.Sprintf("Bonded %s/%s -> %s index %d (atomicWeight %d, frequency %s, digest %s)",
		r.Account, r.Tier, r.Record.Type, r.Record.Index,
		r.Record.AtomicWeight, r.Record.Frequency.String(), r.Record.Digest)
}

// NewBondCommand creates the bond command.
func NewBondCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bond <account> <tier>",
		Short: "Run one bonding attempt now",
		Long: `Bond one batch of <tier> atoms for <account> into the next tier.

Exit codes:
  0  a record was promoted
  1  the candidate was rejected by its contract, or the promotion was left
     half-applied (it completes on the next attempt)
  2  bad arguments, configuration or storage failure
  3  not enough atoms in every lane yet

Example:
  atombond bond addr1 byte --config pipeline.yaml --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBond(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runBond(opts *RootOptions, account, tier string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	p, err := openPipeline(opts, formatter, pipeline.WithoutSweep())
	if err != nil {
		return err
	}
	defer closePipeline(p)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rec, err := p.Orchestrator.Bond(ctx, account, tier)
	if err != nil {
		var insufficient *engine.InsufficientAtoms
		if errors.As(err, &insufficient) {
			return formatter.Fail(err, insufficient)
		}
		return formatter.Fail(err, nil)
	}

	return formatter.Success(BondResult{Account: account, Tier: tier, Record: rec})
}
