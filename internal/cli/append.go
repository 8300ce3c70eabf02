package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/engine"
	"github.com/roach88/atombond/internal/pipeline"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	IV      string
	AuthTag string
}

// AppendResult is the output of the append command.
type AppendResult struct {
	Account   string  `json:"account"`
	Tier      string  `json:"tier"`
	Lane      int     `json:"lane"`
	Sequences []int64 `json:"sequences"`
	Depth     int     `json:"depth"`
}

func (r AppendResult) String() string {
	return fmt.Sprintf("Appended %d atom(s) to %s/%s lane %d (sequences %v, depth %d)",
		len(r.Sequences), r.Account, r.Tier, r.Lane, r.Sequences, r.Depth)
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <account> <tier> <lane> <frequency>...",
		Short: "Append atoms to a lane ledger",
		Long: `Append one atom per frequency to a lane ledger.

Frequencies are stored as given: numbers count towards a bonded record's
mean, anything else is kept but ignored by aggregation.

Example:
  atombond append addr1 bit 0 1 2 3 4 5 6 7 8 --config pipeline.yaml`,
		Args:          cobra.MinimumNArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.IV, "iv", "", "initialization vector recorded on each atom")
	cmd.Flags().StringVar(&opts.AuthTag, "auth-tag", "", "authentication tag recorded on each atom")

	return cmd
}

func runAppend(opts *AppendOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	account, tier := args[0], args[1]
	lane, err := strconv.Atoi(args[2])
	if err != nil {
		_ = formatter.Error(string(engine.CodeInvalidRequest), fmt.Sprintf("invalid lane %q", args[2]), nil)
		return WrapExitError(ExitCommandError, "invalid lane", err)
	}

	p, err := openPipeline(opts.RootOptions, formatter, pipeline.WithoutSweep())
	if err != nil {
		return err
	}
	defer closePipeline(p)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	atoms := make([]atom.Atom, 0, len(args)-3)
	for _, freq := range args[3:] {
		atoms = append(atoms, atom.Atom{
			Frequency: atom.RawFrequency(freq),
			Timestamp: now,
			IV:        opts.IV,
			AuthTag:   opts.AuthTag,
		})
	}

	stored, err := p.Engine.Append(ctx, account, tier, lane, atoms...)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	depths, err := p.Engine.Depths(ctx, account, tier)
	if err != nil {
		return formatter.Fail(err, nil)
	}

	seqs := make([]int64, len(stored))
	for i, a := range stored {
		seqs[i] = a.SequenceIndex
	}
	formatter.VerboseLog("lane depths of %s/%s: %v", account, tier, depths)

	name, _ := atom.NormalizeAccount(account)
	return formatter.Success(AppendResult{
		Account:   name,
		Tier:      tier,
		Lane:      lane,
		Sequences: seqs,
		Depth:     depths[lane],
	})
}
