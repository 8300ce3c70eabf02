package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/pipeline"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Limit int
}

// TierStatus is the lane depth of one tier.
type TierStatus struct {
	Name      string `json:"name"`
	Threshold int    `json:"threshold,omitempty"`
	Depths    []int  `json:"depths"`
	Ready     bool   `json:"ready"`
}

// PromotionSummary is one audit log entry.
type PromotionSummary struct {
	ID           string `json:"id"`
	Tier         string `json:"tier"`
	RecordType   string `json:"recordType"`
	Index        int64  `json:"index"`
	Frequency    string `json:"frequency"`
	AtomicWeight int    `json:"atomicWeight"`
	Digest       string `json:"digest"`
}

// StatusResult is the output of the status command.
type StatusResult struct {
	Account    string             `json:"account"`
	Lanes      int                `json:"lanes"`
	Tiers      []TierStatus       `json:"tiers"`
	Promotions []PromotionSummary `json:"promotions"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Account %s (%d lanes)\n", r.Account, r.Lanes)
	for _, t := range r.Tiers {
		mark := " "
		if t.Ready {
			mark = "*"
		}
		if t.Threshold > 0 {
			fmt.Fprintf(&b, "%s %-6s %v / %d\n", mark, t.Name, t.Depths, t.Threshold)
		} else {
			fmt.Fprintf(&b, "%s %-6s %v\n", mark, t.Name, t.Depths)
		}
	}
	if len(r.Promotions) == 0 {
		b.WriteString("No promotions recorded")
		return b.String()
	}
	b.WriteString("Recent promotions:")
	for _, p := range r.Promotions {
		fmt.Fprintf(&b, "\n  %s -> %s #%d frequency %s weight %d digest %s",
			p.Tier, p.RecordType, p.Index, p.Frequency, p.AtomicWeight, shortDigest(p.Digest))
	}
	return b.String()
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <account>",
		Short: "Show lane depths and recent promotions of an account",
		Long: `Show the lane depths of every tier for an account, and the most recent
promotions from the audit log. Tiers marked * hold a full batch in every
lane and will bond on the next check.

Example:
  atombond status addr1 --limit 5 --config pipeline.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "number of recent promotions to show (0 for all)")

	return cmd
}

func runStatus(opts *StatusOptions, account string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	name, err := atom.NormalizeAccount(account)
	if err != nil {
		return formatter.Fail(err, nil)
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

	result := StatusResult{Account: name, Lanes: p.Engine.Lanes(), Promotions: []PromotionSummary{}}
	for _, t := range p.Engine.Tiers() {
		depths, err := p.Engine.Depths(ctx, name, t.Name)
		if err != nil {
			return formatter.Fail(err, nil)
		}
		_, bondable := p.Engine.Next(t.Name)
		ts := TierStatus{Name: t.Name, Depths: depths, Ready: bondable}
		if bondable {
			ts.Threshold = t.Threshold
			for _, d := range depths {
				if d < t.Threshold {
					ts.Ready = false
				}
			}
		}
		result.Tiers = append(result.Tiers, ts)
	}

	promotions, err := p.Audit.ListPromotions(ctx, name, opts.Limit)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	for _, pr := range promotions {
		result.Promotions = append(result.Promotions, PromotionSummary{
			ID:           pr.ID,
			Tier:         pr.Tier,
			RecordType:   pr.RecordType,
			Index:        pr.Index,
			Frequency:    pr.Frequency,
			AtomicWeight: pr.AtomicWeight,
			Digest:       pr.Digest,
		})
	}

	return formatter.Success(result)
}
