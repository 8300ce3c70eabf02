package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/atombond/internal/atom"
	"github.com/roach88/atombond/internal/contract"
)

// Error codes reported by the contracts command.
const (
	ErrCodeContractLoad    = "CONTRACT_LOAD_FAILED"
	ErrCodeContractInvalid = "CONTRACT_INVALID"
)

// ContractSummary describes one compiled contract.
type ContractSummary struct {
	Tier           string   `json:"tier"`
	HashAlgorithm  string   `json:"hashAlgorithm"`
	RequiredFields []string `json:"requiredFields"`
	PerLane        int      `json:"perLane,omitempty"`
	Lanes          int      `json:"lanes,omitempty"`
	Ranges         []string `json:"ranges,omitempty"`
}

// ContractsResult is the output of the contracts command.
type ContractsResult struct {
	Dir       string            `json:"dir"`
	Contracts []ContractSummary `json:"contracts"`
}

func (r ContractsResult) String() string {
	if len(r.Contracts) == 0 {
		return fmt.Sprintf("No contracts in %s; every tier uses the built-in default", r.Dir)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✓ %d contract(s) valid in %s", len(r.Contracts), r.Dir)
	for _, c := range r.Contracts {
		fmt.Fprintf(&b, "\n  %s: %s, fields %s", c.Tier, c.HashAlgorithm, strings.Join(c.RequiredFields, " "))
		if len(c.Ranges) > 0 {
			fmt.Fprintf(&b, ", ranges %s", strings.Join(c.Ranges, " "))
		}
	}
	return b.String()
}

// NewContractsCommand creates the contracts command.
func NewContractsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts <dir>",
		Short: "Compile and check CUE contracts",
		Long: `Compile every contract declared under the top-level contract struct of
the CUE files in <dir> and report what each one enforces.

Example:
  atombond contracts ./contracts --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContracts(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runContracts(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		msg := fmt.Sprintf("contracts directory not found: %s", dir)
		_ = formatter.Error(ErrCodeContractLoad, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	set, err := contract.LoadDir(dir)
	if err != nil {
		_ = formatter.Error(ErrCodeContractInvalid, err.Error(), nil)
		return WrapExitError(ExitFailure, "invalid contracts", err)
	}

	result := ContractsResult{Dir: dir, Contracts: []ContractSummary{}}
	for _, tier := range set.Tiers() {
		c := set[tier]
		formatter.VerboseLog("compiled contract %s", tier)

		summary := ContractSummary{
			Tier:          tier,
			HashAlgorithm: c.HashAlgorithm,
			PerLane:       c.Cardinality.PerLane,
			Lanes:         c.Cardinality.Lanes,
		}
		if summary.HashAlgorithm == "" {
			summary.HashAlgorithm = atom.AlgorithmSHA256
		}
		for _, f := range c.RequiredFields {
			summary.RequiredFields = append(summary.RequiredFields, fmt.Sprintf("%s:%s", f.Name, f.Type))
		}
		for _, r := range c.Ranges {
			summary.Ranges = append(summary.Ranges, r.Field+r.String())
		}
		result.Contracts = append(result.Contracts, summary)
	}

	return formatter.Success(result)
}
