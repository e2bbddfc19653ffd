package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rk-rishikesh/sealed-bid-auction/client"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
)

// globalFlags are shared by every command.
type globalFlags struct {
	Node     string // Node is the node HTTP address
	Identity string // Identity is the caller identity
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "auctionctl",
		Short:         "Sealed-bid auction client",
		Long:          "auctionctl creates auctions, places timelock-sealed bids and settles them on a node.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.Node, "node", "127.0.0.1:8080", "Node HTTP address")
	root.PersistentFlags().StringVar(&flags.Identity, "as", "", "Identity to act as")

	root.AddCommand(
		newStatusCmd(flags),
		newCreateCmd(flags),
		newListCmd(flags),
		newShowCmd(flags),
		newBidCmd(flags),
		newBidsCmd(flags),
		newRevealCmd(flags),
		newFinalizeCmd(flags),
		newFulfillCmd(flags),
		newWithdrawCmd(flags),
		newRefundCmd(flags),
		newBalanceCmd(flags),
		newFaucetCmd(flags),
	)

	return root
}

// client returns a client for the configured node and identity.
func (f *globalFlags) client() *client.Client {
	return client.NewClient(f.Node, f.Identity)
}

// requireIdentity fails commands that mutate state without --as.
func (f *globalFlags) requireIdentity() error {
	if f.Identity == "" {
		return fmt.Errorf("--as is required for this command")
	}

	return nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// parseAuctionID parses an auction id argument.
func parseAuctionID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid auction id %q", s)
	}

	return id, nil
}

// parseAmount parses an amount argument or flag value.
func parseAmount(name, s string) (amount.Amount, error) {
	amt, err := amount.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s:\n%w", name, err)
	}

	return amt, nil
}
