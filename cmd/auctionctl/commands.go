package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
	"github.com/rk-rishikesh/sealed-bid-auction/internal/auction"
)

// defaultFeeBudget covers the dev network fee with room to spare.
const defaultFeeBudget = "0.01"

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chain height, block time and bid fee",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := flags.client().Status()
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newCreateCmd(flags *globalFlags) *cobra.Command {
	var (
		endHeight uint64
		endTime   string
		blocks    uint64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an auction",
		Long:  "Create an auction ending at --end-height, at --end-time (RFC 3339) or --blocks from now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireIdentity(); err != nil {
				return err
			}

			c := flags.client()

			switch {
			case endTime != "":
				t, err := time.Parse(time.RFC3339, endTime)
				if err != nil {
					return fmt.Errorf("invalid end time:\n%w", err)
				}

				a, err := c.CreateAuctionAt(t)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)

			case blocks > 0:
				status, err := c.Status()
				if err != nil {
					return err
				}
				endHeight = status.Height + blocks
			}

			a, err := c.CreateAuction(endHeight)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), a)
		},
	}

	cmd.Flags().Uint64Var(&endHeight, "end-height", 0, "Block height at which bidding closes")
	cmd.Flags().StringVar(&endTime, "end-time", "", "Time at which bidding closes (RFC 3339)")
	cmd.Flags().Uint64Var(&blocks, "blocks", 0, "Close bidding this many blocks from now")
	cmd.MarkFlagsMutuallyExclusive("end-height", "end-time", "blocks")
	cmd.MarkFlagsOneRequired("end-height", "end-time", "blocks")

	return cmd
}

func newListCmd(flags *globalFlags) *cobra.Command {
	var f auction.Filter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List auctions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			views, err := flags.client().ListAuctions(f)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), views)
		},
	}

	cmd.Flags().BoolVar(&f.Active, "active", false, "Only auctions accepting bids")
	cmd.Flags().BoolVar(&f.BiddingClosed, "closed", false, "Only auctions past their end height and not finalized")
	cmd.Flags().BoolVar(&f.Ended, "ended", false, "Only finalized auctions")
	cmd.Flags().StringVar(&f.OwnedBy, "owner", "", "Only auctions owned by this identity")

	return cmd
}

func newShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <auction-id>",
		Short: "Show one auction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			a, err := flags.client().GetAuction(id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), a)
		},
	}
}

func newBidCmd(flags *globalFlags) *cobra.Command {
	var (
		escrow    string
		feeBudget string
		local     bool
	)

	cmd := &cobra.Command{
		Use:   "bid <auction-id> <amount>",
		Short: "Place a sealed bid",
		Long: "Place a sealed bid. By default the node encrypts the amount and escrows it. " +
			"With --local the amount is encrypted here and only --escrow is revealed to the node.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireIdentity(); err != nil {
				return err
			}

			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			amt, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}

			budget, err := parseAmount("fee budget", feeBudget)
			if err != nil {
				return err
			}

			c := flags.client()

			if !local {
				if escrow != "" {
					return fmt.Errorf("--escrow only applies with --local")
				}

				b, err := c.PlaceBid(id, amt, budget)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			}

			held := amt
			if escrow != "" {
				if held, err = parseAmount("escrow", escrow); err != nil {
					return err
				}
			}

			b, err := c.SealBid(id, amt, held, budget)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), b)
		},
	}

	cmd.Flags().StringVar(&escrow, "escrow", "", "Escrow to lock with a --local bid (defaults to the amount)")
	cmd.Flags().StringVar(&feeBudget, "fee-budget", defaultFeeBudget, "Most you will pay the timelock network")
	cmd.Flags().BoolVar(&local, "local", false, "Encrypt the bid locally")

	return cmd
}

func newBidsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "bids <auction-id>",
		Short: "List the bids of an auction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			bids, err := flags.client().Bids(id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), bids)
		},
	}
}

func newRevealCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reveal <auction-id>",
		Short: "Open every sealed bid of a closed auction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			n, err := flags.client().Reveal(id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{"auctionId": id, "revealed": n})
		},
	}
}

func newFinalizeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <auction-id>",
		Short: "End an auction and settle it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireIdentity(); err != nil {
				return err
			}

			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			a, err := flags.client().Finalize(id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), a)
		},
	}
}

func newFulfillCmd(flags *globalFlags) *cobra.Command {
	var payment string

	cmd := &cobra.Command{
		Use:   "fulfill <auction-id>",
		Short: "Pay the winning price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireIdentity(); err != nil {
				return err
			}

			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			amt, err := parseAmount("payment", payment)
			if err != nil {
				return err
			}

			a, err := flags.client().Fulfill(id, amt)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), a)
		},
	}

	cmd.Flags().StringVar(&payment, "payment", "0", "Payment on top of the escrow already held")

	return cmd
}

func newWithdrawCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <auction-id>",
		Short: "Withdraw your refund from an ended auction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.requireIdentity(); err != nil {
				return err
			}

			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			paid, err := flags.client().Withdraw(id)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{"auctionId": id, "amount": paid})
		},
	}
}

func newRefundCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refund <auction-id> [bidder]",
		Short: "Show what an auction owes a bidder (default: you)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAuctionID(args[0])
			if err != nil {
				return err
			}

			bidder := flags.Identity
			if len(args) == 2 {
				bidder = args[1]
			}

			if bidder == "" {
				return fmt.Errorf("name a bidder or pass --as")
			}

			r, err := flags.client().Refund(id, bidder)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}

func newBalanceCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [account]",
		Short: "Show an account balance (default: you)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := flags.Identity
			if len(args) == 1 {
				account = args[0]
			}

			if account == "" {
				return fmt.Errorf("name an account or pass --as")
			}

			bal, err := flags.client().Balance(account)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]amount.Amount{account: bal})
		},
	}
}

func newFaucetCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "faucet <account> <amount>",
		Short: "Mint test funds on a dev node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}

			height, err := flags.client().Faucet(args[0], amt)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{"account": args[0], "amount": amt, "height": height})
		},
	}
}
