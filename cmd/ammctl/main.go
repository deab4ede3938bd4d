package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"amm-sandbox/internal/client"
	"amm-sandbox/internal/model"
)

var (
	serverURL string
	market    string
	password  string
)

var rootCmd = &cobra.Command{
	Use:          "ammctl",
	Short:        "Scripted trading against an ammd server",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("AMMCTL_SERVER", "http://localhost:5001"), "ammd base URL")
	rootCmd.PersistentFlags().StringVarP(&market, "market", "m", "default", "market key")
	rootCmd.PersistentFlags().StringVar(&password, "password", os.Getenv("AMMCTL_PASSWORD"), "operator password for admin commands")

	rootCmd.AddCommand(marketsCmd, priceCmd, reservesCmd, balanceCmd, buyCmd, sellCmd,
		distributeCmd, resetCmd, poolCmd, generateCmd, cancelCmd, watchCmd)

	distributeCmd.Flags().Float64("each", 1, "quote seeded into each wallet")
	distributeCmd.Flags().Float64("holders", 0.5, "share of wallets that buy tokens")
	poolCmd.Flags().Int("size", 10, "number of wallets to generate")
	poolCmd.Flags().Float64("each", 1, "quote seeded into each pool wallet")
	generateCmd.Flags().Int("trades", 10, "number of random trades")
	generateCmd.Flags().Duration("interval", time.Second, "wait between trades")
	generateCmd.Flags().String("regime", string(model.RegimeShuffle), "buy, sell or shuffle")
	generateCmd.Flags().Bool("wait", false, "block until the run finishes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *client.Client { return client.New(serverURL) }

// adminClient logs in first when a password is known.
func adminClient(ctx context.Context) (*client.Client, error) {
	c := newClient()
	if password == "" {
		return c, nil
	}
	if _, err := c.Login(ctx, password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c, nil
}

func num(f float64, places int32) string {
	return decimal.NewFromFloat(f).Round(places).String()
}

func parseAmount(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	return v, nil
}

func printTrade(t model.Trade) {
	fmt.Printf("%s %s in=%s out=%s price=%s id=%s\n",
		t.Type, t.Sender, num(t.AmountIn, 9), num(t.AmountOut, 9), num(t.Price, 12), t.ID)
}

func printRun(r model.GeneratorRun) {
	fmt.Printf("run %s %s %s %d/%d every %s\n", r.ID, r.Status, r.Regime, r.Completed, r.NumTrades, r.Interval)
	if r.Error != "" {
		fmt.Printf("  error: %s\n", r.Error)
	}
}

// ── Queries ──────────────────────────────────────────

var marketsCmd = &cobra.Command{
	Use:   "markets",
	Short: "List markets",
	RunE: func(cmd *cobra.Command, args []string) error {
		markets, err := newClient().Markets(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range markets {
			fmt.Printf("%s price=%s trades=%d pool=%d\n", m.Key, num(m.Price, 12), m.Trades, m.PoolSize)
		}
		return nil
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Show the spot price",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newClient().Price(cmd.Context(), market)
		if err != nil {
			return err
		}
		fmt.Println(num(p, 12))
		return nil
	},
}

var reservesCmd = &cobra.Command{
	Use:   "reserves",
	Short: "Show pool reserves",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := newClient().Reserves(cmd.Context(), market)
		if err != nil {
			return err
		}
		fmt.Printf("token=%s quote=%s\n", num(r.Token, 9), num(r.Quote, 9))
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <wallet>",
	Short: "Show a wallet's net holdings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newClient().Balance(cmd.Context(), market, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s quote=%s token=%s\n", b.Address, num(b.QuoteBalance, 9), num(b.TokenBalance, 9))
		return nil
	},
}

// ── Trading ──────────────────────────────────────────

var buyCmd = &cobra.Command{
	Use:   "buy <wallet> <quote-amount>",
	Short: "Buy tokens with quote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amt, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		t, err := newClient().Buy(cmd.Context(), market, args[0], amt)
		if err != nil {
			return err
		}
		printTrade(t)
		return nil
	},
}

var sellCmd = &cobra.Command{
	Use:   "sell <wallet> <token-amount>",
	Short: "Sell tokens for quote",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amt, err := parseAmount(args[1])
		if err != nil {
			return err
		}
		t, err := newClient().Sell(cmd.Context(), market, args[0], amt)
		if err != nil {
			return err
		}
		printTrade(t)
		return nil
	},
}

// ── Admin ────────────────────────────────────────────

var distributeCmd = &cobra.Command{
	Use:   "distribute <wallet,wallet,...>",
	Short: "Seed wallets and let a share of them buy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		each, _ := cmd.Flags().GetFloat64("each")
		holders, _ := cmd.Flags().GetFloat64("holders")
		c, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		plan := model.DistributionPlan{Wallets: strings.Split(args[0], ","), QuoteAmountEach: each, HoldersRatio: holders}
		trades, err := c.Distribute(cmd.Context(), market, plan)
		if err != nil {
			return err
		}
		for _, t := range trades {
			printTrade(t)
		}
		fmt.Printf("distributed to %d wallets, %d holders\n", len(plan.Wallets), len(trades))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the market to its initial state",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		trades, err := c.Reset(cmd.Context(), market)
		if err != nil {
			return err
		}
		fmt.Printf("reset, %d distribution trades replayed\n", len(trades))
		return nil
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool [wallet,wallet,...]",
	Short: "Register the random trading pool",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("size")
		each, _ := cmd.Flags().GetFloat64("each")
		c, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		pool := model.RandomPool{Size: size, QuoteAmountEach: each}
		if len(args) == 1 {
			pool.Wallets = strings.Split(args[0], ",")
		}
		wallets, err := c.RegisterPool(cmd.Context(), market, pool)
		if err != nil {
			return err
		}
		for _, w := range wallets {
			fmt.Println(w)
		}
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Start a random trade run",
	RunE: func(cmd *cobra.Command, args []string) error {
		trades, _ := cmd.Flags().GetInt("trades")
		interval, _ := cmd.Flags().GetDuration("interval")
		regime, _ := cmd.Flags().GetString("regime")
		wait, _ := cmd.Flags().GetBool("wait")
		ctx := cmd.Context()

		c, err := adminClient(ctx)
		if err != nil {
			return err
		}
		run, err := c.StartRandomTrades(ctx, market, trades, interval, model.Regime(regime))
		if err != nil {
			return err
		}
		printRun(run)
		if !wait {
			return nil
		}

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for run.Status == model.RunRunning {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if run, err = c.Run(ctx, run.ID); err != nil {
				return err
			}
		}
		printRun(run)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a random trade run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient(cmd.Context())
		if err != nil {
			return err
		}
		run, err := c.CancelRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRun(run)
		return nil
	},
}

// ── Live feed ────────────────────────────────────────

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream executed orders until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return newClient().Watch(ctx, market, func(n model.OrderNotification) {
			side := "sell"
			if n.IsBuy {
				side = "buy"
			}
			ts := time.UnixMilli(n.Timestamp).Format("15:04:05.000")
			fmt.Printf("%s %-4s %s in=%s out=%s price=%s\n",
				ts, side, n.Wallet, num(n.AmountIn, 9), num(n.AmountOut, 9), num(n.Price, 12))
		})
	},
}
