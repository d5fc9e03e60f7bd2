package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ghillie/auth"
	"ghillie/config"
	"ghillie/db"
	"ghillie/dispute"
	"ghillie/listing"
	"ghillie/money"
	"ghillie/profile"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "ghillie",
		Short:        "Second-hand fishing tackle marketplace with escrow",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}
	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newQuoteCmd(load),
		newPromoteCmd(load),
	)
	return root
}

type loader func() (config.Config, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	fees, err := cfg.FeeSchedule()
	if err != nil {
		return err
	}
	listings := listing.NewService(b.listings, logger).WithFees(fees)
	server := NewServer(
		listings,
		auth.NewService(b.users, cfg.JWTSecret, listing.Regions),
		profile.NewService(b.users, b.listings),
		dispute.NewService(b.listings, fees),
		logger,
	)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	if b.relay != nil {
		g.Go(func() error {
			return b.relay.Run(gctx)
		})
	}
	return g.Wait()
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema is created on open; nothing to migrate")
				return nil
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := db.Migrate(cmd.Context(), pool)
			if err != nil {
				return err
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
}

func newQuoteCmd(load loader) *cobra.Command {
	var price, postage, insurance string
	var split bool
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Print the fee breakdown for a sale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			fees, err := cfg.FeeSchedule()
			if err != nil {
				return err
			}
			var amounts [3]money.Pence
			for i, raw := range []string{price, postage, insurance} {
				if amounts[i], err = money.Parse(raw); err != nil {
					return err
				}
			}
			b := fees.QuoteFields(amounts[0], amounts[1], amounts[2], split)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
			for _, row := range []struct {
				label string
				v     money.Pence
			}{
				{"price", b.Price},
				{"marketplace fee", b.MarketplaceFee},
				{"total shipping", b.TotalShipping},
				{"seller shipping share", b.SellerShippingShare},
				{"buyer shipping share", b.BuyerShippingShare},
				{"buyer transaction fee", b.BuyerTransactionFee},
				{"seller net proceeds", b.SellerNetProceeds},
				{"buyer total due", b.BuyerTotalDue},
			} {
				fmt.Fprintf(tw, "%s\t%s\t\n", row.label, row.v)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&price, "price", "0", "item price, e.g. 85.00")
	cmd.Flags().StringVar(&postage, "postage", "0", "postage price")
	cmd.Flags().StringVar(&insurance, "insurance", "0", "insurance fee")
	cmd.Flags().BoolVar(&split, "split", false, "split shipping between buyer and seller")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newPromoteCmd(load loader) *cobra.Command {
	var email, role string
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Change a registered user's role",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			b, err := openBackend(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer b.Close()

			user, err := auth.NewService(b.users, cfg.JWTSecret, nil).GrantRole(cmd.Context(), email, auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Email, user.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email of the user to change")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleSupport), "trader or support")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
