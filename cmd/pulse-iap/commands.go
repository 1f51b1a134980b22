package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/pulse-iap/internal/config"
	"github.com/rcourtman/pulse-iap/internal/entitlements"
	"github.com/rcourtman/pulse-iap/internal/gateway"
	"github.com/rcourtman/pulse-iap/internal/ledger"
	"github.com/rcourtman/pulse-iap/internal/logging"
	"github.com/rcourtman/pulse-iap/internal/presentation"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeFailure prints the user-facing rendering of err and returns err so
// the command exits non-zero.
func describeFailure(cmd *cobra.Command, err error) error {
	_ = writeJSON(cmd.ErrOrStderr(), presentation.Describe(err, presentation.English))
	return err
}

// withApp opens the app for one command run and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, _ := logging.WithRequestID(cmd.Context(), "")
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newRestoreCmd() *cobra.Command {
	var historyPath string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Reconcile a platform purchase history export into the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := gateway.LoadReplay(historyPath)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.reconciler(gw).Restore(ctx)
				if err != nil {
					return describeFailure(cmd, err)
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", "", "path to a purchase history export (JSON)")
	_ = cmd.MarkFlagRequired("history")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		historyPath string
		interval    time.Duration
		passes      int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run restoration passes on an interval, reloading the feature catalog on change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, func(_ context.Context, a *app) error {
				if a.cfg.CatalogPath != "" {
					cw, err := config.WatchCatalog(ctx, a.cfg.CatalogPath, a.resolver)
					if err != nil {
						log.Warn().Err(err).Msg("Feature catalog watch unavailable")
					} else {
						defer cw.Stop()
					}
				}
				if metricsAddr != "" {
					startMetricsServer(ctx, metricsAddr)
				}
				return runPasses(ctx, cmd.OutOrStdout(), a, historyPath, interval, passes)
			})
		},
	}
	cmd.Flags().StringVar(&historyPath, "history", "", "path to a purchase history export (JSON), re-read every pass")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "time between passes")
	cmd.Flags().IntVar(&passes, "passes", 0, "stop after this many passes (0 runs until interrupted)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("history")
	return cmd
}

func runPasses(ctx context.Context, out io.Writer, a *app, historyPath string, interval time.Duration, passes int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		gw, err := gateway.LoadReplay(historyPath)
		if err != nil {
			log.Error().Err(err).Int("pass", n).Msg("History export unreadable, skipping pass")
		} else if result, err := a.reconciler(gw).Restore(ctx); err != nil {
			log.Error().Err(err).Int("pass", n).Msg("Restoration pass failed")
		} else if err := writeJSON(out, result); err != nil {
			return err
		}

		if passes > 0 && n >= passes {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// readArg returns v, or the contents of the file named after a leading '@'.
func readArg(v string) (string, error) {
	if !strings.HasPrefix(v, "@") {
		return v, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(v, "@"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func newVerifyCmd() *cobra.Command {
	var platformName, receiptArg, signatureArg string
	var record bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed receipt",
		Long:  "Verify a signed receipt. --receipt and --signature accept a literal value or @file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := parsePlatformFlag(platformName)
			if err != nil {
				return err
			}
			receiptData, err := readArg(receiptArg)
			if err != nil {
				return fmt.Errorf("read receipt: %w", err)
			}
			signature, err := readArg(signatureArg)
			if err != nil {
				return fmt.Errorf("read signature: %w", err)
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				verified, err := a.verifier.Verify(ctx, receiptData, signature, platform)
				if err != nil {
					return describeFailure(cmd, err)
				}
				if record {
					if err := a.state.Record(ctx, verified.Metadata(time.Now())); err != nil {
						return err
					}
				}
				return writeJSON(cmd.OutOrStdout(), verified)
			})
		},
	}
	cmd.Flags().StringVar(&platformName, "platform", "", "billing platform (app_store, play_store, aggregator)")
	cmd.Flags().StringVar(&receiptArg, "receipt", "", "receipt data or @file")
	cmd.Flags().StringVar(&signatureArg, "signature", "", "base64 signature or @file")
	cmd.Flags().BoolVar(&record, "record", false, "record the verification metadata on success")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("receipt")
	return cmd
}

type accessReport struct {
	Feature string                 `json:"feature"`
	Level   purchases.FeatureLevel `json:"level,omitempty"`
	Product string                 `json:"required_product_id,omitempty"`
	Granted bool                   `json:"granted"`
}

func newAccessCmd() *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "access <feature>",
		Short: "Report whether a feature is unlocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				resolver := a.resolver
				if tier != "" {
					resolver = entitlements.NewResolver(a.resolver.Catalog(), a.ledger,
						entitlements.WithMetrics(a.metrics),
						entitlements.WithTierService(entitlements.StaticTier(purchases.Tier(strings.ToLower(tier)))),
					)
				}
				report := accessReport{Feature: args[0], Granted: resolver.CanAccess(ctx, args[0])}
				if def, ok := resolver.Catalog().Feature(args[0]); ok {
					report.Level = def.Level
					report.Product = def.RequiredProductID
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "subscription tier to assume (free or premium)")
	return cmd
}

func newFeaturesCmd() *cobra.Command {
	var product string

	cmd := &cobra.Command{
		Use:   "features",
		Short: "List catalog features, or the features a product unlocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalogOnly()
			if err != nil {
				return err
			}
			if product != "" {
				return writeJSON(cmd.OutOrStdout(), catalog.ForProduct(product))
			}
			return writeJSON(cmd.OutOrStdout(), catalog.Features())
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "only list features unlocked by this product id")
	return cmd
}

// loadCatalogOnly reads the configured catalog without opening the ledger.
func loadCatalogOnly() (*entitlements.Catalog, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return config.LoadCatalog(cfg.CatalogPath)
}

func newEraseCmd() *cobra.Command {
	var transactionID string
	var all bool

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase ledger rows and verification metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			transactionID = strings.TrimSpace(transactionID)
			if (transactionID == "") == !all {
				return fmt.Errorf("specify exactly one of --transaction or --all")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				removed, err := a.erase(ctx, transactionID)
				if err != nil {
					return err
				}
				log.Info().Int("removed", removed).Msg("Purchase data erased")
				fmt.Fprintf(cmd.OutOrStdout(), "erased %d purchase(s)\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&transactionID, "transaction", "", "transaction id to erase")
	cmd.Flags().BoolVar(&all, "all", false, "erase every purchase")
	return cmd
}

func newPurchasesCmd() *cobra.Command {
	var verifiedOnly bool

	cmd := &cobra.Command{
		Use:   "purchases",
		Short: "List ledger rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rows, err := a.ledger.GetAllPurchases(ctx)
				if err != nil {
					return describeFailure(cmd, err)
				}
				if verifiedOnly {
					rows = ledger.Verified(rows)
				}
				if rows == nil {
					rows = []purchases.Purchase{}
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().BoolVar(&verifiedOnly, "verified", false, "only list verified purchases")
	return cmd
}
