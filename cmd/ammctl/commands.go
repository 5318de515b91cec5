package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/options-amm/internal/api"
	"github.com/atmx/options-amm/internal/config"
	"github.com/atmx/options-amm/internal/contract"
	"github.com/atmx/options-amm/internal/engine"
	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
	"github.com/atmx/options-amm/internal/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ammctl",
		Short:        "Operate options-amm pools in a local Pebble database",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("db", "", "Pebble data directory (overrides pebble-path)")
	root.PersistentFlags().String("pool", "default", "pool ID")
	root.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	config.AddEngineFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Initialize the pool baselines",
			Args:  cobra.NoArgs,
			RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, _ []string) error {
				if err := e.InitPool(cmd.Context()); err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"pool_id": e.ID(), "initialized": true})
			}),
		},
		newDepositCmd(),
		&cobra.Command{
			Use:   "deposits",
			Short: "Print the deposit journal",
			Args:  cobra.NoArgs,
			RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, _ []string) error {
				deposits, err := e.Deposits(cmd.Context())
				if err != nil {
					return err
				}
				if deposits == nil {
					deposits = []model.Deposit{}
				}
				return printJSON(cmd, deposits)
			}),
		},
		&cobra.Command{
			Use:   "pool-balance KIND",
			Short: "Print the reserve of an option kind (CALL or PUT)",
			Args:  cobra.ExactArgs(1),
			RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, args []string) error {
				kind, err := model.ParseOptionKind(args[0])
				if err != nil {
					return err
				}
				return printValue(cmd)(e.PoolBalance(cmd.Context(), kind))
			}),
		},
		&cobra.Command{
			Use:   "account-balance ACCOUNT TOKEN",
			Short: "Print the collateral of an account in token A or B",
			Args:  cobra.ExactArgs(2),
			RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, args []string) error {
				account, err := model.ParseAccountID(args[0])
				if err != nil {
					return err
				}
				token, err := model.ParseTokenID(args[1])
				if err != nil {
					return err
				}
				return printValue(cmd)(e.AccountBalance(cmd.Context(), account, token))
			}),
		},
		&cobra.Command{
			Use:   "option-balance TICKER",
			Short: "Print the open interest of a bucket, e.g. CALL-1000-1.1-LONG",
			Args:  cobra.ExactArgs(1),
			RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, args []string) error {
				c, err := contract.ParseTicker(args[0])
				if err != nil {
					return err
				}
				return printValue(cmd)(e.PoolOptionBalance(cmd.Context(), c.Kind, c.Strike, c.Maturity, c.Side))
			}),
		},
		&cobra.Command{
			Use:   "volatility KIND MATURITY",
			Short: "Print the implied volatility of a kind at a maturity",
			Args:  cobra.ExactArgs(2),
			RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, args []string) error {
				kind, err := model.ParseOptionKind(args[0])
				if err != nil {
					return err
				}
				maturity, err := fixedpoint.Parse(args[1])
				if err != nil {
					return err
				}
				return printValue(cmd)(e.PoolVolatility(cmd.Context(), kind, maturity))
			}),
		},
		&cobra.Command{
			Use:   "audit",
			Short: "Replay the deposit journal against stored balances",
			Args:  cobra.NoArgs,
			RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, _ []string) error {
				report, err := e.Audit(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("audit found %d discrepancies", len(report.Discrepancies))
				}
				return nil
			}),
		},
	)
	return root
}

func newDepositCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit collateral to an account and the pool reserves",
		Args:  cobra.NoArgs,
		RunE: withPool(func(cmd *cobra.Command, e *engine.Engine, _ []string) error {
			accountS, _ := cmd.Flags().GetString("account")
			account, err := model.ParseAccountID(accountS)
			if err != nil {
				return err
			}
			amounts := make([]fixedpoint.Value, 2)
			for i, name := range []string{"amount-a", "amount-b"} {
				s, _ := cmd.Flags().GetString(name)
				d, err := decimal.NewFromString(s)
				if err != nil {
					return fmt.Errorf("--%s: %w", name, err)
				}
				if amounts[i], err = fixedpoint.FromDecimal(d); err != nil {
					return fmt.Errorf("--%s: %w", name, err)
				}
			}
			d, err := e.AddFakeTokens(cmd.Context(), account, amounts[0], amounts[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, d)
		}),
	}
	cmd.Flags().String("account", "", "account ID")
	cmd.Flags().String("amount-a", "0", "TokenA amount (credited to the Call reserve)")
	cmd.Flags().String("amount-b", "0", "TokenB amount (credited to the Put reserve)")
	cmd.MarkFlagRequired("account")
	return cmd
}

type poolFunc func(cmd *cobra.Command, e *engine.Engine, args []string) error

// withPool loads configuration, opens the Pebble database and hands the
// selected pool's engine to fn. The database is closed when fn returns.
func withPool(fn poolFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfgFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		level, _ := config.ParseLevel(cfg.LogLevel)
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

		engineCfg, err := cfg.Engine()
		if err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("db")
		if path == "" {
			path = cfg.PebblePath
		}
		db, err := store.OpenPebble(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer func(db *pebble.DB) {
			if err := db.Close(); err != nil {
				slog.Error("close pebble", "err", err)
			}
		}(db)

		poolID, _ := cmd.Flags().GetString("pool")
		reg := engine.NewRegistry(func(id string) (store.Store, error) {
			return store.NewPebbleStore(db, id), nil
		}, engineCfg)
		e, err := reg.Pool(poolID)
		if err != nil {
			return err
		}
		return fn(cmd, e, args)
	}
}

func printValue(cmd *cobra.Command) func(fixedpoint.Value, error) error {
	return func(v fixedpoint.Value, err error) error {
		if err != nil {
			return err
		}
		return printJSON(cmd, api.ValueResponse{Value: v.String(), Raw: v.Raw().String()})
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
