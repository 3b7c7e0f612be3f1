package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/config"
	"github.com/mcclellann/fredSavings/pkg/engine"
	"github.com/mcclellann/fredSavings/pkg/notify"
	"github.com/mcclellann/fredSavings/pkg/payment"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// openEngine wires an engine against the configured store. The caller closes the store.
func openEngine(cfgPath string) (*engine.Engine, store.Storage, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	log := cfg.NewLogger()
	log.SetOutput(os.Stderr)

	s, err := store.Open(cfg.Database.Driver, cfg.Database.Path, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	eng := engine.New(s, notify.NewLogNotifier(log), payment.NewLocalGateway("pay_", log), engine.Options{
		InterestRate:          cfg.Engine.InterestRate,
		PenaltyRate:           cfg.Engine.PenaltyRate,
		PaymentConfirmTimeout: cfg.Engine.PaymentConfirmTimeout,
		Logger:                log,
	})
	return eng, s, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "savingsctl %s (commit %s, built %s)\n", version, commit, date)
			if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
				fmt.Fprintln(cmd.OutOrStdout(), bi.Main.Path, bi.GoVersion)
			}
		},
	}
}

func scheduleCmd() *cobra.Command {
	var (
		amount string
		freq   int
		months int
		start  string
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview the deposit calendar of a plan configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fixed, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q: %w", amount, err)
			}
			from := time.Now().UTC()
			if start != "" {
				if from, err = time.Parse("2006-01-02", start); err != nil {
					return fmt.Errorf("invalid --start %q: %w", start, err)
				}
			}
			sched, err := schedule.Generate(schedule.Config{
				FixedAmount:    fixed,
				FrequencyDays:  freq,
				DurationMonths: months,
			}, from)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), sched)
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "300", "fixed amount per deposit")
	cmd.Flags().IntVar(&freq, "frequency", 10, "days between deposits")
	cmd.Flags().IntVar(&months, "months", 1, "plan duration in months")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD), defaults to now")
	return cmd
}

func tickCmd(cfgPath *string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run the periodic engine work once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				var err error
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at %q: %w", at, err)
				}
			}
			eng, s, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := eng.OnTick(cmd.Context(), now)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to tick at (RFC3339), defaults to now")
	return cmd
}

func statusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [plan-id]",
		Short: "Show the status of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid plan ID %q: %w", args[0], err)
			}
			eng, s, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer s.Close()

			view, err := eng.GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), view)
		},
	}
}

func auditCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "audit [plan-id]",
		Short: "Recompute a plan balance from its ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid plan ID %q: %w", args[0], err)
			}
			eng, s, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer s.Close()

			audit, err := eng.AuditBalance(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := writeYAML(cmd.OutOrStdout(), audit); err != nil {
				return err
			}
			if !audit.Consistent {
				return fmt.Errorf("plan %s balance %s does not match ledger total %s", id, audit.Stored, audit.Recomputed)
			}
			return nil
		},
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "savingsctl",
		Short:         "Operator CLI for the savings plan engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("SAVINGS_CONFIG"), "path to config.yaml")

	root.AddCommand(versionCmd())
	root.AddCommand(scheduleCmd())
	root.AddCommand(tickCmd(&cfgPath))
	root.AddCommand(statusCmd(&cfgPath))
	root.AddCommand(auditCmd(&cfgPath))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
