package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"routekern/internal/autoupdate"
	"routekern/internal/baseline"
	"routekern/internal/event"
	"routekern/internal/feedback"
	"routekern/internal/gateway"
	"routekern/internal/kernel"
	"routekern/internal/pattern"
	"routekern/internal/router"
	"routekern/internal/scheduler"
	"routekern/internal/telemetry"
	"routekern/internal/tier"
	"routekern/internal/version"
)

// Exit codes: 0 success, 1 input error, 2 gates unmet, 3 validation failed,
// 4 store unavailable. Codes >= 10 are reserved.
const (
	exitOK               = 0
	exitInputError       = 1
	exitGatesUnmet       = 2
	exitValidationFailed = 3
	exitStoreUnavailable = 4
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "routekern",
	Short: "Adaptive model-routing kernel",
	Long: `routekern routes queries to model tiers (fast, medium, strong) using
complexity analysis and decision-quality scoring, learns from outcome
feedback, and proposes evidence-gated adjustments to its own baselines.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func openKernel() (*kernel.Kernel, error) {
	return kernel.Open(cfgFile)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	routeSession  string
	routeOverride string
)

var routeCmd = &cobra.Command{
	Use:   "route <query>",
	Short: "Route a query to a tier and emit the JSON decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		req := router.Request{Query: args[0], SessionID: routeSession}
		if routeOverride != "" {
			t, err := tier.Parse(routeOverride)
			if err != nil {
				return fmt.Errorf("invalid override tier: %w", err)
			}
			req.Override = &t
		}

		d, err := k.Router.Route(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(d)
	},
}

var (
	feedbackPrefix string
	feedbackReason string
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback [decision-id] <success|failure|escalation>",
	Short: "Attach an outcome signal to a decision",
	Long: `Attach an outcome signal, addressed by decision id or (with --prefix)
by the opening characters of the query text.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sig := event.Signal{TS: time.Now().UTC()}
		switch {
		case feedbackPrefix != "" && len(args) == 1:
			sig.QueryPrefix = feedbackPrefix
			sig.Kind = event.SignalKind(args[0])
		case feedbackPrefix == "" && len(args) == 2:
			sig.DecisionID = args[0]
			sig.Kind = event.SignalKind(args[1])
		default:
			return errors.New("expected either <decision-id> <kind> or --prefix <P> <kind>")
		}
		if feedbackReason != "" {
			sig.EscalationReason = event.EscalationReason(feedbackReason)
		}

		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		res, err := k.Feedback.Record(cmd.Context(), sig)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var statsWindow int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tier distribution, DQ, feedback rate, and per-band efficiency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		window := statsWindow
		if window <= 0 {
			window = k.Config.Telemetry.WindowDays
		}
		st, err := k.Telemetry.Stats(window)
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var proposeWindow int

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Run pattern detection and list proposed baseline updates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		detector := k.Detector
		if proposeWindow > 0 {
			detector = pattern.New(k.Baselines, k.Telemetry, pattern.WithWindow(proposeWindow))
		}
		if _, err := detector.Detect(cmd.Context()); err != nil {
			return err
		}

		// List every open proposal, including ones from earlier runs.
		open, err := k.Telemetry.Proposals(baseline.StatusProposed)
		if err != nil {
			return err
		}
		return printJSON(open)
	},
}

var applyDryRun bool

var applyCmd = &cobra.Command{
	Use:   "apply <proposal-id>",
	Short: "Evaluate the gates and apply a proposed update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		res, err := k.Gate.Apply(cmd.Context(), args[0], applyDryRun)
		if res != nil {
			if printErr := printJSON(res); printErr != nil && err == nil {
				err = printErr
			}
		}
		return err
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <proposal-id>",
	Short: "Revert a previously applied proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		res, err := k.Gate.Rollback(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var baselinesVersion string

var baselinesCmd = &cobra.Command{
	Use:   "baselines",
	Short: "Print the current or a historical baseline set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		if baselinesVersion == "" {
			return printJSON(k.Baselines.Load())
		}
		b, err := k.Baselines.LoadVersion(baselinesVersion)
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Print the ordered baseline lineage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()
		return printJSON(k.Baselines.Lineage())
	},
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background executor and the event-streaming endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := openKernel()
		if err != nil {
			return err
		}
		defer k.Close()

		sched := scheduler.New()
		if err := k.RegisterJobs(sched); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()

		addr := serveAddr
		if addr == "" {
			addr = k.Config.Serve.ListenAddr
		}
		gw := gateway.New(addr, k.Telemetry.Bus())

		errCh := make(chan error, 1)
		go func() { errCh <- gw.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Printf("Received signal: %v", sig)
		case err := <-errCh:
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("routekern %s\n", version.Full())
		info := version.GetBuildInfo()
		if info.GitCommit != "unknown" {
			fmt.Printf("Git commit: %s\n", info.GitCommit)
		}
		if info.GitDirty {
			fmt.Printf("Git status: dirty (uncommitted changes)\n")
		}
		if info.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", info.BuildDate)
		}
		fmt.Printf("Go version: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default {datadir}/config/kernel.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	routeCmd.Flags().StringVar(&routeSession, "session", "", "session id to group related decisions")
	routeCmd.Flags().StringVar(&routeOverride, "override", "", "force this tier (fast|medium|strong), still recorded as overridden")

	feedbackCmd.Flags().StringVar(&feedbackPrefix, "prefix", "", "match the decision by query prefix instead of id")
	feedbackCmd.Flags().StringVar(&feedbackReason, "reason", "", "escalation reason (exit_code|capability_limitation|truncated_response|user_rejection)")

	statsCmd.Flags().IntVar(&statsWindow, "window", 0, "window in days (default from config)")
	proposeCmd.Flags().IntVar(&proposeWindow, "window", 0, "window in days (default from config)")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "preview the update without applying")
	baselinesCmd.Flags().StringVar(&baselinesVersion, "version", "", "print this historical version instead of the current one")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")

	rootCmd.AddCommand(routeCmd, feedbackCmd, statsCmd, proposeCmd, applyCmd,
		rollbackCmd, baselinesCmd, lineageCmd, serveCmd, versionCmd)

	cobra.OnInitialize(func() {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
	})
}

// exitCode maps an error to the documented exit-code contract.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, autoupdate.ErrGatesUnmet):
		return exitGatesUnmet
	case errors.Is(err, baseline.ErrBaselinesInvalid):
		return exitValidationFailed
	case errors.Is(err, baseline.ErrStoreUnavailable),
		errors.Is(err, telemetry.ErrStoreUnavailable):
		return exitStoreUnavailable
	case errors.Is(err, feedback.ErrInvalidSignal),
		errors.Is(err, telemetry.ErrDecisionNotFound),
		errors.Is(err, autoupdate.ErrProposalNotApplicable):
		return exitInputError
	default:
		return exitInputError
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
