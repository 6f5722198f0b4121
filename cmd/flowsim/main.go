// Command flowsim runs a sample order flow end to end on the in-memory
// stores: it starts a handful of instances, pays or calls off each order,
// waits for the engine to drain, and prints the recorded history. It exists
// to demonstrate wiring and to smoke-test the runtime; the engine itself
// owns no CLI surface.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stageflow/stageflow/engine"
	"github.com/stageflow/stageflow/internal/logging"
	"github.com/stageflow/stageflow/memstore"
	"github.com/stageflow/stageflow/persist"
	"github.com/stageflow/stageflow/scheduler"
)

var (
	flagVerbose bool
	flagQuiet   bool
	flagConfig  string
	flagWorkers int
	flagIdle    time.Duration
	flagOrders  int
)

var rootCmd = &cobra.Command{
	Use:   "flowsim",
	Short: "Run a sample stageflow order flow on in-memory stores",
	Long: `flowsim wires the stageflow engine to the in-memory persistence layer,
drives a small order-processing flow through payments and call-offs, and
prints the per-instance history once every instance has come to rest.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if !cmd.Flags().Changed("verbose") && os.Getenv("FLOWSIM_VERBOSE") != "" {
			flagVerbose = true
		}
		if !cmd.Flags().Changed("quiet") && os.Getenv("FLOWSIM_QUIET") != "" {
			flagQuiet = true
		}
		logging.Setup(flagVerbose, flagQuiet, os.Getenv("FLOWSIM_LOG_FORMAT") == "json")
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := DefaultConfig()
		if flagConfig != "" {
			loaded, err := LoadConfig(flagConfig)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if cmd.Flags().Changed("workers") {
			cfg.Scheduler.Workers = flagWorkers
		}
		if cmd.Flags().Changed("idle-delay") {
			cfg.Scheduler.IdleDelay = Duration(flagIdle)
		}
		if cmd.Flags().Changed("orders") {
			cfg.Orders = flagOrders
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (debug) output (env: FLOWSIM_VERBOSE)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress all output except errors (env: FLOWSIM_QUIET)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Path to flowsim.toml config file")
	rootCmd.Flags().IntVar(&flagWorkers, "workers", 4, "Number of parallel tick workers")
	rootCmd.Flags().DurationVar(&flagIdle, "idle-delay", 50*time.Millisecond, "Poller sleep after an empty batch")
	rootCmd.Flags().IntVar(&flagOrders, "orders", 3, "Number of orders to simulate")
}

func run(ctx context.Context, cfg Config) error {
	logger := logging.New("flowsim")

	orderFlow, err := buildOrderFlow()
	if err != nil {
		return err
	}

	history := memstore.NewHistoryStore()
	sched := scheduler.New(memstore.NewTickQueue(),
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithIdleDelay(time.Duration(cfg.Scheduler.IdleDelay)),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithLogger(logging.New("scheduler")),
	)
	eng, err := engine.New(engine.Config{
		Events:  memstore.NewEventStore(),
		Ticks:   sched,
		History: history,
	}, engine.WithLogger(logging.New("engine")))
	if err != nil {
		return err
	}
	orders, err := engine.Register(eng, "orders", orderFlow, memstore.NewStateStore[Order]())
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sched.Shutdown(stopCtx); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
	}()

	started := make([]startedOrder, 0, cfg.Orders)
	for i := 0; i < cfg.Orders; i++ {
		order := Order{
			Reference: fmt.Sprintf("ord-%03d", i+1),
			Total:     float64(120 + i*400),
			Rush:      i%2 == 1,
		}
		id, err := orders.Start(ctx, order)
		if err != nil {
			return err
		}
		started = append(started, startedOrder{order: order, id: id})
		logger.Info("order started", "reference", order.Reference, "instance", id)
	}

	// Pay every order except the last, which the customer calls off.
	for i, s := range started {
		event := eventPaymentReceived
		if i == len(started)-1 {
			event = eventCallOff
		}
		if err := orders.SendEvent(ctx, s.id, event); err != nil {
			return err
		}
		logger.Info("event sent", "reference", s.order.Reference, "event", event)
	}

	if err := waitForRest(ctx, orders, started); err != nil {
		return err
	}

	for _, s := range started {
		stage, status, err := orders.Status(ctx, s.id)
		if err != nil {
			return err
		}
		fmt.Printf("%s: stage=%s status=%s\n", s.order.Reference, stage, status)
		for _, entry := range history.ForInstance("orders", s.id) {
			describe(entry)
		}
	}
	return nil
}

type startedOrder struct {
	order Order
	id    uuid.UUID
}

// waitForRest polls until every instance reaches a final status or the
// deadline passes.
func waitForRest(ctx context.Context, orders *engine.Handle[Order], started []startedOrder) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resting := 0
		for _, s := range started {
			_, status, err := orders.Status(ctx, s.id)
			if err != nil {
				return err
			}
			if status.Final() {
				resting++
			}
		}
		if resting == len(started) {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	return fmt.Errorf("instances did not come to rest within 10s")
}

func describe(entry persist.HistoryEntry) {
	switch entry.Kind {
	case persist.HistoryStarted:
		fmt.Printf("  started in %s\n", entry.Stage)
	case persist.HistoryEventAppended:
		fmt.Printf("  event appended: %s\n", entry.Event)
	case persist.HistoryStatusChanged:
		fmt.Printf("  status %s -> %s (stage %s)\n", entry.FromStatus, entry.ToStatus, entry.Stage)
	case persist.HistoryStageChanged:
		if entry.Event != "" {
			fmt.Printf("  stage %s -> %s (event %s)\n", entry.FromStage, entry.ToStage, entry.Event)
		} else {
			fmt.Printf("  stage %s -> %s\n", entry.FromStage, entry.ToStage)
		}
	case persist.HistoryCancelled:
		fmt.Printf("  cancelled in %s\n", entry.Stage)
	case persist.HistoryError:
		fmt.Printf("  error in %s: %s\n", entry.Stage, entry.ErrorMessage)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
