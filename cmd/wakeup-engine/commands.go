package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/dispatch"
	"github.com/hochfrequenz/wakeup-engine/internal/domain"
	"github.com/hochfrequenz/wakeup-engine/internal/progress"
	"github.com/hochfrequenz/wakeup-engine/internal/schedule"
	"github.com/hochfrequenz/wakeup-engine/internal/verify"
	"github.com/hochfrequenz/wakeup-engine/internal/wakeuperr"
	"github.com/hochfrequenz/wakeup-engine/tui"
	"github.com/hochfrequenz/wakeup-engine/web/api"
)

var (
	servePort     int
	previewCount  int
	historyLimit  int
	batchFilter   string
	pingAccounts  []string
	pingModels    []string
	pingPrompt    string
	pingMaxTokens int
	verifyModel   string
	verifyTUI     bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port (default from config)")
	rootCmd.AddCommand(serveCmd)

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage wakeup tasks",
	}
	tasksCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List tasks", RunE: runTasksList},
		&cobra.Command{Use: "enable ID", Short: "Enable a task", Args: cobra.ExactArgs(1), RunE: runTaskToggle(true)},
		&cobra.Command{Use: "disable ID", Short: "Disable a task", Args: cobra.ExactArgs(1), RunE: runTaskToggle(false)},
		&cobra.Command{Use: "delete ID", Short: "Delete a task", Args: cobra.ExactArgs(1), RunE: runTaskDelete},
		&cobra.Command{Use: "import-legacy FILE", Short: "Import a legacy single-schedule document", Args: cobra.ExactArgs(1), RunE: runImportLegacy},
	)
	rootCmd.AddCommand(tasksCmd)

	previewCmd := &cobra.Command{
		Use:   "preview ID",
		Short: "Show the next run times of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runPreview,
	}
	previewCmd.Flags().IntVarP(&previewCount, "count", "n", 5, "number of runs")
	rootCmd.AddCommand(previewCmd)

	wakeupCmd := &cobra.Command{
		Use:   "wakeup",
		Short: "Global wakeup switch and manual pings",
	}
	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping accounts and models now",
		RunE:  runPing,
	}
	pingCmd.Flags().StringSliceVar(&pingAccounts, "account", nil, "account ids")
	pingCmd.Flags().StringSliceVar(&pingModels, "model", nil, "model ids")
	pingCmd.Flags().StringVar(&pingPrompt, "prompt", "", "prompt text")
	pingCmd.Flags().IntVar(&pingMaxTokens, "max-tokens", 0, "output token limit")
	wakeupCmd.AddCommand(
		&cobra.Command{Use: "on", Short: "Enable scheduled wakeups", RunE: runWakeupEnabled(true)},
		&cobra.Command{Use: "off", Short: "Disable scheduled wakeups", RunE: runWakeupEnabled(false)},
		pingCmd,
	)
	rootCmd.AddCommand(wakeupCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show ping history",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "max records")
	historyCmd.AddCommand(&cobra.Command{Use: "clear", Short: "Clear ping history", RunE: runHistoryClear})
	rootCmd.AddCommand(historyCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify [ACCOUNT...]",
		Short: "Run a verification batch",
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVar(&verifyModel, "model", "", "model to verify with")
	verifyCmd.Flags().StringVar(&pingPrompt, "prompt", "", "prompt text")
	verifyCmd.Flags().BoolVar(&verifyTUI, "tui", false, "follow the batch on a live dashboard")
	rootCmd.AddCommand(verifyCmd)

	batchesCmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect verification batches",
		RunE:  runBatches,
	}
	showCmd := &cobra.Command{Use: "show ID", Short: "Show one batch", Args: cobra.ExactArgs(1), RunE: runBatchShow}
	showCmd.Flags().StringVar(&batchFilter, "filter", string(verify.FilterAll), "all, success, verification_required or failed")
	batchesCmd.AddCommand(
		showCmd,
		&cobra.Command{Use: "delete ID...", Short: "Delete batches", Args: cobra.MinimumNArgs(1), RunE: runBatchDelete},
		&cobra.Command{Use: "state", Short: "Show the latest state per account", RunE: runBatchState},
	)
	rootCmd.AddCommand(batchesCmd)
}

// withApp wires the app, runs fn and flushes pending writes
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.flush(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(cmd, func(_ context.Context, a *app) error {
		if a.cfg.Registry.Watch {
			w, err := a.watchRegistry(ctx)
			if err != nil {
				a.logger.Warn("registry watch disabled", zap.Error(err))
			} else {
				defer w.Stop()
			}
		}

		go a.scheduler.Start(ctx)
		defer func() {
			a.scheduler.Stop()
			a.scheduler.Wait()
		}()

		port := servePort
		if port == 0 {
			port = a.cfg.Web.Port
		}
		addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)
		server := api.NewServer(api.Deps{
			Tasks:    a.service,
			Dispatch: a.engine,
			History:  a.history,
			Verify:   a.verifier,
			Quota:    a.scheduler,
			Progress: a.bus,
		}, addr, a.logger)

		fmt.Printf("Serving wakeup API at http://%s\n", addr)
		return server.Start(ctx)
	})
}

func runTasksList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		tasks, err := a.service.Tasks(ctx)
		if err != nil {
			return err
		}
		enabled, err := a.service.WakeupEnabled(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Wakeups globally %s\n\n", onOff(enabled))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTRIGGER\tENABLED\tLAST RUN")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Name, t.Schedule.TriggerKind(), onOff(t.Enabled), formatMillis(t.LastRunAt))
		}
		return w.Flush()
	})
}

func runTaskToggle(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.service.SetTaskEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("Task %s %s\n", args[0], onOff(enabled))
			return nil
		})
	}
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.service.DeleteTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Task %s deleted\n", args[0])
		return nil
	})
}

func runImportLegacy(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		task, err := a.service.ImportLegacy(ctx, data)
		if err != nil {
			return err
		}
		if task == nil {
			fmt.Println("Nothing to import")
			return nil
		}
		fmt.Printf("Imported task %s (%s)\n", task.ID, task.Name)
		return nil
	})
}

func runPreview(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		task, err := a.service.Task(ctx, args[0])
		if err != nil {
			return err
		}
		runs := schedule.Preview(task.Schedule.Trigger, time.Now(), previewCount)
		if len(runs) == 0 {
			fmt.Println("No upcoming runs")
			return nil
		}
		for _, r := range runs {
			fmt.Println(r.Format("Mon 2006-01-02 15:04"))
		}
		return nil
	})
}

func runWakeupEnabled(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.service.SetWakeupEnabled(ctx, enabled); err != nil {
				return err
			}
			fmt.Printf("Wakeups %s\n", onOff(enabled))
			return nil
		})
	}
}

func runPing(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		result, err := a.engine.Run(ctx, dispatch.Request{
			AccountIDs:      pingAccounts,
			Models:          pingModels,
			Prompt:          pingPrompt,
			MaxOutputTokens: pingMaxTokens,
			TriggerType:     domain.TriggerManual,
			TriggerSource:   domain.SourceManual,
		})
		if err != nil {
			return runtimeHint(err)
		}
		printRecords(result.Records)
		fmt.Printf("\n%d succeeded, %d failed\n", result.Succeeded, result.Failed)
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		records, err := a.history.LoadRecords(ctx)
		if err != nil {
			return err
		}
		if historyLimit > 0 && len(records) > historyLimit {
			records = records[:historyLimit]
		}
		printRecords(records)
		return nil
	})
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.history.ClearRecords(ctx); err != nil {
			return err
		}
		fmt.Println("History cleared")
		return nil
	})
}

func printRecords(records []domain.HistoryRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSOURCE\tACCOUNT\tMODEL\tOK\tMESSAGE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			formatMillis(r.Timestamp), r.TriggerSource, r.AccountEmail, r.ModelID, r.Success, firstLine(r.Message))
	}
	w.Flush()
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		ids := args
		if len(ids) == 0 {
			accounts, err := a.registry.Accounts(ctx)
			if err != nil {
				return err
			}
			for _, acc := range accounts {
				ids = append(ids, acc.ID)
			}
		}
		model := verifyModel
		if model == "" {
			models, err := a.registry.Models(ctx)
			if err != nil {
				return err
			}
			if len(models) > 0 {
				model = models[0].ID
			}
		}

		req := verify.Request{AccountIDs: ids, Model: model, Prompt: pingPrompt}
		events, cancel := a.bus.Subscribe("", 0)
		defer cancel()

		if verifyTUI {
			return runVerifyTUI(ctx, a, req, events)
		}

		go func() {
			for ev := range events {
				if ev.Item != nil {
					fmt.Printf("[%d/%d] %s %s\n", ev.Completed, ev.Total, ev.Item.Email, ev.Item.Status)
				}
			}
		}()

		batch, err := a.verifier.Run(ctx, req)
		if err != nil {
			return runtimeHint(err)
		}
		printBatchSummary(batch)
		return nil
	})
}

// runVerifyTUI shows the batch on the dashboard. Quitting early does not
// abandon the batch; it still finishes and is stored.
func runVerifyTUI(ctx context.Context, a *app, req verify.Request, events <-chan progress.Event) error {
	accounts, err := a.verifier.DisplayState(ctx)
	if err != nil {
		return err
	}
	model := tui.NewModel(tui.ModelConfig{
		Events:   events,
		Accounts: accounts,
		Running:  true,
	})
	batch, err := tui.RunBatch(tea.NewProgram(model, tea.WithAltScreen()), func() (*domain.VerificationBatch, error) {
		return a.verifier.Run(ctx, req)
	})
	if err != nil {
		return runtimeHint(err)
	}
	printBatchSummary(batch)
	return nil
}

// runtimeHint points at the host app setting when the runtime path is missing
func runtimeHint(err error) error {
	if wakeuperr.IsPathMissing(err) {
		return fmt.Errorf("%w; set the app path in the host application and retry", err)
	}
	return err
}

func printBatchSummary(batch *domain.VerificationBatch) {
	fmt.Printf("\nBatch %s: %d success, %d verification required, %d failed\n",
		batch.BatchID, batch.SuccessCount, batch.VerificationRequiredCount, batch.FailedCount)
}

func runBatches(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		batches, err := a.verifier.History(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVERIFIED\tMODEL\tTOTAL\tOK\tVERIFY\tFAILED")
		for _, b := range batches {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				b.BatchID, formatMillis(b.VerifiedAt), b.Model, b.Total,
				b.SuccessCount, b.VerificationRequiredCount, b.FailedCount)
		}
		return w.Flush()
	})
}

func runBatchShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		batches, err := a.verifier.History(ctx)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.BatchID == args[0] {
				printItems(verify.Filter(batchFilter).Apply(b.Records))
				return nil
			}
		}
		return fmt.Errorf("batch %s not found", args[0])
	})
}

func runBatchDelete(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		n, err := a.verifier.DeleteHistory(ctx, args)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d batches\n", n)
		return nil
	})
}

func runBatchState(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		items, err := a.verifier.DisplayState(ctx)
		if err != nil {
			return err
		}
		printItems(items)
		return nil
	})
}

func printItems(items []domain.VerificationItem) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSTATUS\tVERIFIED\tMODEL\tMESSAGE")
	for _, it := range items {
		msg := firstLine(it.LastMessage)
		if it.ValidationURL != "" {
			msg = it.ValidationURL
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			it.Email, it.Status, formatMillis(it.LastVerifyAt), it.LastModel, msg)
	}
	w.Flush()
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return domain.FromMillis(ms).Format("2006-01-02 15:04:05")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
