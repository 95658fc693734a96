package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/logging"
	"github.com/lance13c/browzer/internal/replay"
	"github.com/lance13c/browzer/internal/store"
	"github.com/lance13c/browzer/internal/ui"
)

var replayCmd = &cobra.Command{
	Use:   "replay <workflow>",
	Short: "Replay a stored workflow",
	Long: `Replay a workflow by id or name in Chrome.

Variables are passed with --var name=value. Variables with a default may be
omitted; a missing required variable stops the run before any step executes.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringToString("var", nil, "workflow variables (name=value)")
	replayCmd.Flags().String("tab", "", "replay in this target id instead of a new tab")
	replayCmd.Flags().Bool("json", false, "print the run result as JSON")
	replayCmd.Flags().Int("retries", -1, "step retries (default from config)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	log := logging.Named("replay")

	vars, _ := cmd.Flags().GetStringToString("var")
	asJSON, _ := cmd.Flags().GetBool("json")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	wf, err := store.FindWorkflow(ctx, st, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no workflow %q; see 'browzer workflows list'", args[0])
	}
	if err != nil {
		return err
	}
	if _, err := replay.Bind(wf, vars); err != nil {
		return err
	}

	mgr, err := connect()
	if err != nil {
		return err
	}
	defer mgr.Close()

	tabID, _ := cmd.Flags().GetString("tab")
	tab, err := pickTab(ctx, mgr, tabID, tabID == "")
	if err != nil {
		return err
	}

	svc := startServices(ctx)
	defer svc.Close()

	opts := replay.OptionsFrom(appConfig)
	if retries, _ := cmd.Flags().GetInt("retries"); retries >= 0 {
		opts.StepRetries = retries
	}
	opts.Metrics = svc.metrics
	opts.Bus = svc.bus
	runner := replay.New(tab, opts, logging.Named("replay"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		res    *replay.RunResult
		runErr error
	)
	if interactive() && !asJSON {
		feed := ui.NewFeed(svc.bus, events.WorkflowStart, events.StepStart, events.StepComplete, events.WorkflowComplete)
		model := ui.NewReplayModel(feed, wf.Name, cancel)
		done := make(chan struct{})
		go func() {
			defer close(done)
			res, runErr = runner.Run(runCtx, wf, vars)
		}()
		if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil && ctx.Err() == nil {
			log.Warn("replay view exited", zap.Error(err))
		}
		feed.Close()
		<-done
	} else {
		res, runErr = runner.Run(runCtx, wf, vars)
	}

	if asJSON && res != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res != nil {
		printRunResult(res)
	}
	return runErr
}

func printRunResult(res *replay.RunResult) {
	for _, s := range res.Steps {
		mark := "ok"
		switch {
		case s.Skipped:
			mark = "skipped"
		case !s.Success:
			mark = "FAILED"
		}
		line := fmt.Sprintf("%3d %-14s %-8s", s.Index+1, s.Type, mark)
		if s.Strategy != "" {
			line += " via " + s.Strategy
		}
		if s.Error != "" && !s.Success {
			line += "  " + s.Error
		}
		fmt.Println(line)
	}
	if len(res.Extracted) > 0 {
		keys := make([]string, 0, len(res.Extracted))
		for k := range res.Extracted {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("Extracted:")
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, res.Extracted[k])
		}
	}
	if res.Success {
		fmt.Printf("Workflow completed in %s\n", res.Duration)
	} else {
		fmt.Printf("Workflow failed: %s\n", res.Error)
	}
}
