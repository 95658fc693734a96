package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/analyzer"
	"github.com/lance13c/browzer/internal/browser"
	"github.com/lance13c/browzer/internal/capture"
	"github.com/lance13c/browzer/internal/enrich"
	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/logging"
	"github.com/lance13c/browzer/internal/rules"
	"github.com/lance13c/browzer/internal/store"
	"github.com/lance13c/browzer/internal/types"
	"github.com/lance13c/browzer/internal/ui"
	"github.com/lance13c/browzer/internal/workflow"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record interactions in Chrome and save them as a workflow",
	Long: `Record clicks, typing, selections and navigations in a Chrome tab.

When you stop the recording it is saved, cleaned up (accidental clicks,
redundant and backtracked actions are dropped) and turned into a workflow with
input variables for the values you typed.

Pages the recorded tab opens (target=_blank links, window.open) are followed
unless --no-follow is given.

In a terminal press 's' to stop and name the workflow or 'q' to discard.
Without a terminal, recording runs until interrupted and is always saved.`,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().String("url", "", "navigate to this URL before recording")
	recordCmd.Flags().String("name", "", "workflow name")
	recordCmd.Flags().String("tab", "", "record this target id instead of the first tab")
	recordCmd.Flags().Bool("new-tab", false, "record in a new tab")
	recordCmd.Flags().Bool("no-build", false, "only save the raw recording")
	recordCmd.Flags().Bool("no-follow", false, "keep recording the original tab when it opens a new page")
}

func runRecord(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	log := logging.Named("record")

	url, _ := cmd.Flags().GetString("url")
	name, _ := cmd.Flags().GetString("name")
	noBuild, _ := cmd.Flags().GetBool("no-build")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr, err := connect()
	if err != nil {
		return err
	}
	defer mgr.Close()

	tabID, _ := cmd.Flags().GetString("tab")
	newTab, _ := cmd.Flags().GetBool("new-tab")
	tab, err := pickTab(ctx, mgr, tabID, newTab)
	if err != nil {
		return err
	}
	if url != "" {
		if err := tab.Navigate(ctx, url); err != nil {
			return fmt.Errorf("navigate to %s: %w", url, err)
		}
	}

	svc := startServices(ctx)
	defer svc.Close()

	opts, err := captureOptions(svc)
	if err != nil {
		return err
	}
	// background: the session must outlive the signal so Stop can flush it
	sess, err := capture.Start(context.Background(), tab, opts, logging.Named("capture"))
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if noFollow, _ := cmd.Flags().GetBool("no-follow"); !noFollow {
		followOpened(watchCtx, mgr, sess, log)
	}

	save := true
	if interactive() {
		feed := ui.NewFeed(svc.bus, events.SessionStarted, events.ActionCaptured, events.TargetSwitched, events.SessionStopped)
		model := ui.NewRecordModel(feed, url, name)
		_, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
		feed.Close()
		if err != nil && ctx.Err() == nil {
			log.Warn("record view exited", zap.Error(err))
		}
		res := model.Result()
		save = res.Save || ctx.Err() != nil
		if res.Name != "" {
			name = res.Name
		}
	} else {
		fmt.Fprintf(os.Stderr, "Recording tab %s. Press Ctrl+C to stop.\n", tab.ID())
		unsubscribe := svc.bus.Subscribe(func(ev events.Event) {
			switch d := ev.Data.(type) {
			case types.RecordedAction:
				fmt.Printf("%4d %-12s %s\n", d.Seq, d.Type, ui.ActionLabel(d))
			case map[string]string:
				fmt.Fprintf(os.Stderr, "Now recording tab %s.\n", d["to"])
			}
		}, events.ActionCaptured, events.TargetSwitched)
		<-ctx.Done()
		unsubscribe()
	}

	stopWatch()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := sess.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	rec := sess.Recording()
	if !save {
		fmt.Println("Recording discarded.")
		return nil
	}
	rec.Name = name

	return finishRecording(stopCtx, st, svc.bus, rec, name, !noBuild)
}

// followOpened switches sess to pages opened by the recorded tab until ctx ends
func followOpened(ctx context.Context, mgr *browser.Manager, sess *capture.Session, log *zap.Logger) {
	var mu sync.Mutex
	mgr.WatchPages(ctx, func(info *target.Info) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		id := info.TargetID
		switched, err := sess.FollowOpened(ctx, string(info.OpenerID), func(context.Context) (capture.Page, error) {
			tab, err := mgr.Tab(id)
			if err != nil {
				return nil, err
			}
			return tab, nil
		})
		if err != nil {
			log.Warn("could not follow opened page", zap.String("target", string(id)), zap.Error(err))
			return
		}
		if switched {
			log.Info("following opened page", zap.String("target", string(id)))
		}
	})
}

// pickTab attaches to the target id when given, otherwise opens a new tab or
// takes the first one
func pickTab(ctx context.Context, mgr *browser.Manager, id string, newTab bool) (*browser.Tab, error) {
	if id != "" {
		pages, err := mgr.Pages(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range pages {
			if string(p.TargetID) == id {
				return mgr.Tab(p.TargetID)
			}
		}
		return nil, fmt.Errorf("no page target %q; run 'browzer targets'", id)
	}
	if newTab {
		return mgr.NewTab(ctx)
	}
	return mgr.FirstTab(ctx)
}

func captureOptions(svc *services) (capture.Options, error) {
	opts := capture.OptionsFrom(appConfig.Recorder)
	filter, err := rules.Compile(appConfig.Significance)
	if err != nil {
		return opts, fmt.Errorf("significance rules: %w", err)
	}
	opts.Significance = filter
	opts.Metrics = svc.metrics
	opts.Bus = svc.bus
	if appConfig.Recorder.Snapshots {
		opts.Snapshotter = browser.NewFileSnapshotter(appConfig.Recorder.SnapshotDir, uuid.NewString(), logging.Named("snapshot"))
	}
	return opts, nil
}

// finishRecording enriches and stores rec, then optionally builds and stores
// its workflow
func finishRecording(ctx context.Context, st store.Store, bus *events.Bus, rec *types.Recording, name string, build bool) error {
	if annotator, opts := enrich.FromConfig(appConfig.Enrich); annotator != nil {
		enrich.Apply(ctx, annotator, rec, opts, logging.Named("enrich"))
	}
	if err := st.SaveRecording(ctx, rec); err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	fmt.Printf("Saved recording %s (%d actions)\n", rec.ID, len(rec.Actions))
	if !build {
		return nil
	}

	wf, report, err := newBuilder().Build(ctx, rec, name)
	if err != nil {
		return fmt.Errorf("build workflow: %w", err)
	}
	if err := st.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	bus.Emit(events.WorkflowSaved, "", map[string]interface{}{"workflow_id": wf.ID, "name": wf.Name, "steps": len(wf.Steps)})

	fmt.Printf("Saved workflow %q (%s): %d steps, %d variables, %d actions removed\n",
		wf.Name, wf.ID, report.Steps, report.Variables, report.Removed)
	for _, v := range wf.InputSchema {
		fmt.Printf("  {%s} %s\n", v.Name, v.Format)
	}
	return nil
}

func newBuilder() *workflow.Builder {
	return workflow.NewBuilder(workflow.Options{
		Analyzer:       analyzer.OptionsFrom(appConfig.Analyzer),
		MaxStrategies:  appConfig.Selectors.MaxStrategies,
		RemoveSnapshot: browser.RemoveSnapshot,
	}, logging.Named("workflow"))
}
