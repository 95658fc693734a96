package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lance13c/browzer/internal/store"
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Manage raw recordings",
}

var listRecordingsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored recordings, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.ListRecordings(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No recordings yet.")
			return nil
		}
		rows := make([][]string, len(list))
		for i, r := range list {
			rows[i] = []string{r.ID, r.Name, fmt.Sprint(r.Actions), r.StartedAt.Local().Format("2006-01-02 15:04")}
		}
		fmt.Println(renderTable([]string{"ID", "NAME", "ACTIONS", "STARTED"}, rows))
		return nil
	},
}

var deleteRecordingCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteRecording(ctx, args[0]); errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no recording %q", args[0])
		} else if err != nil {
			return err
		}
		fmt.Printf("Deleted recording %s\n", args[0])
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build <recording>",
	Short: "Build a workflow from a stored recording",
	Long: `Re-run enrichment, cleanup and synthesis over a stored recording and
save the result as a new workflow. Use this after tuning the analyzer windows
or significance rules.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, _ := cmd.Flags().GetString("name")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.LoadRecording(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no recording %q; see 'browzer recordings list'", args[0])
		}
		if err != nil {
			return err
		}
		if name == "" {
			name = rec.Name
		}

		svc := startServices(ctx)
		defer svc.Close()
		return finishRecording(ctx, st, svc.bus, rec, name, true)
	},
}

func init() {
	rootCmd.AddCommand(recordingsCmd)
	recordingsCmd.AddCommand(listRecordingsCmd)
	recordingsCmd.AddCommand(deleteRecordingCmd)

	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().String("name", "", "workflow name")
}
