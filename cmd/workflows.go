package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lance13c/browzer/internal/logging"
	"github.com/lance13c/browzer/internal/replay"
	"github.com/lance13c/browzer/internal/store"
	"github.com/lance13c/browzer/internal/types"
)

var workflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"wf"},
	Short:   "Manage stored workflows",
}

var listWorkflowsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored workflows, newest first",
	Args:  cobra.NoArgs,
	RunE:  runListWorkflows,
}

var showWorkflowCmd = &cobra.Command{
	Use:   "show <workflow>",
	Short: "Print a workflow as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowWorkflow,
}

var deleteWorkflowCmd = &cobra.Command{
	Use:   "delete <workflow>",
	Short: "Delete a workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteWorkflow,
}

var editWorkflowCmd = &cobra.Command{
	Use:   "edit <workflow>",
	Short: "Edit a workflow in $EDITOR and store it as a new version",
	Long: `Open the workflow YAML in $EDITOR. On save the steps, inputs and
metadata replace the stored ones, the version is bumped and the change is
printed as a diff. The id and creation time cannot be changed.`,
	Args: cobra.ExactArgs(1),
	RunE: runEditWorkflow,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
	workflowsCmd.AddCommand(listWorkflowsCmd)
	workflowsCmd.AddCommand(showWorkflowCmd)
	workflowsCmd.AddCommand(deleteWorkflowCmd)
	workflowsCmd.AddCommand(editWorkflowCmd)

	editWorkflowCmd.Flags().String("file", "", "apply this YAML file instead of opening an editor")
}

var tableHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var tableCell = lipgloss.NewStyle().Padding(0, 1)

func renderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeader
			}
			return tableCell
		})
	return t.Render()
}

func runListWorkflows(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No workflows yet. Record one with 'browzer record'.")
		return nil
	}
	rows := make([][]string, len(list))
	for i, w := range list {
		rows[i] = []string{w.ID, w.Name, fmt.Sprint(w.Version), fmt.Sprint(w.Steps), w.UpdatedAt.Local().Format("2006-01-02 15:04")}
	}
	fmt.Println(renderTable([]string{"ID", "NAME", "VERSION", "STEPS", "UPDATED"}, rows))
	return nil
}

func loadWorkflow(ctx context.Context, st store.Store, ref string) (*types.WorkflowDefinition, error) {
	wf, err := store.FindWorkflow(ctx, st, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no workflow %q", ref)
	}
	return wf, err
}

func runShowWorkflow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	wf, err := loadWorkflow(ctx, st, args[0])
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(wf)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	if names := replay.Placeholders(wf); len(names) > 0 {
		fmt.Fprintf(os.Stderr, "# variables: %s\n", strings.Join(names, ", "))
	}
	return nil
}

func runDeleteWorkflow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	wf, err := loadWorkflow(ctx, st, args[0])
	if err != nil {
		return err
	}
	if err := st.DeleteWorkflow(ctx, wf.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted workflow %q (%s)\n", wf.Name, wf.ID)
	return nil
}

func runEditWorkflow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	wf, err := loadWorkflow(ctx, st, args[0])
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path, err = editInEditor(wf)
		if err != nil {
			return err
		}
		defer os.Remove(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if orig, err := yaml.Marshal(wf); err == nil && bytes.Equal(orig, data) {
		fmt.Println("No changes.")
		return nil
	}
	var next types.WorkflowDefinition
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	next.ID = wf.ID

	updated, change, err := store.Update(ctx, st, &next, logging.Named("store"))
	if err != nil {
		return err
	}
	fmt.Print(change.Patch)
	fmt.Printf("Workflow %q is now version %d\n", updated.Name, updated.Version)
	return nil
}

// editInEditor writes wf to a temp file, runs $EDITOR on it and returns the path
func editInEditor(wf *types.WorkflowDefinition) (string, error) {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	data, err := yaml.Marshal(wf)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "browzer-"+filepath.Base(wf.ID)+"-*.yaml")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	f.Close()

	parts := strings.Fields(editor)
	c := exec.Command(parts[0], append(parts[1:], f.Name())...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("editor %s: %w", editor, err)
	}
	return f.Name(), nil
}
