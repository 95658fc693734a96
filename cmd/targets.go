package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lance13c/browzer/internal/browser"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Find running Chrome instances with remote debugging enabled",
	Long: `Probe the configured debugger ports (chrome.scan_ports) and list the page
targets of every Chrome that answers. Pass a target id to 'browzer record --tab'.`,
	Args: cobra.NoArgs,
	RunE: runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.Flags().IntSlice("ports", nil, "ports to probe (default from config)")
}

func runTargets(cmd *cobra.Command, args []string) error {
	ports, _ := cmd.Flags().GetIntSlice("ports")
	if len(ports) == 0 {
		ports = appConfig.Chrome.ScanPorts
	}
	if len(ports) == 0 {
		ports = []int{appConfig.Chrome.Port}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	results, err := browser.NewScanner().Scan(ctx, ports)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("No Chrome debugger found on ports %v.\n", ports)
		fmt.Println("Start Chrome with --remote-debugging-port=9222 or set chrome.launch: true.")
		return nil
	}

	var rows [][]string
	for _, r := range results {
		for _, p := range r.Pages() {
			rows = append(rows, []string{fmt.Sprintf("%s:%d", r.Host, r.Port), p.ID, p.Title, p.URL})
		}
		if len(r.Pages()) == 0 {
			rows = append(rows, []string{fmt.Sprintf("%s:%d", r.Host, r.Port), "", "(no pages)", ""})
		}
	}
	fmt.Println(renderTable([]string{"DEBUGGER", "TARGET", "TITLE", "URL"}, rows))
	return nil
}
