package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/queue"
)

var statsServerURL string

// statsCmd fetches statistics from a running serve instance and renders them.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics from a running server",
	Long:  `Queries a running uploadqueue server and displays queue, device and GPU statistics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(statsServerURL + "/api/v1/queue/stats")
		if err != nil {
			return fmt.Errorf("failed to reach server at %s: %w", statsServerURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %s", resp.Status)
		}

		var payload struct {
			Data queue.Stats `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return fmt.Errorf("failed to decode stats response: %w", err)
		}
		stats := payload.Data

		worker := color.RedString("stopped")
		if stats.WorkerRunning {
			worker = color.GreenString("running")
		}
		fmt.Printf("Worker: %s   Processing: %d/%d   Avg processing time: %.2fs\n\n",
			worker, stats.CurrentProcessing, stats.MaxConcurrentProcessing, stats.AvgProcessingSeconds)

		// Status breakdown
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Status", "Jobs"})
		table.SetBorder(true)
		for _, status := range sortedKeys(stats.ByStatus) {
			count := strconv.Itoa(stats.ByStatus[status])
			switch status {
			case "completed":
				status = color.GreenString(status)
			case "failed":
				status = color.RedString(status)
			case "processing":
				status = color.YellowString(status)
			}
			table.Append([]string{status, count})
		}
		table.Render()

		// Per-device breakdown
		if len(stats.ByDevice) > 0 {
			fmt.Println()
			deviceTable := tablewriter.NewWriter(os.Stdout)
			deviceTable.SetHeader([]string{"Device", "Jobs"})
			deviceTable.SetBorder(true)
			for _, device := range sortedKeys(stats.ByDevice) {
				deviceTable.Append([]string{device, strconv.Itoa(stats.ByDevice[device])})
			}
			deviceTable.Render()
		}

		// GPU gate
		gate := stats.Gate
		fmt.Printf("\nGPU tasks: %d/%d (slots available: %d, min memory %.2fGB)\n",
			gate.CurrentGPUTasks, gate.MaxConcurrentTasks, gate.SlotsAvailable, gate.MinMemoryRequiredGB)
		if gate.SystemMemoryAvailableGB != nil && gate.SystemMemoryTotalGB != nil {
			fmt.Printf("System memory: %.2fGB available of %.2fGB\n",
				*gate.SystemMemoryAvailableGB, *gate.SystemMemoryTotalGB)
		}
		if gate.GPUAvailable && gate.GPUMemoryUsedMB != nil && gate.GPUMemoryTotalMB != nil {
			fmt.Printf("GPU memory: %dMB used of %dMB\n", *gate.GPUMemoryUsedMB, *gate.GPUMemoryTotalMB)
		}
		return nil
	},
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVar(&statsServerURL, "server", "http://localhost:8080", "Base URL of the running uploadqueue server")
}
