// Package cmd 提供 interceptor 命令行工具的所有子命令实现。
// 本文件实现 traffic 命令，用于查询和清理流量记录。
package cmd

import (
	"fmt"
	"time"

	"github.com/oriys/interceptor/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Query recorded traffic",
}

var trafficListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recorded exchanges in a date range",
	Long: `List recorded exchanges, newest first.

Dates are YYYY-MM-DD or RFC3339; both default to today.

Examples:
  interceptor traffic list --start 2026-10-01 --end 2026-10-15 --method POST
  interceptor traffic list --url /api/users --page 2 --limit 20 -o json`,
	Args: cobra.NoArgs,
	RunE: runTrafficList,
}

var trafficPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete traffic records older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  runTrafficPurge,
}

var (
	trafficStart     string
	trafficEnd       string
	trafficMethod    string
	trafficURL       string
	trafficPage      int
	trafficLimit     int
	trafficOlderThan time.Duration
)

func init() {
	rootCmd.AddCommand(trafficCmd)
	trafficCmd.AddCommand(trafficListCmd)
	trafficCmd.AddCommand(trafficPurgeCmd)

	trafficListCmd.Flags().StringVar(&trafficStart, "start", "", "Start date (default today)")
	trafficListCmd.Flags().StringVar(&trafficEnd, "end", "", "End date (default today)")
	trafficListCmd.Flags().StringVarP(&trafficMethod, "method", "m", "", "Filter by method")
	trafficListCmd.Flags().StringVar(&trafficURL, "url", "", "Filter by URL substring")
	trafficListCmd.Flags().IntVar(&trafficPage, "page", 1, "Page number")
	trafficListCmd.Flags().IntVar(&trafficLimit, "limit", 10, "Page size (1-100)")

	trafficPurgeCmd.Flags().DurationVar(&trafficOlderThan, "older-than", 7*24*time.Hour, "Delete records older than this")
}

func runTrafficList(cmd *cobra.Command, args []string) error {
	today := time.Now().UTC().Format("2006-01-02")
	filter := gatewayclient.TrafficFilter{
		StartDate: trafficStart,
		EndDate:   trafficEnd,
		Method:    trafficMethod,
		TargetURL: trafficURL,
		Page:      trafficPage,
		Limit:     trafficLimit,
	}
	if filter.StartDate == "" {
		filter.StartDate = today
	}
	if filter.EndDate == "" {
		filter.EndDate = today
	}

	records, err := NewClient().ListTraffic(commandContext(cmd), filter)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintTraffic(records)
}

func runTrafficPurge(cmd *cobra.Command, args []string) error {
	if trafficOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	res, err := NewClient().PurgeTraffic(commandContext(cmd), time.Now().Add(-trafficOlderThan))
	if err != nil {
		return err
	}
	cmd.Printf("Deleted %d traffic records.\n", res.Deleted)
	return nil
}
