package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/spf13/cobra"
)

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the outbound delivery queue per inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()
			if failed {
				return runQueueFailed(database, cmd.OutOrStdout())
			}
			return runQueue(database, cmd.OutOrStdout(), time.Now())
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "list failed deliveries with their last error")
	return cmd
}

func runQueue(database *db.DB, out io.Writer, now time.Time) error {
	stats, err := database.ReadDeliveryStats()
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(out, titleStyle.Render("Delivery queue is empty"))
		return nil
	}
	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		next := "-"
		if s.NextAt != nil {
			next = formatUntil(s.NextAt.Sub(now))
		}
		rows = append(rows, []string{s.InboxURI, strconv.Itoa(s.Pending), strconv.Itoa(s.Failed), next})
	}
	fmt.Fprintln(out, renderTable([]string{"Inbox", "Pending", "Failed", "Next attempt"}, rows, func(row int) bool {
		return stats[row].Failed > 0
	}))
	return nil
}

func runQueueFailed(database *db.DB, out io.Writer) error {
	items, err := database.ReadDeliveriesByStatus(domain.DeliveryFailed)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(out, titleStyle.Render("No failed deliveries"))
		return nil
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{it.InboxURI, it.ActivityId, strconv.Itoa(it.Attempts), it.LastError})
	}
	fmt.Fprintln(out, renderTable([]string{"Inbox", "Activity", "Attempts", "Last error"}, rows, nil))
	return nil
}

func formatUntil(d time.Duration) string {
	if d <= 0 {
		return "due"
	}
	return "in " + d.Round(time.Second).String()
}
