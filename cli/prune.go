package cli

import (
	"fmt"

	"github.com/deemkeen/fedengine/util"
	"github.com/spf13/cobra"
)

func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop received activity ids past retention and old failed deliveries",
		Long: `Drop received activity ids older than dedup.retention and failed deliveries older than a week.

The redis backend expires its keys on its own, so only deliveries are pruned there.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts.conf, util.NewLogger("cli"))
			if err != nil {
				return err
			}
			defer a.Close()

			received, failed, err := a.prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d received activities and %d failed deliveries\n", received, failed)
			return nil
		},
	}
}
