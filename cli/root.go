package cli

import (
	"fmt"

	"github.com/deemkeen/fedengine/util"
	"github.com/spf13/cobra"
)

// RootOptions holds what every subcommand shares.
type RootOptions struct {
	Verbose bool

	// loadConf reads the configuration. Tests swap it out.
	loadConf func() (*util.AppConfig, error)
	conf     *util.AppConfig
}

// NewRootCommand creates the fedengine command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(util.ReadConf)
}

func newRootCommand(loadConf func() (*util.AppConfig, error)) *cobra.Command {
	opts := &RootOptions{loadConf: loadConf}

	cmd := &cobra.Command{
		Use:           "fedengine",
		Short:         "ActivityPub federation engine",
		Long:          "Receives, verifies and applies federated activities and delivers outbound ones.",
		Version:       util.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			conf, err := opts.loadConf()
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			opts.conf = conf
			if opts.Verbose {
				cmd.PrintErrln(util.PrettyPrint(redacted(conf)))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "print the effective configuration")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewActorCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))

	return cmd
}

// redacted is a copy of conf safe to print.
func redacted(conf *util.AppConfig) util.AppConfig {
	c := *conf
	if c.Conf.Email.ResendApiKey != "" {
		c.Conf.Email.ResendApiKey = "***"
	}
	return c
}
