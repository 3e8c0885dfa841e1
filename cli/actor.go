package cli

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/spf13/cobra"
)

var validName = regexp.MustCompile(`^[a-z0-9_]{1,30}$`)

func NewActorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage local actors",
	}
	cmd.AddCommand(newActorCreateCommand(rootOpts))
	cmd.AddCommand(newActorListCommand(rootOpts))
	return cmd
}

func newActorCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var kind, name, email string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a local person, community or multi-community with a fresh key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()
			return runActorCreate(database, rootOpts.conf.Conf.SslDomain, cmd.OutOrStdout(), kind, name, email)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "person", "person, community or multi_community")
	cmd.Flags().StringVar(&name, "name", "", "preferred username")
	cmd.Flags().StringVar(&email, "email", "", "notification address (persons only)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runActorCreate(database *db.DB, host string, out io.Writer, kind, name, email string) error {
	k, err := domain.ParseActorKind(kind)
	if err != nil {
		return err
	}
	if k == domain.SiteActor {
		return errors.New("the site actor is created by serve")
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid name %q: use 1-30 lowercase letters, digits or _", name)
	}
	if email != "" && k != domain.PersonActor {
		return errors.New("only persons have an email address")
	}
	if _, err := bootstrapSiteActor(database, host); err != nil {
		return err
	}
	a, err := createLocalActor(database, host, k, name, email)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("%s %s already exists", k, name)
		}
		return err
	}
	fmt.Fprintf(out, "Created %s %s (%s)\n", a.Kind, a.Handle(), a.ActorURI)
	return nil
}

func newActorListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local actors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDB(rootOpts)
			if err != nil {
				return err
			}
			defer database.Close()
			return runActorList(database, cmd.OutOrStdout())
		},
	}
}

func runActorList(database *db.DB, out io.Writer) error {
	actors, err := database.ReadLocalActors()
	if err != nil {
		return err
	}
	if len(actors) == 0 {
		fmt.Fprintln(out, titleStyle.Render("No local actors"))
		return nil
	}
	rows := make([][]string, 0, len(actors))
	for _, a := range actors {
		rows = append(rows, []string{a.Kind.String(), a.Handle(), a.ActorURI, a.Email})
	}
	fmt.Fprintln(out, renderTable([]string{"Kind", "Handle", "Id", "Email"}, rows, func(row int) bool {
		return actors[row].Deleted
	}))
	return nil
}
