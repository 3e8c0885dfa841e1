package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
	"github.com/spf13/cobra"
)

func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string
	var refresh bool

	cmd := &cobra.Command{
		Use:   "resolve <identifier>",
		Short: "Resolve a URL or name@domain handle and store the result",
		Long: `Resolve a remote actor or post the way the inbox does, fetching as the site actor.

The identifier is a canonical URL, a local name or a name@domain handle.
Kind is one of actor, person, community, site, multi_community or post.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts.conf, util.NewLogger("cli"))
			if err != nil {
				return err
			}
			defer a.Close()
			return runResolve(cmd.Context(), a, cmd.OutOrStdout(), kind, args[0], refresh)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "actor", "object kind to resolve")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-fetch even when a stored copy exists")
	return cmd
}

func runResolve(ctx context.Context, a *app, out io.Writer, kind, identifier string, refresh bool) error {
	lk := activitypub.Lookup{AllowFetch: true, Refresh: refresh, MaxAge: a.conf.Conf.Actor.MaxAge}

	if kind == "post" {
		post, err := activitypub.Resolve(ctx, a.fed, activitypub.PostKind, identifier, a.site, lk)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "post %d\n  id:        %s\n  name:      %s\n  community: %d\n  locked:    %v\n",
			post.Id, post.ApId, post.Name, post.CommunityId, post.Locked)
		return nil
	}

	actorKind := activitypub.AnyActorKind
	if kind != "actor" {
		k, err := domain.ParseActorKind(kind)
		if err != nil {
			return err
		}
		actorKind = activitypub.ActorKindFor(k)
	}
	actor, err := activitypub.Resolve(ctx, a.fed, actorKind, identifier, a.site, lk)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n  id:     %s\n  inbox:  %s\n  shared: %s\n  local:  %v\n",
		actor.Kind, actor.Handle(), actor.ActorURI, actor.InboxURI, actor.SharedInboxURI, actor.Local)
	return nil
}
