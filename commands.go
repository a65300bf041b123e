package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage local accounts",
	}

	var (
		community   bool
		displayName string
	)
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a local person or community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			actorType := domain.ActorPerson
			if community {
				actorType = domain.ActorGroup
			}
			keys, err := util.GeneratePemKeypair()
			if err != nil {
				return err
			}
			acc, err := a.db.CreateAccount(cmd.Context(), args[0], actorType, displayName, keys)
			if err != nil {
				return err
			}
			fmt.Println(a.iri.Actor(acc))
			return nil
		},
	}
	createCmd.Flags().BoolVar(&community, "community", false, "create a community (Group) instead of a person")
	createCmd.Flags().StringVar(&displayName, "display-name", "", "display name")

	cmd.AddCommand(createCmd)
	return cmd
}

func followCmd() *cobra.Command {
	var deliverNow bool
	cmd := &cobra.Command{
		Use:   "follow <actor> <handle-or-url>",
		Short: "Follow a remote person or community",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			_, actorURI, err := a.localActor(ctx, args[0])
			if err != nil {
				return err
			}

			var target *domain.Actor
			if strings.HasPrefix(args[1], "https://") || strings.HasPrefix(args[1], "http://") {
				target, err = a.resolver.ResolveActor(ctx, args[1])
			} else {
				target, err = a.resolver.Discover(ctx, args[1])
			}
			if err != nil {
				return fmt.Errorf("cannot find %s: %w", args[1], err)
			}

			doc, err := a.registry.Build(domain.KindFollow, actorURI, target.URI, activitypub.BuildOptions{
				To: []string{target.URI},
			})
			if err != nil {
				return err
			}
			// pending until the target accepts
			if err := a.db.CreateFollow(ctx, &domain.Follow{ActorURI: actorURI, TargetURI: target.URI, URI: doc.Id}); err != nil {
				return err
			}
			if err := a.sender.Broadcast(ctx, doc, []domain.Recipient{target.Recipient()}); err != nil {
				return err
			}
			a.logOutbound(ctx, doc)

			fmt.Printf("Follow of %s queued as %s\n", target.URI, doc.Id)
			return a.maybeDeliver(ctx, deliverNow)
		},
	}
	cmd.Flags().BoolVar(&deliverNow, "now", false, "deliver queued activities before exiting")
	return cmd
}

func likeCmd() *cobra.Command {
	var (
		deliverNow bool
		dislike    bool
	)
	cmd := &cobra.Command{
		Use:   "like <actor> <object-url>",
		Short: "Like a post or comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			_, actorURI, err := a.localActor(ctx, args[0])
			if err != nil {
				return err
			}

			entity, err := a.resolver.Resolve(ctx, args[1], domain.EntityPost, domain.EntityComment)
			if err != nil {
				return fmt.Errorf("cannot resolve %s: %w", args[1], err)
			}
			obj := entity.Object

			kind, score := domain.KindLike, 1
			if dislike {
				kind, score = domain.KindDislike, -1
			}
			doc, err := a.registry.Build(kind, actorURI, obj.URI, activitypub.BuildOptions{
				To:       []string{activitypub.PublicAddress},
				Cc:       []string{obj.AttributedTo},
				Audience: obj.Audience,
			})
			if err != nil {
				return err
			}
			if err := a.db.CreateVote(ctx, &domain.Vote{ActorURI: actorURI, ObjectURI: obj.URI, URI: doc.Id, Score: score}); err != nil {
				return err
			}

			recipients, err := a.db.FollowerRecipients(ctx, actorURI)
			if err != nil {
				return err
			}
			recipients = append(recipients, a.interested(ctx, obj)...)
			if err := a.sender.Broadcast(ctx, doc, recipients); err != nil {
				return err
			}
			a.logOutbound(ctx, doc)

			fmt.Printf("%s of %s queued as %s\n", kind, obj.URI, doc.Id)
			return a.maybeDeliver(ctx, deliverNow)
		},
	}
	cmd.Flags().BoolVar(&dislike, "dislike", false, "send a Dislike instead")
	cmd.Flags().BoolVar(&deliverNow, "now", false, "deliver queued activities before exiting")
	return cmd
}

// interested returns the author and the community of obj, whichever resolve.
func (a *app) interested(ctx context.Context, obj *domain.RemoteObject) []domain.Recipient {
	var out []domain.Recipient
	for _, uri := range []string{obj.AttributedTo, obj.Audience} {
		if uri == "" {
			continue
		}
		actor, err := a.resolver.ResolveActor(ctx, uri)
		if err != nil {
			a.log.Warn("Outbox: cannot resolve recipient", zap.String("recipient", uri), zap.Error(err))
			continue
		}
		out = append(out, actor.Recipient())
	}
	return out
}

// maybeDeliver drains the queue once so a one-shot command need not wait for
// the next serve run.
func (a *app) maybeDeliver(ctx context.Context, now bool) error {
	if !now {
		return nil
	}
	n, err := a.deliverer().RunOnce(ctx)
	if err != nil {
		return err
	}
	pending, err := a.db.PendingDeliveries(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Attempted %d deliveries, %d still queued\n", n, pending)
	return nil
}
