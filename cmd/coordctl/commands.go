package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sales-assistant/internal/bridge"
	"sales-assistant/internal/domain"
	"sales-assistant/internal/pending"
	"sales-assistant/internal/statedoc"
)

type actorView struct {
	ID      string               `json:"id"`
	Address string               `json:"address"`
	Name    string               `json:"name,omitempty"`
	Role    domain.Role          `json:"role"`
	State   domain.StateDocument `json:"state"`
}

func newStateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect actor state documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <actor>",
		Short: "Print an actor and its state document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withServices(cmd, func(svc *services) error {
				actor, err := resolveActor(cmd.Context(), svc.actors, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(actorView{
					ID:      actor.ID,
					Address: actor.Address,
					Name:    actor.Name,
					Role:    actor.Role,
					State:   actor.State,
				})
			})
		},
	})
	return cmd
}

func newPendingCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and clear pending deliveries",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <actor>",
			Short: "List live pending entries in resolution order",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withServices(cmd, func(svc *services) error {
					actor, err := resolveActor(cmd.Context(), svc.actors, args[0])
					if err != nil {
						return err
					}
					for _, e := range pending.Pending(actor, svc.now()) {
						expires := "-"
						if e.ExpiresAt != nil {
							expires = e.ExpiresAt.UTC().Format(time.RFC3339)
						}
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", e.Kind, e.CreatedAt.UTC().Format(time.RFC3339), expires)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear <actor> <kind>",
			Short: "Remove the pending entry of one kind",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				slot, ok := domain.SlotFor(domain.PendingKind(args[1]))
				if !ok {
					return fmt.Errorf("unknown pending kind %q", args[1])
				}
				return c.withServices(cmd, func(svc *services) error {
					actor, err := resolveActor(cmd.Context(), svc.actors, args[0])
					if err != nil {
						return err
					}
					if !actor.State.Has(slot.Key) {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s has no %s\n", actor.ID, slot.Kind)
						return nil
					}
					if err := svc.merger.MergeActorState(cmd.Context(), actor.ID, statedoc.Delete(slot.Key)); err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s on %s\n", slot.Kind, actor.ID)
					return nil
				})
			},
		},
	)
	return cmd
}

func newBridgeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Manage bridge sessions",
	}

	var ttl time.Duration
	await := &cobra.Command{
		Use:   "await <agent> <customer>",
		Short: "Forward the customer's next message to the agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			return c.withServices(cmd, func(svc *services) error {
				agent, err := resolveActor(cmd.Context(), svc.actors, args[0])
				if err != nil {
					return err
				}
				customer, err := resolveActor(cmd.Context(), svc.actors, args[1])
				if err != nil {
					return err
				}
				if err := svc.bridges.AwaitReply(cmd.Context(), agent.ID, customer.ID, ttl); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s now awaits a reply from %s\n", agent.ID, customer.ID)
				return nil
			})
		},
	}
	await.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "how long the reply is awaited")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "close <actor>",
			Short: "Close the actor's bridge session from either side",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withServices(cmd, func(svc *services) error {
					actor, err := resolveActor(cmd.Context(), svc.actors, args[0])
					if err != nil {
						return err
					}
					other, err := svc.bridges.Close(cmd.Context(), actor.ID)
					if errors.Is(err, bridge.ErrNoActiveSession) {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s has no bridge session\n", actor.ID)
						return nil
					}
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "closed bridge %s <-> %s (%s)\n", actor.ID, other.ID, other.Label)
					return nil
				})
			},
		},
		await,
	)
	return cmd
}

func newTaskCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage one-time task markers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run-once <id>",
			Short: "Mark a one-time task done without running it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withServices(cmd, func(svc *services) error {
					created, err := svc.tasks.Mark(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if !created {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s was already marked\n", args[0])
						return nil
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "marked %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status <id>",
			Short: "Show whether a one-time task has run",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withServices(cmd, func(svc *services) error {
					at, done, err := svc.tasks.Status(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if !done {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tpending\n", args[0])
						return nil
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tdone\t%s\n", args[0], at.UTC().Format(time.RFC3339))
					return nil
				})
			},
		},
	)
	return cmd
}

func newArtifactCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Send generated artifacts",
	}

	var kind, caption string
	send := &cobra.Command{
		Use:   "send <actor> <file>",
		Short: "Send a media file inside the actor's delivery window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.PendingKind(kind).Valid() {
				return fmt.Errorf("unknown pending kind %q", kind)
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			media := domain.Media{
				Data:     data,
				MIMEType: mediaType(args[1], data),
				Filename: filepath.Base(args[1]),
				Caption:  caption,
			}
			return c.withServices(cmd, func(svc *services) error {
				actor, err := resolveActor(cmd.Context(), svc.actors, args[0])
				if err != nil {
					return err
				}
				id, err := svc.artifacts.Send(cmd.Context(), actor.ID, domain.PendingKind(kind), media)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s: %s\n", media.Filename, actor.ID, id)
				return nil
			})
		},
	}
	send.Flags().StringVar(&kind, "kind", string(domain.PendingVideoSummary), "pending kind recorded in the delivery context")
	send.Flags().StringVar(&caption, "caption", "", "caption shown with the media")
	cmd.AddCommand(send)
	return cmd
}

func mediaType(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
