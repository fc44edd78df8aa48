package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/profile"
	"github.com/jaqcquesndav/Wanzo-Backend-sub003/internal/server"
)

// Opener builds the components a command runs against.
type Opener func(ctx context.Context) (*server.Components, error)

// statusView is the operator summary of one record.
type statusView struct {
	CustomerID        string                   `json:"customerId"`
	CustomerType      profile.CustomerType     `json:"customerType"`
	SyncStatus        profile.SyncStatus       `json:"syncStatus"`
	AdminStatus       profile.AdminStatus      `json:"adminStatus"`
	ComplianceRating  profile.ComplianceRating `json:"complianceRating,omitempty"`
	ConformityScore   int                      `json:"conformityScore"`
	RequiresAttention bool                     `json:"requiresAttention"`
	ActiveSyncID      string                   `json:"activeSyncId,omitempty"`
	AttemptNumber     int                      `json:"attemptNumber,omitempty"`
	ScheduledAction   profile.ScheduledAction  `json:"scheduledAction,omitempty"`
	NextScheduledSync any                      `json:"nextScheduledSync,omitempty"`
	UnresolvedDrift   int                      `json:"unresolvedConflicts"`
	Errors            int                      `json:"errorLogEntries"`
	Version           int64                    `json:"version"`
}

// NewRootCmd creates the syncctl command tree.
func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate the admin profile sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("actor", os.Getenv("USER"), "Administrator id recorded in history entries")

	root.AddCommand(
		validateCmd(open),
		statusCmd(open),
		sweepCmd(open),
		recoverCmd(open),
		triggerCmd(open),
		restartCmd(open),
	)
	return root
}

// withComponents opens the components, runs fn and closes them.
func withComponents(cmd *cobra.Command, open Opener, fn func(ctx context.Context, c *server.Components) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func actorFlag(cmd *cobra.Command) (profile.Actor, error) {
	id, err := cmd.Flags().GetString("actor")
	if err != nil {
		return profile.Actor{}, err
	}
	actor := profile.Admin(id)
	if err := actor.Validate(); err != nil {
		return profile.Actor{}, fmt.Errorf("--actor is required: %w", err)
	}
	return actor, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func validateCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <customer-id>",
		Short: "Score the stored profile of a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, open, func(ctx context.Context, c *server.Components) error {
				res, err := c.Validator.Validate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func statusCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "status <customer-id>",
		Short: "Show the sync and admin state of a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, open, func(ctx context.Context, c *server.Components) error {
				rec, err := c.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				v := statusView{
					CustomerID:        rec.CustomerID,
					CustomerType:      rec.CustomerType,
					SyncStatus:        rec.SyncStatus,
					AdminStatus:       rec.AdminStatus,
					ComplianceRating:  rec.ComplianceRating,
					ConformityScore:   rec.ConformityScore,
					RequiresAttention: rec.RequiresAttention,
					ActiveSyncID:      rec.Sync.ActiveSyncID,
					AttemptNumber:     rec.Sync.AttemptNumber,
					ScheduledAction:   rec.Sync.ScheduledAction,
					UnresolvedDrift:   rec.UnresolvedConflicts(),
					Errors:            len(rec.ErrorLog),
					Version:           rec.Version,
				}
				if rec.Sync.NextScheduledSync != nil {
					v.NextScheduledSync = rec.Sync.NextScheduledSync
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func sweepCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Dispatch every due verification, retry and delayed sync once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd, open, func(ctx context.Context, c *server.Components) error {
				n, err := c.Timer.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d scheduled actions\n", n)
				return nil
			})
		},
	}
}

func recoverCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-schedule verification for pending syncs that lost their schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			return withComponents(cmd, open, func(ctx context.Context, c *server.Components) error {
				n, err := c.Scheduler.Recover(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d pending syncs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 500, "Maximum number of pending records to inspect")
	return cmd
}

func triggerCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <customer-id>",
		Short: "Request a full profile sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag(cmd)
			if err != nil {
				return err
			}
			priority, err := cmd.Flags().GetString("priority")
			if err != nil {
				return err
			}
			p := profile.Priority(priority)
			if !p.Valid() {
				return fmt.Errorf("unknown priority %q", priority)
			}
			reason, err := cmd.Flags().GetString("reason")
			if err != nil {
				return err
			}
			return withComponents(cmd, open, func(ctx context.Context, c *server.Components) error {
				res, err := c.Admin.TriggerSync(ctx, args[0], p, reason, actor)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().String("priority", string(profile.PriorityMedium), "Sync priority: low, medium, high or urgent")
	cmd.Flags().String("reason", "admin:cli", "Reason recorded in the sync history")
	return cmd
}

func restartCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <customer-id>",
		Short: "Start a new sync cycle for a customer whose sync failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag(cmd)
			if err != nil {
				return err
			}
			return withComponents(cmd, open, func(ctx context.Context, c *server.Components) error {
				res, err := c.Admin.RestartSync(ctx, args[0], actor)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				return res.Err()
			})
		},
	}
}
