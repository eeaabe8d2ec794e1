package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ontolog/ontolog"
	"github.com/ontolog/ontolog/internal/storage"
	"github.com/ontolog/ontolog/internal/storage/s3store"
)

// NewInitCommand creates the control-plane structures for a fresh store.
func NewInitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a datastore",
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			sess, err := ontolog.InitStorage(uri, ontolog.WithConfig(cfg))
			if err != nil {
				return err
			}
			defer sess.Close()
			return emit(cmd, opts, map[string]any{"initialized": uri})
		},
	}
}

// NewCommitsCommand inspects the commit log.
func NewCommitsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "commits", Short: "Inspect the commit log"}

	var limit int
	var since int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent commits",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			commits, err := sess.ListCommits(limit, since)
			if err != nil {
				return err
			}
			return emit(cmd, opts, commits)
		},
	}
	list.Flags().IntVar(&limit, "limit", 10, "maximum commits to list")
	list.Flags().Int64Var(&since, "since", 0, "only commits after this id")

	show := &cobra.Command{
		Use:   "show <commit-id>",
		Short: "Show one commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCommitID(args[0])
			if err != nil {
				return err
			}
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			commit, err := sess.GetCommit(id)
			if err != nil {
				return err
			}
			if commit == nil {
				return fmt.Errorf("commit %d not found", id)
			}
			return emit(cmd, opts, commit)
		},
	}

	changes := &cobra.Command{
		Use:   "changes <commit-id>",
		Short: "List the change records of one commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCommitID(args[0])
			if err != nil {
				return err
			}
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			out, err := sess.ListCommitChanges(id)
			if err != nil {
				return err
			}
			return emit(cmd, opts, out)
		},
	}

	cmd.AddCommand(list, show, changes)
	return cmd
}

func parseCommitID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid commit id %q", s)
	}
	return id, nil
}

// NewEventsCommand inspects and maintains the event bus.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect the event bus"}

	var namespace string
	var limit int
	cmd.PersistentFlags().StringVar(&namespace, "namespace", "default", "event namespace")
	cmd.PersistentFlags().IntVar(&limit, "limit", 50, "maximum records")

	list := &cobra.Command{
		Use:   "list",
		Short: "List events with claim status",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			events, err := sess.EventBus().ListEvents(namespace, limit)
			if err != nil {
				return err
			}
			return emit(cmd, opts, events)
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect <event-id>",
		Short: "Show an event and its per-handler claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			env, claims, err := sess.EventBus().InspectEvent(args[0], namespace)
			if err != nil {
				return err
			}
			if env == nil {
				return fmt.Errorf("event %q not found", args[0])
			}
			return emit(cmd, opts, map[string]any{"event": env, "claims": claims})
		},
	}

	replay := &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Enqueue a fresh root copy of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			newID, err := sess.EventBus().ReplayEvent(namespace, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, opts, map[string]any{"replayed": args[0], "new_id": newID})
		},
	}

	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			out, err := sess.EventBus().ListDeadLetters(namespace, limit)
			if err != nil {
				return err
			}
			return emit(cmd, opts, out)
		},
	}

	var olderThan time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			n, err := sess.EventBus().CleanupEvents(namespace, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			return emit(cmd, opts, map[string]any{"deleted": n})
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "delete events older than this")

	namespaces := &cobra.Command{
		Use:   "namespaces",
		Short: "Summarize namespaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			_ = uri
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			out, err := sess.EventBus().ListNamespaces(cfg.SessionTTL)
			if err != nil {
				return err
			}
			return emit(cmd, opts, out)
		},
	}

	cmd.AddCommand(list, inspect, replay, deadLetters, cleanup, namespaces)
	return cmd
}

// s3Repo extracts the object-store repository for index and compaction
// tooling; these operations only exist on that backend.
func s3Repo(sess *ontolog.Session) (*s3store.Store, error) {
	store, ok := sess.Repo().(*s3store.Store)
	if !ok {
		return nil, fmt.Errorf("this operation requires an s3 storage backend")
	}
	return store, nil
}

// NewIndexCommand verifies and repairs the advisory indices.
func NewIndexCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "index", Short: "Verify or repair the advisory indices"}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Compare indices against the manifest chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			store, err := s3Repo(sess)
			if err != nil {
				return err
			}
			report, err := store.IndexVerify()
			if err != nil {
				return err
			}
			return emit(cmd, opts, report)
		},
	}

	var apply bool
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Rebuild lagging indices from the manifest chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			store, err := s3Repo(sess)
			if err != nil {
				return err
			}
			report, err := store.IndexRepair(apply)
			if err != nil {
				return err
			}
			return emit(cmd, opts, report)
		},
	}
	repair.Flags().BoolVar(&apply, "apply", false, "apply the repair (default: report only)")

	cmd.AddCommand(verify, repair)
	return cmd
}

// NewCompactCommand merges per-commit files into range snapshots.
func NewCompactCommand(opts *RootOptions) *cobra.Command {
	var typeName string
	var apply bool
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Merge per-commit columnar files into snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			store, err := s3Repo(sess)
			if err != nil {
				return err
			}
			report, err := store.Compact(typeName, apply)
			if err != nil {
				return err
			}
			return emit(cmd, opts, report)
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "restrict to one type name")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the compaction (default: report only)")
	return cmd
}

// NewSchemaCommand inspects stored schema versions.
func NewSchemaCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Inspect stored schemas"}

	versions := &cobra.Command{
		Use:   "versions <kind> <name>",
		Short: "List stored schema versions of a type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			out, err := sess.Repo().ListSchemaVersions(args[0], args[1])
			if err != nil {
				return err
			}
			return emit(cmd, opts, out)
		},
	}

	list := &cobra.Command{
		Use:   "list <kind>",
		Short: "List registered type schemas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			out, err := sess.Repo().ListSchemas(args[0])
			if err != nil {
				return err
			}
			return emit(cmd, opts, out)
		},
	}

	var purge bool
	drop := &cobra.Command{
		Use:   "drop <kind> <name>",
		Short: "Mark a type as dropped (history files are retained)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			dropper, ok := sess.Repo().(storage.Dropper)
			if !ok {
				return fmt.Errorf("this backend does not support schema drop bookkeeping")
			}
			head, err := dropper.ApplySchemaDrop(
				[][2]string{{args[0], args[1]}}, purge,
				map[string]any{"kind": "schema_drop"},
			)
			if err != nil {
				return err
			}
			return emit(cmd, opts, map[string]any{
				"dropped": args[0] + ":" + args[1], "purge": purge, "head_commit_id": head,
			})
		},
	}
	drop.Flags().BoolVar(&purge, "purge", false, "mark history for purge")

	cmd.AddCommand(versions, list, drop)
	return cmd
}
