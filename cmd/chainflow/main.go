// Command chainflow runs prompt chains from the command line, on cron
// schedules, or as an MCP server over stdio.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/chainflow/internal/secrets"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/mcp"
	"github.com/rendis/chainflow/pkg/schema"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chainflow",
		Short:        "Prompt chain execution engine",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newMigrateCmd(),
		newChainCmd(),
		newScheduleCmd(),
		newSecretCmd(),
	)
	return root
}

// withApp loads config, wires the app and closes it when fn returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close(ctx)
	return fn(ctx, a)
}

func newRunCmd() *cobra.Command {
	var (
		vars   []string
		userID string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run <chain-file>",
		Short: "Execute a chain definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadChainFile(args[0])
			if err != nil {
				return err
			}
			input, err := parseVars(vars)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				ec, err := a.engine.ExecuteChain(ctx, def, input, userID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(ec); err != nil {
						return err
					}
				} else {
					printRun(out, ec)
				}
				if ec.Status == schema.RunStatusFailed {
					return fmt.Errorf("run %s failed: %s", ec.RunID, ec.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "run variable as key=value (repeatable, JSON values allowed)")
	cmd.Flags().StringVar(&userID, "user", "", "user id recorded on the run")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full execution context as JSON")
	return cmd
}

func printRun(w io.Writer, ec *schema.ExecutionContext) {
	fmt.Fprintf(w, "run %s  chain %s  %s\n", ec.RunID, ec.ChainID, ec.Status)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tTYPE\tSTATUS\tRETRIES\tTIME")
	for _, s := range ec.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%dms\n", s.StepID, s.StepType, s.Status, s.Retries, s.ExecutionTimeMs)
	}
	_ = tw.Flush()
	if ec.Error != "" {
		fmt.Fprintf(w, "error: %s\n", ec.Error)
		return
	}
	if last := ec.LastOutput(); last != nil {
		b, err := json.MarshalIndent(last, "", "  ")
		if err == nil {
			fmt.Fprintf(w, "output:\n%s\n", b)
		}
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio and run cron schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				if err := a.scheduler.Start(ctx); err != nil {
					return err
				}
				defer func() { _ = a.scheduler.Stop() }()

				srv := mcp.NewServer(mcp.ServerDeps{
					Executor:  a.engine,
					Store:     a.store,
					Validator: a.validator,
					Logger:    a.logger,
					Version:   version,
				})
				a.logger.Info("chainflow serving", "db", a.cfg.DBPath, "version", version)
				if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// newApp migrates on open.
			return withApp(cmd, func(_ context.Context, a *app) error {
				fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", a.cfg.DBPath)
				return nil
			})
		},
	}
}

func newChainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain", Short: "Manage stored chains"}

	var description string
	importCmd := &cobra.Command{
		Use:   "import <chain-file>",
		Short: "Validate a chain file and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadChainFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.validator.ValidateChain(def); err != nil {
					return err
				}
				name := def.Name
				if name == "" {
					name = def.ID
				}
				now := time.Now().UTC()
				c := &store.Chain{
					ID:          def.ID,
					WorkspaceID: def.WorkspaceID,
					Name:        name,
					Description: description,
					Definition:  *def,
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := a.store.PutChain(ctx, c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored chain %s (%d steps)\n", c.ID, len(def.Steps))
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&description, "description", "", "chain description")

	var workspace string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored chains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				chains, err := a.store.ListChains(ctx, store.ChainFilter{WorkspaceID: workspace})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tUPDATED")
				for _, c := range chains {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.Name, len(c.Definition.Steps), c.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	listCmd.Flags().StringVar(&workspace, "workspace", "", "only chains in this workspace")

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage cron schedules"}

	var (
		vars   []string
		userID string
	)
	addCmd := &cobra.Command{
		Use:   "add <chain-id> <cron>",
		Short: "Run a stored chain on a cron expression",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseVars(vars)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				sch := &store.Schedule{
					ChainID:        args[0],
					CronExpression: args[1],
					Variables:      input,
					UserID:         userID,
					Enabled:        true,
					CreatedAt:      time.Now().UTC(),
				}
				if err := a.scheduler.Add(ctx, sch); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schedule %s next runs at %s\n", sch.ID, sch.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	addCmd.Flags().StringArrayVar(&vars, "var", nil, "run variable as key=value (repeatable)")
	addCmd.Flags().StringVar(&userID, "user", "", "user id recorded on scheduled runs")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				schedules, err := a.store.ListSchedules(ctx, store.ScheduleFilter{})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCHAIN\tCRON\tENABLED\tNEXT\tLAST")
				for _, s := range schedules {
					next := "-"
					if s.NextRunAt != nil {
						next = s.NextRunAt.Format(time.RFC3339)
					}
					last := s.LastRunStatus
					if last == "" {
						last = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", s.ID, s.ChainID, s.CronExpression, s.Enabled, next, last)
				}
				return tw.Flush()
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <schedule-id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.DeleteSchedule(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd, removeCmd)
	return cmd
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Manage vault secrets"}

	var provider, workspace string
	setCmd := &cobra.Command{
		Use:   "set [key] <value>",
		Short: "Store a secret, or a provider API key with --provider",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, err := secretArgs(args, provider, workspace)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				v, err := a.requireVault()
				if err != nil {
					return err
				}
				if err := v.Store(ctx, key, []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", key)
				return nil
			})
		},
	}
	setCmd.Flags().StringVar(&provider, "provider", "", "LLM provider (openai, anthropic)")
	setCmd.Flags().StringVar(&workspace, "workspace", "", "workspace for --provider keys")

	deleteCmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				v, err := a.requireVault()
				if err != nil {
					return err
				}
				return v.Delete(ctx, args[0])
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List secret keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				v, err := a.requireVault()
				if err != nil {
					return err
				}
				keys, err := v.List(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(setCmd, deleteCmd, listCmd)
	return cmd
}

// secretArgs resolves the vault key and value for "secret set". With a
// provider the single argument is the API key, stored under the
// workspace-scoped provider key.
func secretArgs(args []string, provider, workspace string) (key, value string, err error) {
	if provider != "" {
		if len(args) != 1 {
			return "", "", fmt.Errorf("with --provider pass only the API key")
		}
		if workspace == "" {
			workspace = secrets.DefaultWorkspace
		}
		return secrets.ProviderKey(workspace, provider), args[0], nil
	}
	if len(args) != 2 {
		return "", "", fmt.Errorf("usage: secret set <key> <value>")
	}
	return args[0], args[1], nil
}
