package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"stateline/internal/config"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/recovery"
	"stateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stateline CLI",
	Long: `Stateline tracks long-running pipeline projects through a durable,
file-backed state machine. Projects move through a fixed set of stages
(collecting -> drafting/approving specs -> creating issues -> implementing
-> reviewing -> merged); every mutation bumps a version counter, section
contents are kept in per-project YAML buckets, and recovery operations
(skip, recover, override, restore) checkpoint and audit before they touch
anything.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(optionsCmd())
	rootCmd.AddCommand(skipCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(workspace, cfg, nil)
	defer e.Cleanup()
	return fn(ctx, e)
}

func requireProject() (string, error) {
	id := viper.GetString("project")
	if id == "" {
		return "", fmt.Errorf("project id required; use --project")
	}
	return id, nil
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var name, initial string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				meta, err := e.InitializeProject(ctx, id, name, domain.Stage(initial))
				if err != nil {
					return err
				}
				return printJSONOrTable(meta)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&initial, "initial-state", "", "initial stage (default collecting)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				meta, err := e.GetMeta(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(meta)
			})
		},
	}
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				meta, err := e.GetMeta(ctx, id)
				if err != nil {
					return err
				}
				checkpoints, err := e.GetCheckpoints(ctx, id)
				if err != nil {
					return err
				}
				audit, err := e.GetRecoveryAuditLog(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"meta":        meta,
						"checkpoints": len(checkpoints),
						"audit":       len(audit),
						"next":        e.GetValidTransitions(meta.CurrentState),
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Version", "Updated", "Checkpoints", "Audit entries"})
				tw.AppendRow(table.Row{meta.CurrentState, meta.Version, meta.UpdatedAt, len(checkpoints), len(audit)})
				tw.Render()
				for _, section := range domain.Sections {
					value, err := e.GetState(ctx, section, id, true)
					if err != nil {
						return err
					}
					present := "empty"
					if value != nil {
						present = "present"
					}
					fmt.Printf("  %-10s %s\n", section, present)
				}
				return nil
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and all associated data",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			if !confirm {
				return fmt.Errorf("refusing to delete %s without --yes", id)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteProject(ctx, id)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm deletion")
	return cmd
}

func stateCmd() *cobra.Command {
	st := &cobra.Command{Use: "state", Short: "Read and write section state"}
	st.AddCommand(stateGetCmd())
	st.AddCommand(stateSetCmd())
	st.AddCommand(stateUpdateCmd())
	return st
}

func parseSectionArg(arg string) (domain.Section, error) {
	section := domain.Section(arg)
	if !section.Valid() {
		return "", fmt.Errorf("unknown section %q (one of collect, specs, issues, progress)", arg)
	}
	return section, nil
}

func stateGetCmd() *cobra.Command {
	var allowMissing bool
	cmd := &cobra.Command{
		Use:   "get <section>",
		Short: "Read a section's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			section, err := parseSectionArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				value, err := e.GetState(ctx, section, id, allowMissing)
				if err != nil {
					return err
				}
				return printJSONOrTable(value)
			})
		},
	}
	cmd.Flags().BoolVar(&allowMissing, "allow-missing", false, "return null instead of failing when unset")
	return cmd
}

// readValueArg decodes an inline YAML/JSON value or, with file, the
// contents of a file.
func readValueArg(inline, file string) (any, error) {
	data := []byte(inline)
	if file != "" {
		var err error
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("value required; pass inline YAML or --file")
	}
	var value any
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	return value, nil
}

func stateSetCmd() *cobra.Command {
	var file, description string
	cmd := &cobra.Command{
		Use:   "set <section> [value]",
		Short: "Replace a section's state",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			section, err := parseSectionArg(args[0])
			if err != nil {
				return err
			}
			inline := ""
			if len(args) == 2 {
				inline = args[1]
			}
			value, err := readValueArg(inline, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.SetState(ctx, section, id, value, description)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read value from file")
	cmd.Flags().StringVar(&description, "description", "", "history description")
	return cmd
}

func stateUpdateCmd() *cobra.Command {
	var file, description string
	cmd := &cobra.Command{
		Use:   "update <section> [patch]",
		Short: "Shallow-merge into a section's state",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			section, err := parseSectionArg(args[0])
			if err != nil {
				return err
			}
			inline := ""
			if len(args) == 2 {
				inline = args[1]
			}
			value, err := readValueArg(inline, file)
			if err != nil {
				return err
			}
			patch, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("patch must be a mapping")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				merged, err := e.UpdateState(ctx, section, id, patch, description)
				if err != nil {
					return err
				}
				return printJSONOrTable(merged)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read patch from file")
	cmd.Flags().StringVar(&description, "description", "", "history description")
	return cmd
}

func transitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <to>",
		Short: "Move a project along a normal forward edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				meta, err := e.TransitionState(ctx, id, domain.Stage(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(meta)
			})
		},
	}
}

func optionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "List reachable stages for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				meta, err := e.GetMeta(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"current":  meta.CurrentState,
					"normal":   e.GetValidTransitions(meta.CurrentState),
					"skip_to":  e.GetSkipOptions(meta.CurrentState),
					"recovery": e.GetRecoveryOptions(meta.CurrentState),
				})
			})
		},
	}
}

func skipCmd() *cobra.Command {
	var reason, approvedBy string
	var force, noCheckpoint bool
	cmd := &cobra.Command{
		Use:   "skip <target>",
		Short: "Skip directly to a later stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.SkipTo(ctx, id, domain.Stage(args[0]), recovery.SkipOptions{
					Reason:            reason,
					ForceSkipRequired: force,
					ApprovedBy:        approvedBy,
					NoCheckpoint:      noCheckpoint,
					PerformedBy:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the skip is needed")
	cmd.Flags().BoolVar(&force, "force-skip-required", false, "allow bypassing required stages")
	cmd.Flags().StringVar(&approvedBy, "approved-by", "", "who approved skipping required stages")
	cmd.Flags().BoolVar(&noCheckpoint, "no-checkpoint", false, "skip the pre-transition checkpoint")
	return cmd
}

func recoverCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "recover <target>",
		Short: "Move backward along a recovery edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.RecoverTo(ctx, id, domain.Stage(args[0]), reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why recovery is needed")
	return cmd
}

func overrideCmd() *cobra.Command {
	var target, reason, authorizedBy, action string
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Force a transition outside the rule table",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.AdminOverride(ctx, id, recovery.OverrideOptions{
					Action:       action,
					TargetState:  domain.Stage(target),
					Reason:       reason,
					AuthorizedBy: authorizedBy,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "target stage")
	cmd.Flags().StringVar(&reason, "reason", "", "why the override is needed")
	cmd.Flags().StringVar(&authorizedBy, "authorized-by", "", "operator authorizing the override")
	cmd.Flags().StringVar(&action, "action", "set_state", "override action")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("reason")
	_ = cmd.MarkFlagRequired("authorized-by")
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Manage checkpoints"}
	cp.AddCommand(checkpointListCmd())
	cp.AddCommand(checkpointCreateCmd())
	cp.AddCommand(checkpointRestoreCmd())
	return cp
}

func checkpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				checkpoints, err := e.GetCheckpoints(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(checkpoints)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Stage", "Trigger", "Reason", "Created"})
				for _, cp := range checkpoints {
					tw.AppendRow(table.Row{cp.ID, cp.Stage, cp.Metadata.Trigger, cp.Metadata.Reason, cp.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func checkpointCreateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Take a manual checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cp, err := e.CreateCheckpoint(ctx, id, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(cp)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the checkpoint is taken")
	return cmd
}

func checkpointRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Restore a project from a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				result, err := e.RestoreCheckpoint(ctx, id, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(result.Meta)
			})
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Read the recovery audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.GetRecoveryAuditLog(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "From", "To", "By", "At"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Type, entry.FromState, entry.ToState, entry.PerformedBy, entry.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <section>",
		Short: "Read a section's history chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			section, err := parseSectionArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				chain, err := e.GetHistory(ctx, section, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(chain)
			})
		},
	}
}

func watchCmd() *cobra.Command {
	var sectionArg string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow state changes for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var section *domain.Section
				if sectionArg != "" {
					s, err := parseSectionArg(sectionArg)
					if err != nil {
						return err
					}
					section = &s
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				sub, err := e.WatchState(ctx, id, func(event domain.ChangeEvent) {
					b, _ := json.Marshal(event)
					fmt.Println(string(b))
				}, section)
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()
				fmt.Fprintln(os.Stderr, "watching for changes... (Ctrl+C to exit)")
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sectionArg, "section", "", "watch a single section")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func withKeyStore(ctx context.Context, fn func(context.Context, server.KeyStore) error) error {
	return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
		return fn(ctx, server.KeyStore{Files: e.Files})
	})
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(cmd.Context(), func(ctx context.Context, keys server.KeyStore) error {
				record, raw, err := keys.Create(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": record.ID, "key": raw})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(cmd.Context(), func(ctx context.Context, keys server.KeyStore) error {
				records, err := keys.List(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(records)
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyStore(cmd.Context(), func(ctx context.Context, keys server.KeyStore) error {
				return keys.Revoke(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Engine: e,
					Auth: server.AuthConfig{
						JWTSecret:              e.Config.Server.JWTSecret,
						AllowLegacyActorHeader: e.Config.Server.AllowLegacyActorHeader,
					},
				})
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					_ = srv.Shutdown(context.Background())
				}()
				fmt.Fprintf(os.Stderr, "listening on %s\n", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
