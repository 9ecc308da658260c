package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/tripmind/pkg/bus"
	"github.com/dotsetgreg/tripmind/pkg/config"
	"github.com/dotsetgreg/tripmind/pkg/memory"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "tripmind",
		Short: "Long-term traveller memory: preferences, trip history and proactive suggestions",
		Long: strings.TrimSpace(`tripmind keeps a traveller's long-term memory for a travel-planning agent.

Use CLI commands to store and recall memories, review contradictions held for
clarification, collect suggestion feedback, and drive session compaction.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to the config file")
	pf.StringVar(&opts.tenant, "tenant", envOr("TRIPMIND_TENANT", "default"), "Tenant the traveller belongs to")
	pf.StringVarP(&opts.user, "user", "u", os.Getenv("TRIPMIND_USER"), "Traveller (user) id")
	pf.BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand(opts))
	root.AddCommand(newRememberCommand(opts))
	root.AddCommand(newExtractCommand(opts))
	root.AddCommand(newRecallCommand(opts))
	root.AddCommand(newSearchCommand(opts))
	root.AddCommand(newSuggestCommand(opts))
	root.AddCommand(newFeedbackCommand(opts))
	root.AddCommand(newConflictsCommand(opts))
	root.AddCommand(newResolveCommand(opts))
	root.AddCommand(newForgetCommand(opts))
	root.AddCommand(newSweepCommand(opts))
	root.AddCommand(newCompactionCommand(opts))
	root.AddCommand(newShellCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// withService opens the memory service for one command and closes it after.
func withService(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, svc *memory.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, _, err := openService(ctx, opts, false, nil)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func addContextFlags(cmd *cobra.Command, rc *memory.RecallContext) {
	cmd.Flags().StringVar(&rc.Destination, "destination", "", "Trip destination")
	cmd.Flags().StringVar(&rc.TripType, "trip-type", "", "Trip type (family, business, solo, ...)")
	cmd.Flags().StringVar(&rc.Season, "season", "", "Travel season")
}

func parseFacets(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid facet %q: expected key=value", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func newOnboardCommand(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file and create the workspace",
		Example: "  tripmind onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if _, err := os.Stat(expandPath(path)); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			cfg := config.DefaultConfig()
			if err := config.SaveConfig(path, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\nWorkspace at %s\n", path, cfg.WorkspacePath())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

func newRememberCommand(opts *globalOptions) *cobra.Command {
	var (
		memType       string
		facets        []string
		justification string
		rc            memory.RecallContext
	)

	cmd := &cobra.Command{
		Use:   "remember <text>",
		Short: "Store a memory after checking it against existing ones",
		Long: strings.TrimSpace(`Store a single memory. A statement that contradicts an existing memory in
the same category is held as a conflict instead of being stored.`),
		Example: strings.Join([]string{
			"  tripmind remember -u alice \"I am vegetarian\" --facet category=dietary",
			"  tripmind remember -u alice \"We loved the ryokan\" --type episodic --destination Kyoto",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identity()
			if err != nil {
				return err
			}
			typ, err := memory.ParseMemoryType(memType)
			if err != nil {
				return err
			}
			f, err := parseFacets(facets)
			if err != nil {
				return err
			}
			cand := memory.Candidate{
				Identity:      ident,
				Text:          strings.Join(args, " "),
				Type:          typ,
				Facets:        f,
				Justification: justification,
			}
			if !rc.Empty() {
				tags := rc
				cand.Context = &tags
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				out, err := svc.ExtractAndStore(ctx, cand)
				if err != nil {
					return err
				}
				if out.Conflict != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), memory.FormatConflictPrompt([]memory.Conflict{*out.Conflict}))
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}

	cmd.Flags().StringVarP(&memType, "type", "t", string(memory.Declarative), "Memory type: declarative, procedural or episodic")
	cmd.Flags().StringArrayVar(&facets, "facet", nil, "Facet key=value (repeatable)")
	cmd.Flags().StringVar(&justification, "why", "", "Provenance shown when the memory is suggested")
	addContextFlags(cmd, &rc)
	return cmd
}

func newExtractCommand(opts *globalOptions) *cobra.Command {
	var rc memory.RecallContext
	cmd := &cobra.Command{
		Use:     "extract <message>",
		Short:   "Extract and store memories from a traveller message",
		Example: "  tripmind extract -u alice \"I'm vegetarian and I always prefer aisle seats.\" --destination Lisbon",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identity()
			if err != nil {
				return err
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				outs, err := svc.ExtractFromMessage(ctx, ident, strings.Join(args, " "), rc)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), outs)
			})
		},
	}
	addContextFlags(cmd, &rc)
	return cmd
}

func newRecallCommand(opts *globalOptions) *cobra.Command {
	var (
		rc     memory.RecallContext
		limit  int
		prompt bool
		budget int
	)
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall the memories that apply to the current trip context",
		Example: strings.Join([]string{
			"  tripmind recall -u alice --destination Kyoto",
			"  tripmind recall -u alice --prompt --budget 400",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identity()
			if err != nil {
				return err
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				records, err := svc.Recall(ctx, ident, rc, limit)
				if err != nil {
					return err
				}
				if prompt {
					fmt.Fprintln(cmd.OutOrStdout(), memory.FormatRecall(records, budget))
					return nil
				}
				return writeJSON(cmd.OutOrStdout(), records)
			})
		},
	}
	addContextFlags(cmd, &rc)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum records (0 uses memory.recall_limit)")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "Print as a prompt block instead of JSON")
	cmd.Flags().IntVar(&budget, "budget", 800, "Token budget for --prompt")
	return cmd
}

func newSearchCommand(opts *globalOptions) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:     "search <text>",
		Short:   "Similarity search over a traveller's live memories",
		Example: "  tripmind search -u alice \"seat preference\" -n 3",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identity()
			if err != nil {
				return err
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				hits, err := svc.Search(ctx, ident, strings.Join(args, " "), k)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), hits)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "limit", "n", 5, "Number of neighbours")
	return cmd
}

func newSuggestCommand(opts *globalOptions) *cobra.Command {
	var (
		rc    memory.RecallContext
		turn  string
		limit int
	)
	cmd := &cobra.Command{
		Use:     "suggest",
		Short:   "Pick memories worth surfacing proactively for this turn",
		Example: "  tripmind suggest -u alice --destination Kyoto --turn \"find me a hotel\"",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identity()
			if err != nil {
				return err
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				out, err := svc.Suggest(ctx, ident, rc, turn, limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	addContextFlags(cmd, &rc)
	cmd.Flags().StringVar(&turn, "turn", "", "Text of the current conversation turn")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum suggestions (capped by memory.max_suggestions)")
	return cmd
}

func newFeedbackCommand(opts *globalOptions) *cobra.Command {
	var accept, decline bool
	cmd := &cobra.Command{
		Use:   "feedback <memory-id>",
		Short: "Record whether a suggestion was accepted or declined",
		Example: strings.Join([]string{
			"  tripmind feedback 01J... --accept",
			"  tripmind feedback 01J... --decline",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accept == decline {
				return fmt.Errorf("exactly one of --accept or --decline is required")
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				rec, err := svc.RecordSuggestionFeedback(ctx, args[0], accept)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().BoolVar(&accept, "accept", false, "The traveller accepted the suggestion")
	cmd.Flags().BoolVar(&decline, "decline", false, "The traveller declined the suggestion")
	return cmd
}

func newConflictsCommand(opts *globalOptions) *cobra.Command {
	var all, prompt bool
	cmd := &cobra.Command{
		Use:     "conflicts",
		Short:   "List contradictions held for clarification",
		Example: "  tripmind conflicts -u alice --prompt",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identity()
			if err != nil {
				return err
			}
			status := memory.ConflictPending
			if all {
				status = ""
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				conflicts, err := svc.ListConflicts(ctx, ident, status)
				if err != nil {
					return err
				}
				if prompt {
					fmt.Fprintln(cmd.OutOrStdout(), memory.FormatConflictPrompt(conflicts))
					return nil
				}
				return writeJSON(cmd.OutOrStdout(), conflicts)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved conflicts")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "Print the clarification prompt instead of JSON")
	return cmd
}

func newResolveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <keep_existing|keep_new|keep_both>",
		Short: "Apply the traveller's answer to a held conflict",
		Example: strings.Join([]string{
			"  tripmind resolve cfl-... keep_new",
			"  tripmind resolve cfl-... both",
		}, "\n"),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := memory.ParseDecision(args[1])
			if err != nil {
				return err
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				rec, err := svc.ResolveConflict(ctx, args[0], decision)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newForgetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "forget <memory-id>",
		Short:   "Delete a memory",
		Example: "  tripmind forget 01J...",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				if err := svc.DeleteMemory(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newSweepCommand(opts *globalOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired episodic memories",
		Long: strings.TrimSpace(`Purge expired episodic memories once, or with --watch keep running and
sweep on memory.sweep_schedule until interrupted.`),
		Example: strings.Join([]string{
			"  tripmind sweep",
			"  tripmind sweep --watch",
		}, "\n"),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return runSweeper(cmd, opts)
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				n, err := svc.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired memories\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and sweep on the configured schedule")
	return cmd
}

func runSweeper(cmd *cobra.Command, opts *globalOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(0)
	svc, cfg, err := openService(ctx, opts, true, events)
	if err != nil {
		return err
	}
	defer svc.Close()
	if strings.EqualFold(strings.TrimSpace(cfg.Memory.SweepSchedule), "off") {
		return fmt.Errorf("memory.sweep_schedule is off")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sweeping on %q (Ctrl+C to stop)\n", cfg.Memory.SweepSchedule)
	for {
		ev, ok := events.Consume(ctx)
		if !ok {
			return nil
		}
		if err := writeJSON(cmd.OutOrStdout(), ev); err != nil {
			return err
		}
	}
}

func newCompactionCommand(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "compaction",
		Short: "Drive the per-session compaction trigger",
	}

	check := &cobra.Command{
		Use:     "check <session-id> <turn-count>",
		Short:   "Report whether a session should be summarized now",
		Example: "  tripmind compaction check cli:alice 10",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			turns, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid turn count %q", args[1])
			}
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				d, err := svc.CheckCompaction(ctx, args[0], turns)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), d)
			})
		},
	}

	ack := &cobra.Command{
		Use:     "ack <session-id>",
		Short:   "Acknowledge that the requested summary has been committed",
		Example: "  tripmind compaction ack cli:alice",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, func(ctx context.Context, svc *memory.Service) error {
				a, err := svc.AcknowledgeCompaction(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), a)
			})
		},
	}

	root.AddCommand(check, ack)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
