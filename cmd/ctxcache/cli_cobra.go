package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loopmind/ctxcache/pkg/model"
	"github.com/loopmind/ctxcache/pkg/orchestrator"
)

// orchestratorHandle wraps the orchestrator.Service so CLI command bodies
// can be written against a short, stable name.
type orchestratorHandle struct {
	svc *orchestrator.Service
}

func scopeFromFlags(all, immediateOnly, sessionOnly bool, conversationID string) orchestrator.ClearScope {
	if all {
		return orchestrator.ClearScope{All: true}
	}
	return orchestrator.ClearScope{
		Immediate:      immediateOnly,
		Session:        sessionOnly,
		ConversationID: conversationID,
	}
}

func executeCLI() error {
	root := buildRootCommand()
	return root.Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "ctxcache",
		Short: "Multi-tier context cache with hybrid retrieval",
		Long: strings.TrimSpace(`ctxcache stores conversational context across immediate, session, and
long-term tiers and retrieves it by keyword, semantic, graph, or hybrid
fusion strategies.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newStoreCommand())
	root.AddCommand(newRetrieveCommand())
	root.AddCommand(newDeleteCommand())
	root.AddCommand(newClearCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the background maintenance worker until interrupted",
		Long:    "Keep the orchestrator's sweep/consolidation worker running so expired immediate-tier items and response-cache entries are swept and session conversations are consolidated even with no CLI caller active.",
		Example: "  ctxcache serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, h *orchestratorHandle) error {
				fmt.Println("ctxcache serving, press Ctrl+C to stop")
				waitForInterrupt()
				fmt.Println("\nshutting down")
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  ctxcache version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

// withService loads config, builds a logger and orchestrator.Service, runs
// fn, and always closes the service afterward, following the same
// load-then-defer-close shape as dotagent's gatewayCmd construction.
func withService(fn func(ctx context.Context, svc *orchestratorHandle) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	svc, err := buildService(cfg, log)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer svc.Close()

	return fn(context.Background(), &orchestratorHandle{svc: svc})
}

func newStoreCommand() *cobra.Command {
	var (
		conversationID string
		tierHint       string
		importance     string
		kind           string
		tagsRaw        string
	)

	cmd := &cobra.Command{
		Use:   "store <content>",
		Short: "Store a piece of context",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  ctxcache store \"the user prefers dark mode\" --importance high --type preference",
			"  ctxcache store \"discussed deploy plan\" --conversation conv-42",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, h *orchestratorHandle) error {
				raw := map[string]any{}
				if importance != "" {
					raw[model.MetaImportance] = importance
				}
				if kind != "" {
					raw[model.MetaType] = kind
				}
				if tagsRaw != "" {
					raw[model.MetaTags] = strings.Split(tagsRaw, ",")
				}
				meta, err := model.NewMetadata(raw)
				if err != nil {
					return err
				}

				hint := model.TierHintAuto
				switch tierHint {
				case "immediate":
					hint = model.TierHintImmediate
				case "session":
					hint = model.TierHintSession
				case "longterm":
					hint = model.TierHintLongTerm
				case "", "auto":
					hint = model.TierHintAuto
				default:
					return fmt.Errorf("unknown --tier %q", tierHint)
				}

				id, err := h.svc.Store(ctx, args[0], meta, conversationID, hint)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation id to associate with this item")
	cmd.Flags().StringVar(&tierHint, "tier", "auto", "Tier hint: auto, immediate, session, longterm")
	cmd.Flags().StringVar(&importance, "importance", "", "Priority: critical, high, normal, low")
	cmd.Flags().StringVar(&kind, "type", "", "Kind: fact, preference, note, task, ...")
	cmd.Flags().StringVar(&tagsRaw, "tags", "", "Comma-separated tags")

	return cmd
}

func newRetrieveCommand() *cobra.Command {
	var (
		conversationID string
		strategy       string
		maxResults     int
		maxTokens      int
		minScore       float64
	)

	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Retrieve relevant context for a query",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  ctxcache retrieve \"what does the user prefer\" --strategy hybrid",
			"  ctxcache retrieve \"last deploy\" --conversation conv-42 --max-results 5",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, h *orchestratorHandle) error {
				strat := model.Strategy(strategy)
				if !model.ValidStrategy(strat) {
					return fmt.Errorf("unknown --strategy %q", strategy)
				}

				resp, err := h.svc.Retrieve(ctx, model.Request{
					Query:          args[0],
					ConversationID: conversationID,
					Strategy:       strat,
					MaxResults:     maxResults,
					MaxTokens:      maxTokens,
					MinScore:       minScore,
				})
				if err != nil {
					return err
				}

				raw, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Conversation id to scope session-tier search")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "hybrid", "Strategy: keyword, semantic, graph, hybrid, relevance, recency")
	cmd.Flags().IntVar(&maxResults, "max-results", 10, "Maximum number of results")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 4096, "Token budget for the response")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Minimum fused score to include a result")

	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Short:   "Delete a stored item by id",
		Args:    cobra.ExactArgs(1),
		Example: "  ctxcache delete 01HXYZ...",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, h *orchestratorHandle) error {
				return h.svc.Delete(ctx, args[0])
			})
		},
	}
}

func newClearCommand() *cobra.Command {
	var (
		all            bool
		immediateOnly  bool
		sessionOnly    bool
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear items from one or more tiers",
		Example: strings.Join([]string{
			"  ctxcache clear --immediate",
			"  ctxcache clear --session --conversation conv-42",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, h *orchestratorHandle) error {
				n := h.svc.Clear(scopeFromFlags(all, immediateOnly, sessionOnly, conversationID))
				fmt.Printf("cleared %d item(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Clear immediate and session tiers entirely")
	cmd.Flags().BoolVar(&immediateOnly, "immediate", false, "Clear the immediate tier")
	cmd.Flags().BoolVar(&sessionOnly, "session", false, "Clear the session tier")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "Restrict session clear to one conversation")

	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show cache tier and hit-rate statistics",
		Example: "  ctxcache stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, h *orchestratorHandle) error {
				s := h.svc.StatsSnapshot()

				total := s.CacheHits + s.CacheMisses
				hitRate := "n/a"
				if total > 0 {
					hitRate = strconv.FormatFloat(float64(s.CacheHits)/float64(total)*100, 'f', 1, 64) + "%"
				}

				fmt.Printf("%s stats\n", appName)
				fmt.Printf("  Immediate tier:  %d items, %s tokens\n", s.ImmediateCount, humanizeBytes(int64(s.ImmediateTokens)))
				fmt.Printf("  Long-term docs:  %d\n", s.LongTermDocs)
				fmt.Printf("  Cache hit rate:  %s (%d hits / %d misses)\n", hitRate, s.CacheHits, s.CacheMisses)
				return nil
			})
		},
	}
}
