package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"turnline/internal/app"
	"turnline/internal/config"
	"turnline/internal/db"
	"turnline/internal/dice"
	"turnline/internal/domain"
	"turnline/internal/engine"
	"turnline/internal/ledger"
	"turnline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Turnline CLI",
	Long: `Turnline builds validated turn contracts for a text RPG and keeps the campaign ledger.
- Turn contract: display text, mechanical outcome, state delta and a menu of 2 to 4 choices, always valid.
- Ledger: authoritative facts per campaign plus an append-only event log.
- Checks: seeded d20 rolls with advantage, disadvantage and modifiers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TURNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("campaign", "c", "", "campaign id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("campaign", rootCmd.PersistentFlags().Lookup("campaign"))
}

func registerCommands() {
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(turnCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				items, err := ws.Repo.ListCampaigns(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "CREATED")
				for _, c := range items {
					t.AppendRow(table.Row{c.ID, c.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	})
	return c
}

func turnCmd() *cobra.Command {
	turn := &cobra.Command{
		Use:   "turn",
		Short: "Build turn contracts",
		Long:  "Build a turn contract from a JSON request: narration, resolved mechanics and proposed actions in, validated contract out.",
	}
	var file string
	build := &cobra.Command{
		Use:   "build",
		Short: "Build and finalize one turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readTurnRequest(file)
			if err != nil {
				return err
			}
			return withWorkspace(func(ws *app.Workspace) error {
				actor := viper.GetString("actor-id")
				c, err := app.ResolveCampaign(cmd.Context(), ws.Repo, viper.GetString("campaign"), actor)
				if err != nil {
					return err
				}
				req.CampaignID = c.ID
				req.ActorID = actor
				contract, err := ws.Engine.BuildTurn(cmd.Context(), req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(contract)
				}
				printContract(contract)
				return nil
			})
		},
	}
	build.Flags().StringVarP(&file, "file", "f", "-", "turn request JSON file (- for stdin)")
	turn.AddCommand(build)
	return turn
}

func readTurnRequest(file string) (engine.TurnRequest, error) {
	var req engine.TurnRequest
	var data []byte
	var err error
	if file == "" || file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse turn request: %w", err)
	}
	return req, nil
}

func checkCmd() *cobra.Command {
	var cfg dice.CheckConfig
	var seed int64
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve a d20 skill check",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("seed") {
				var err error
				if seed, err = dice.NewSeed(); err != nil {
					return err
				}
			}
			outcome := dice.ResolveCheck(cfg, dice.NewSource(seed))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"seed": seed, "outcome": outcome})
			}
			t := newTable("SKILL", "DC", "ROLLS", "TOTAL", "OUTCOME", "SEED")
			t.AppendRow(table.Row{outcome.Check.Skill, outcome.Check.Difficulty, outcome.Check.Rolls, outcome.Check.Total, outcome.Category, seed})
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Skill, "skill", "", "skill name")
	cmd.Flags().IntVar(&cfg.Difficulty, "difficulty", 10, "difficulty class")
	cmd.Flags().BoolVar(&cfg.Advantage, "advantage", false, "roll with advantage")
	cmd.Flags().BoolVar(&cfg.Disadvantage, "disadvantage", false, "roll with disadvantage")
	cmd.Flags().IntVar(&cfg.BaseMod, "base-mod", 0, "base modifier")
	cmd.Flags().IntVar(&cfg.SituationalMod, "situational-mod", 0, "situational modifier")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for a reproducible roll")
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and update campaign facts",
		Long:  "The ledger holds the authoritative facts of a campaign. Narration may not contradict it.",
	}
	l.AddCommand(ledgerFactsCmd())
	l.AddCommand(ledgerSummaryCmd())
	l.AddCommand(ledgerUpsertCmd())
	return l
}

func ledgerFactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "facts",
		Short: "List facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCampaign(cmd.Context(), func(ctx context.Context, ws *app.Workspace, campaignID string) error {
				records, err := ws.Ledger.Records(ctx, campaignID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				t := newTable("KEY", "VALUE", "TURN", "UPDATED")
				for _, r := range records {
					t.AppendRow(table.Row{r.Key, compactJSON(r.Value), r.SourceTurnID, r.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
}

func ledgerSummaryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the most recently updated facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCampaign(cmd.Context(), func(ctx context.Context, ws *app.Workspace, campaignID string) error {
				if !cmd.Flags().Changed("limit") {
					limit = ws.Config.Ledger.SummaryLimit
				}
				lines, err := ws.Ledger.Summary(ctx, campaignID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				for _, line := range lines {
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of facts")
	return cmd
}

func ledgerUpsertCmd() *cobra.Command {
	var turnID string
	var sets []string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Write facts (key=value, value parsed as JSON when possible)",
		RunE: func(cmd *cobra.Command, args []string) error {
			facts, err := parseFacts(sets)
			if err != nil {
				return err
			}
			return withCampaign(cmd.Context(), func(ctx context.Context, ws *app.Workspace, campaignID string) error {
				if err := ws.Ledger.UpsertFacts(ctx, campaignID, turnID, facts); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true, "count": len(facts)})
				}
				fmt.Printf("upserted %d fact(s)\n", len(facts))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&turnID, "turn", "", "source turn id")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "fact as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("turn")
	return cmd
}

func parseFacts(sets []string) ([]domain.Fact, error) {
	if len(sets) == 0 {
		return nil, errors.New("at least one --set required")
	}
	facts := make([]domain.Fact, 0, len(sets))
	for _, s := range sets {
		key, raw, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", s)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		facts = append(facts, domain.Fact{Key: strings.TrimSpace(key), Value: value})
	}
	return facts, nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The append-only record of fact upserts, contract validation failures and finalized turns.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, turnID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCampaign(cmd.Context(), func(ctx context.Context, ws *app.Workspace, campaignID string) error {
				events, err := ws.Ledger.Events(ctx, ledger.EventFilter{
					CampaignID: campaignID,
					Type:       evtType,
					TurnID:     turnID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := newTable("ID", "TS", "TYPE", "TURN", "ACTOR", "PAYLOAD")
				for _, e := range events {
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TurnID, e.ActorID, e.Payload})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&turnID, "turn", "", "turn id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Workspace settings live in turnline.yml: fallback text, turn auditing, summary size, logging and webhooks.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate turnline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default turnline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

func tokenCmd() *cobra.Command {
	var secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = viper.GetString("jwt-secret")
			}
			token, err := server.SignToken(secret, viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret (defaults to TURNLINE_JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAnonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				authCfg := server.AuthConfig{
					JWTSecret:      viper.GetString("jwt-secret"),
					AllowAnonymous: allowAnonymous,
					Logger:         ws.Logger.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !allowAnonymous {
					return fmt.Errorf("TURNLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Workspace: ws, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				server.StartWebhooks(ctx, ws.Repo, ws.Config, ws.Logger.Named("webhooks"))

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					_ = srv.Shutdown(shutdownCtx)
				}()
				ws.Logger.Info("serving turnline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Int("webhooks", len(ws.Config.Webhooks)))
				fmt.Printf("Serving Turnline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret (defaults to TURNLINE_JWT_SECRET)")
	cmd.Flags().BoolVar(&allowAnonymous, "allow-anonymous", false, "serve unauthenticated requests (local only)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withWorkspace(fn func(*app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}

func withCampaign(ctx context.Context, fn func(context.Context, *app.Workspace, string) error) error {
	return withWorkspace(func(ws *app.Workspace) error {
		c, err := app.ResolveCampaign(ctx, ws.Repo, viper.GetString("campaign"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, ws, c.ID)
	})
}

func printContract(c domain.TurnContract) {
	fmt.Println(c.DisplayText)
	fmt.Println()
	t := newTable("#", "CHOICE", "INTENT", "RISK", "TIME")
	for i, ch := range c.Choices {
		t.AppendRow(table.Row{i + 1, ch.Label, ch.Intent.Type, ch.Risk, ch.Cost.TimeMinutes})
	}
	t.Render()
	fmt.Printf("outcome: %s  time: %dm  repaired: %v (%d)\n", c.Outcome.Category, c.StateDelta.TimeMinutes, c.Debug.Repaired, c.Debug.RepairCount)
	for _, e := range c.Debug.ValidationErrors {
		fmt.Println("warning:", e)
	}
}

func newTable(header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
