// capsmith turns natural-language software requests into signed, versioned
// capsules and delivers them to a VCS target.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"capsmith/internal/api"
	"capsmith/internal/breaker"
	"capsmith/internal/capsule"
	"capsmith/internal/config"
	"capsmith/internal/delivery"
	"capsmith/internal/executor"
	"capsmith/internal/faults"
	"capsmith/internal/governor"
	"capsmith/internal/graph"
	"capsmith/internal/logging"
	"capsmith/internal/memory"
	"capsmith/internal/moderation"
	"capsmith/internal/provider"
	"capsmith/internal/router"
	"capsmith/internal/sandbox"
	"capsmith/internal/store"
	"capsmith/internal/validate"
	"capsmith/internal/vcs"
	"capsmith/internal/workflow"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	serverURL  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "capsmith",
	Short: "capsmith - Orchestration core for LLM-built software capsules",
	Long: `capsmith accepts a natural-language software request, decomposes it
into a task DAG, executes each task through tiered LLM agents under rate,
budget, and circuit-breaker control, and assembles the validated artifacts
into a signed, versioned capsule delivered to a version-control target.

Run "capsmith serve" to start the orchestrator, then use submit/status/
signal/fetch against its HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the orchestrator
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	Long: `Starts the full pipeline: SQLite system of record, resource governor,
circuit breakers, LLM providers, task executor, workflow engine, capsule
assembler, and the HTTP API. Unfinished workflows found in the event log
are resumed before the listener opens.`,
	RunE: runServe,
}

// initCmd writes a starter config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		fmt.Println("Set ANTHROPIC_API_KEY (or OPENAI_API_KEY) and CAPSMITH_SIGNING_SECRET before serving.")
		return nil
	},
}

// submitCmd submits a request to a running server
var submitCmd = &cobra.Command{
	Use:   "submit [description]",
	Short: "Submit a software request",
	Long: `Submits a natural-language request and prints the workflow id.

Example:
  capsmith submit --tenant acme "Write a Python CLI that sums its arguments"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

// statusCmd prints workflow status
var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

// signalCmd sends a review or cancel signal
var signalCmd = &cobra.Command{
	Use:   "signal [workflow-id] [approve|reject|revise|cancel]",
	Short: "Send a signal to a workflow",
	Long: `Sends a human-in-the-loop signal. approve/reject/revise act on the
task waiting for review (or --task); cancel stops the whole workflow.

Example:
  capsmith signal wf-1234 revise --task t-abc --notes "use argparse"`,
	Args: cobra.ExactArgs(2),
	RunE: runSignal,
}

// fetchCmd downloads a packaged capsule
var fetchCmd = &cobra.Command{
	Use:   "fetch [capsule-id]",
	Short: "Download a packaged capsule archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

var (
	submitTenant      string
	submitRequestID   string
	submitConstraints []string

	signalTask  string
	signalNotes string

	fetchVersion int
	fetchFormat  string
	fetchOutput  string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "capsmith.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8370", "Server URL for client commands")

	submitCmd.Flags().StringVarP(&submitTenant, "tenant", "t", "", "Tenant the request bills to (required)")
	submitCmd.Flags().StringVar(&submitRequestID, "id", "", "Request id (generated when empty)")
	submitCmd.Flags().StringArrayVar(&submitConstraints, "constraint", nil, "Constraint as key=value (repeatable)")
	_ = submitCmd.MarkFlagRequired("tenant")

	signalCmd.Flags().StringVar(&signalTask, "task", "", "Task id the signal targets")
	signalCmd.Flags().StringVar(&signalNotes, "notes", "", "Reviewer notes")

	fetchCmd.Flags().IntVar(&fetchVersion, "version", 0, "Capsule version (0 = latest)")
	fetchCmd.Flags().StringVar(&fetchFormat, "format", "zip", "Archive format: zip or tar")
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Output file (default <id>-v<N>.<format>)")

	rootCmd.AddCommand(serveCmd, initCmd, submitCmd, statusCmd, signalCmd, fetchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Initialize(cfg.DataDir, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return err
	}
	defer logging.CloseAll()
	if err := logging.InitAudit(cfg.DataDir); err != nil {
		return err
	}
	defer logging.CloseAudit()

	db, err := store.New(filepath.Join(cfg.DataDir, "capsmith.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	gov, err := governor.New(governor.Config{
		RPSFloor:        cfg.Governor.RPSFloor,
		QueueWatermark:  cfg.Governor.QueueWatermark,
		TenantBudgetUSD: cfg.Governor.TenantBudgetUSD,
		Defaults: governor.Limits{
			RPS:        cfg.Governor.RPSLimit,
			TPM:        cfg.Governor.TPMLimit,
			Concurrent: cfg.Governor.ConcurrentLimit,
		},
	}, db)
	if err != nil {
		return err
	}

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout(),
	})

	var providers []provider.Provider
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		providers = append(providers, provider.NewAnthropicClient(provider.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
			Timeout: cfg.Providers.Anthropic.TimeoutDuration(),
		}))
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		providers = append(providers, provider.NewOpenAIClient(provider.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Timeout: cfg.Providers.OpenAI.TimeoutDuration(),
		}))
	}
	reg := provider.NewRegistry(providers...)
	logger.Info("providers configured", zap.Strings("names", reg.Names()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm := governedLLM(gov, breakers, reg)

	var mem *memory.Store
	if cfg.Memory.Enabled && cfg.Memory.GeminiAPIKey != "" {
		embedder, err := memory.NewGenAIEmbedder(ctx, cfg.Memory.GeminiAPIKey, cfg.Memory.EmbeddingModel)
		if err != nil {
			logger.Warn("memory embedder unavailable, continuing without memory", zap.Error(err))
		} else {
			mem = memory.New(embedder, db, cfg.Memory.TopK)
		}
	}

	hist := router.NewHistory()
	exec := executor.New(executor.Config{
		RetryMax:            cfg.Workflow.RetryMax,
		RetryCap:            cfg.RetryCapDuration(),
		ConfidenceThreshold: cfg.Review.ConfidenceThreshold,
		WeightError:         cfg.Review.WeightError,
		WeightLowCoverage:   cfg.Review.WeightLowCoverage,
		WeightThrottle:      cfg.Review.WeightThrottle,
		SandboxLimits: sandbox.Limits{
			CPUSeconds: cfg.Sandbox.CPUSeconds,
			MemoryMB:   cfg.Sandbox.MemoryMB,
			WallClock:  cfg.SandboxWallClock(),
		},
	}, executor.Deps{
		Governor:   gov,
		Breakers:   breakers,
		Registry:   reg,
		Moderation: moderation.NewFilter(cfg.HAP.BlockThreshold),
		Validator:  validate.New(),
		Sandbox: sandbox.NewRunner(sandbox.Config{
			WorkDir:         cfg.Sandbox.WorkDir,
			AllowedBinaries: cfg.Sandbox.AllowedBinaries,
		}),
		History: hist,
		Cache:   db,
	})

	assembler := capsule.NewAssembler(db, cfg.Capsule.SigningSecret, capsule.Organizer(llm))

	var deliverer *delivery.Deliverer
	if cfg.VCS.BaseURL != "" {
		deliverer = delivery.New(vcs.NewClient(vcs.Config{
			BaseURL: cfg.VCS.BaseURL,
			Token:   cfg.VCS.Token,
			Timeout: cfg.VCSTimeout(),
		}), db, gov, breakers)
	} else {
		logger.Warn("no VCS target configured, capsules finalize locally")
	}

	eng := workflow.NewEngine(workflow.Config{
		MaxConcurrentTasks:     cfg.Workflow.MaxConcurrentTasks,
		MaxConcurrentWorkflows: cfg.Workflow.MaxConcurrentWorkflows,
		RetryMax:               cfg.Workflow.RetryMax,
		RetryBase:              time.Second,
		RetryCap:               cfg.RetryCapDuration(),
		CheckpointEvery:        cfg.Workflow.CheckpointEvery,
		WorkflowDeadline:       cfg.WorkflowDeadline(),
		ActivityDeadline:       cfg.ActivityDeadline(),
		HeartbeatInterval:      cfg.HeartbeatInterval(),
		CancelGrace:            cfg.CancelGrace(),
		ReviewTimeout:          cfg.ReviewTimeout(),
		ReviewOnTimeout:        cfg.Review.OnTimeout,
	}, workflow.Deps{
		Store:     db,
		Builder:   graph.NewBuilder(llm, mem, db),
		Router:    router.New(hist, reg),
		Executor:  exec,
		Assembler: assembler,
		Deliverer: deliverer,
		Memory:    mem,
	})
	defer eng.Shutdown()

	resumed, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if resumed > 0 {
		logger.Info("resumed unfinished workflows", zap.Int("count", resumed))
	}

	if err := config.WatchLogging(ctx, configPath); err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	}

	httpSrv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: api.NewServer(eng, assembler).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Listen))
		logging.Boot("capsmith %s listening on %s", cfg.Version, cfg.Server.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

// governedLLM routes decomposer and organizer calls through the same
// admission control as task execution: governor permit, circuit breaker,
// provider fallback in preference order. These calls bill to the reserved
// "system" tenant.
func governedLLM(gov *governor.Governor, breakers *breaker.Set, reg *provider.Registry) graph.LLM {
	const systemTenant = "system"
	const tokenEstimate = 4096

	return func(ctx context.Context, system, prompt string) (string, error) {
		var lastErr error
		for _, name := range reg.Names() {
			p := reg.Get(name)
			permit, err := gov.Acquire(ctx, name, systemTenant, tokenEstimate)
			if err != nil {
				lastErr = err
				continue
			}
			var res *provider.Result
			err = breakers.Do(ctx, "llm:"+name, func(ctx context.Context) error {
				var genErr error
				res, genErr = p.Generate(ctx, provider.T1, system, prompt, provider.Budget{
					MaxTokens: tokenEstimate,
					MaxWall:   2 * time.Minute,
				})
				return genErr
			})
			usage := governor.Usage{Throttled: faults.KindOf(err) == faults.Throttle}
			if res != nil {
				usage.TokensIn = res.TokensIn
				usage.TokensOut = res.TokensOut
				usage.CostUSD = res.CostUSD
			}
			gov.Release(permit, usage)
			if err != nil {
				lastErr = err
				continue
			}
			return res.Text, nil
		}
		if lastErr == nil {
			lastErr = faults.Newf(faults.Permanent, "llm", "no providers configured")
		}
		return "", lastErr
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	constraints := make(map[string]string, len(submitConstraints))
	for _, kv := range submitConstraints {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("constraint %q is not key=value", kv)
		}
		constraints[k] = v
	}
	payload := map[string]any{
		"id":          submitRequestID,
		"tenant":      submitTenant,
		"description": strings.Join(args, " "),
		"constraints": constraints,
	}
	var out struct {
		WorkflowID string `json:"workflow_id"`
		RequestID  string `json:"request_id"`
	}
	if err := call(http.MethodPost, "/v1/requests", payload, &out); err != nil {
		return err
	}
	fmt.Printf("workflow %s accepted (request %s)\n", out.WorkflowID, out.RequestID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	var out json.RawMessage
	if err := call(http.MethodGet, "/v1/workflows/"+args[0], nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runSignal(cmd *cobra.Command, args []string) error {
	payload := map[string]string{"type": args[1]}
	if signalTask != "" {
		payload["task_id"] = signalTask
	}
	if signalNotes != "" {
		payload["notes"] = signalNotes
	}
	var out json.RawMessage
	if err := call(http.MethodPost, "/v1/workflows/"+args[0]+"/signals", payload, &out); err != nil {
		return err
	}
	fmt.Printf("signal %s sent to %s\n", args[1], args[0])
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	capsuleID := args[0]
	url := fmt.Sprintf("%s/v1/capsules/%s/package?format=%s&version=%d",
		strings.TrimRight(serverURL, "/"), capsuleID, fetchFormat, fetchVersion)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	out := fetchOutput
	if out == "" {
		version := fetchVersion
		if version == 0 {
			version = 1
		}
		out = fmt.Sprintf("%s-v%d.%s", capsuleID, version, fetchFormat)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", out, n)
	return nil
}

// call performs one JSON round-trip against the server.
func call(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the server running at %s? %w", serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
