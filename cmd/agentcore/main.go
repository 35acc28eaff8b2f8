// Binary agentcore is a terminal front end for the agent runtime.
//
// Usage:
//
//	agentcore [flags]
//
// Flags:
//
//	-config   path to YAML config file (default: agent.yaml)
//	-prompt   one-shot prompt (skips interactive mode)
//	-cwd      override the working directory for file tools
//	-session  session ID to resume (prefix match)
//	-sessions list recent sessions and exit
//	-verbose  log agent diagnostics to stderr
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bitop-dev/agentcore/pkg/agent"
	"github.com/bitop-dev/agentcore/pkg/ai"
	"github.com/bitop-dev/agentcore/pkg/ai/models"
	"github.com/bitop-dev/agentcore/pkg/ai/providers/anthropic"
	"github.com/bitop-dev/agentcore/pkg/ai/providers/bedrock"
	"github.com/bitop-dev/agentcore/pkg/ai/providers/openai"
	"github.com/bitop-dev/agentcore/pkg/session"
	"github.com/bitop-dev/agentcore/pkg/tools"
	"github.com/bitop-dev/agentcore/pkg/tools/builtin"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to agent config file")
	oneShot := flag.String("prompt", "", "one-shot prompt (non-interactive)")
	cwdFlag := flag.String("cwd", "", "override working directory for file tools")
	sessionFlag := flag.String("session", "", "session ID to resume (prefix match)")
	listSessions := flag.Bool("sessions", false, "list recent sessions and exit")
	verbose := flag.Bool("verbose", false, "log agent diagnostics to stderr")
	flag.Parse()

	cfg, err := agent.LoadFileConfig(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if cfg.ExactTokenizer {
		if err := agent.UseExactTokenizer(cfg.Model); err != nil {
			fmt.Fprintf(os.Stderr, "[warn] exact tokenizer unavailable for %s: %v\n", cfg.Model, err)
		}
	}

	// Resolve working directory
	cwd := cfg.Tools.WorkDir
	if *cwdFlag != "" {
		cwd = *cwdFlag
	}
	if cwd == "" {
		cwd, err = os.Getwd()
		if err != nil {
			fatalf("getwd: %v", err)
		}
	}

	mgr := session.NewManager(session.DefaultBaseDir(), logger)

	if *listSessions {
		infos, err := mgr.List(cwd)
		if err != nil {
			fatalf("sessions: %v", err)
		}
		printSessions(infos, len(infos))
		return
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		fatalf("provider: %v", err)
	}

	registry := tools.NewRegistry()
	if !cfg.Tools.Disabled {
		builtin.Register(registry, cwd)
	}

	var sess *session.Session
	if *sessionFlag != "" {
		sess, err = mgr.Open(cwd, *sessionFlag)
		if err != nil {
			fatalf("session resume: %v", err)
		}
	} else {
		sess, err = mgr.Create(cwd)
		if err != nil {
			// Non-fatal: the agent works without persistence.
			fmt.Fprintf(os.Stderr, "[warn] could not create session: %v\n", err)
			sess = nil
		}
	}
	if sess != nil {
		defer sess.Close()
	}

	// Context window: explicit config > model catalog > 0 (compaction off).
	ctxWindow := models.ContextWindow(cfg.Model, 0)

	ag := agent.New(agent.Options{
		SystemPrompt:  cfg.SystemPrompt,
		Model:         cfg.Model,
		Provider:      provider,
		Tools:         registry,
		Compaction:    cfg.CompactionConfig(ctxWindow),
		SteeringMode:  agent.QueueMode(cfg.SteeringMode),
		FollowUpMode:  agent.QueueMode(cfg.FollowUpMode),
		StreamOptions: cfg.StreamOptions(),
		Logger:        logger,
	})
	if sess != nil {
		if err := ag.AttachSession(sess); err != nil {
			fatalf("session load: %v", err)
		}
		if *sessionFlag != "" {
			fmt.Printf("[agent] resumed session %s (%d messages)\n", sess.ID()[:8], len(ag.Messages()))
		} else {
			fmt.Printf("[agent] session %s\n", sess.ID()[:8])
		}
	}

	unsub := ag.Subscribe(makeEventPrinter())
	defer unsub()

	callCfg := agent.Config{
		StreamOptions: cfg.StreamOptions(),
		MaxTurns:      cfg.MaxTurns,
		MaxRetries:    cfg.MaxRetries,
		MaxRetryDelay: time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond,
	}

	// SIGINT aborts the in-flight run instead of killing the process; the
	// second signal terminates as usual.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			ag.Abort()
		}
	}()

	if *oneShot != "" {
		if err := ag.Prompt(context.Background(), *oneShot, callCfg); err != nil {
			fatalf("prompt: %v", err)
		}
		return
	}

	fmt.Printf("[agent] provider=%s model=%s tools=%v\n",
		provider.Name(), cfg.Model, registry.Names())
	fmt.Println("[agent] type a prompt and press enter. Commands: /state /model /session /sessions /fork exit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "exit", "quit":
			return
		case "/state":
			s := ag.State()
			fmt.Printf("[state] messages=%d context_tokens=%d streaming=%v error=%q\n",
				len(s.Messages), s.ContextTokens, s.IsStreaming, s.Error)
			fmt.Printf("[state] cost: $%.6f (%d in / %d out tokens)\n",
				s.CumulativeCost.TotalCost, s.CumulativeCost.InputTokens, s.CumulativeCost.OutputTokens)
			continue
		case "/model":
			info := models.Lookup(cfg.Model)
			if info == nil {
				fmt.Printf("[model] %s (not in catalog)\n", cfg.Model)
			} else {
				fmt.Printf("[model] %s — context=%d thinking=%v in=$%.2f/1M out=$%.2f/1M\n",
					info.ID, info.ContextWindow, info.SupportsThinking,
					info.InputCostPer1M, info.OutputCostPer1M)
			}
			continue
		case "/session":
			if sess != nil {
				fmt.Printf("[session] id=%s  cwd=%s  file=%s\n", sess.ID(), sess.CWD(), sess.FilePath())
			} else {
				fmt.Println("[session] none (persistence disabled)")
			}
			continue
		case "/sessions":
			infos, err := mgr.List(cwd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "sessions: %v\n", err)
				continue
			}
			printSessions(infos, 10)
			continue
		}

		// /fork [N] — fork the session keeping the first N messages
		// (default: all of them).
		if strings.HasPrefix(strings.ToLower(line), "/fork") {
			if sess == nil {
				fmt.Println("[fork] no active session")
				continue
			}
			ids, msgs, err := sess.MessageEntriesOnPath()
			if err != nil {
				fmt.Fprintf(os.Stderr, "fork: %v\n", err)
				continue
			}
			if len(ids) == 0 {
				fmt.Println("[fork] nothing to fork yet")
				continue
			}
			keepN := len(ids)
			if parts := strings.Fields(line); len(parts) > 1 {
				if n, err := strconv.Atoi(parts[1]); err == nil && n > 0 && n <= len(ids) {
					keepN = n
				}
			}

			var branchSummary string
			if discarded := msgs[keepN:]; len(discarded) > 0 {
				fmt.Printf("[fork] summarising %d discarded messages…\n", len(discarded))
				forkCtx, forkCancel := context.WithTimeout(context.Background(), 2*time.Minute)
				branchSummary, _ = agent.GenerateBranchSummary(forkCtx, provider, cfg.Model, callCfg.StreamOptions, discarded)
				forkCancel()
			}

			child, forkErr := sess.Fork(mgr.Dir(cwd), ids[keepN-1], branchSummary, logger)
			if forkErr != nil {
				fmt.Fprintf(os.Stderr, "fork: %v\n", forkErr)
				continue
			}
			if err := ag.AttachSession(child); err != nil {
				fmt.Fprintf(os.Stderr, "fork attach: %v\n", err)
				_ = child.Close()
				continue
			}

			oldSess := sess
			sess = child
			_ = oldSess.Close()

			fmt.Printf("[fork] session %s (kept %d/%d messages)\n", child.ID()[:8], keepN, len(ids))
			if branchSummary != "" {
				fmt.Printf("[fork] branch: %s\n", truncate(branchSummary, 120))
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		if err := ag.Prompt(ctx, line, callCfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		cancel()
	}
}

// ---------------------------------------------------------------------------
// Provider builder
// ---------------------------------------------------------------------------

func buildProvider(cfg *agent.FileConfig) (ai.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(cfg.BaseURL), nil

	case "openai":
		return openai.New(cfg.BaseURL), nil

	case "bedrock", "amazon-bedrock":
		return bedrock.New(cfg.Region, cfg.Profile), nil

	// OpenAI-compatible proxies with known base URLs.
	case "openrouter":
		return openai.New(orDefault(cfg.BaseURL, "https://openrouter.ai/api/v1")), nil
	case "groq":
		return openai.New(orDefault(cfg.BaseURL, "https://api.groq.com/openai/v1")), nil
	case "xai", "grok":
		return openai.New(orDefault(cfg.BaseURL, "https://api.x.ai/v1")), nil
	case "mistral":
		return openai.New(orDefault(cfg.BaseURL, "https://api.mistral.ai/v1")), nil

	// Generic fallback: any base_url is treated as openai-compatible.
	default:
		if cfg.BaseURL != "" {
			fmt.Printf("[agent] unknown provider %q — using OpenAI wire format with base_url\n", cfg.Provider)
			return openai.New(cfg.BaseURL), nil
		}
		return nil, fmt.Errorf("unknown provider %q — set base_url to use as openai-compatible", cfg.Provider)
	}
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

// ---------------------------------------------------------------------------
// Terminal event printer
// ---------------------------------------------------------------------------

func makeEventPrinter() func(agent.Event) {
	return func(ev agent.Event) {
		switch ev.Type {
		case agent.EventMessageUpdate:
			if ev.StreamEvent != nil && ev.StreamEvent.Type == ai.StreamEventTextDelta {
				fmt.Print(ev.StreamEvent.Delta)
			}
		case agent.EventMessageEnd:
			if ev.Message != nil && ev.Message.GetRole() == ai.RoleAssistant {
				fmt.Println()
			}
		case agent.EventToolExecutionStart:
			fmt.Printf("\n[tool] %s(%s)\n", ev.ToolName, formatArgs(ev.ToolArgs))
		case agent.EventToolExecutionEnd:
			status := "ok"
			if ev.IsError {
				status = "error"
			}
			fmt.Printf("[tool] %s → %s\n", ev.ToolName, status)
		case agent.EventCompaction:
			if ev.Compaction != nil {
				fmt.Printf("\n[compaction] removed=%d kept=%d tokens: %d→%d\n",
					ev.Compaction.MessagesRemoved,
					ev.Compaction.MessagesKept,
					ev.Compaction.TokensBefore,
					ev.Compaction.TokensAfter,
				)
			}
		case agent.EventRetry:
			fmt.Printf("\n[retry] attempt %d (delay %s): %v\n", ev.RetryAttempt, ev.RetryDelay, ev.RetryError)
		case agent.EventTurnLimitReached:
			fmt.Printf("\n[agent] turn limit reached — stopping loop\n")
		case agent.EventTurnEnd:
			if ev.CostUsage.TotalCost > 0 {
				fmt.Printf("[cost] $%.6f (%d in / %d out tokens)\n",
					ev.CostUsage.TotalCost, ev.CostUsage.InputTokens, ev.CostUsage.OutputTokens)
			}
		}
	}
}

func printSessions(infos []session.Info, limit int) {
	if len(infos) == 0 {
		fmt.Println("[no sessions]")
		return
	}
	for i, info := range infos {
		if i >= limit {
			fmt.Printf("  ... (%d more)\n", len(infos)-limit)
			break
		}
		fmt.Printf("  %s  %-30s  msgs=%-3d  %s  %s\n",
			info.ID[:8],
			truncate(info.CWD, 30),
			info.MessageCount,
			info.Created.Format("2006-01-02 15:04"),
			truncate(info.FirstMessage, 40),
		)
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for k, v := range args {
		s := fmt.Sprintf("%v", v)
		if len(s) > 60 {
			s = s[:57] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, s))
	}
	return strings.Join(parts, ", ")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
