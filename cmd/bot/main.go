package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/alexwang0317/HumanAnd/internal/config"
	"github.com/alexwang0317/HumanAnd/internal/dashboard"
	"github.com/alexwang0317/HumanAnd/internal/dispatch"
	"github.com/alexwang0317/HumanAnd/internal/events"
	"github.com/alexwang0317/HumanAnd/internal/github"
	"github.com/alexwang0317/HumanAnd/internal/gitledger"
	"github.com/alexwang0317/HumanAnd/internal/llm"
	"github.com/alexwang0317/HumanAnd/internal/pending"
	"github.com/alexwang0317/HumanAnd/internal/project"
	"github.com/alexwang0317/HumanAnd/internal/slackbot"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if cfg.SlackBotToken == "" || cfg.SlackAppToken == "" {
		log.Fatal("SLACK_BOT_TOKEN and SLACK_APP_TOKEN are required")
	}

	oracle, err := llm.New(llm.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
	})
	if err != nil {
		log.Fatalf("llm client failed: %v", err)
	}

	ledger := events.New(cfg.ProjectsDir)
	defer ledger.Close()

	versions := gitledger.New(cfg.LedgerDir)
	store := project.NewStore(cfg.ProjectsDir, versions, oracle, cfg.MaxGroundTruthWords)
	registry := pending.NewRegistry()

	transport, err := slackbot.New(cfg.SlackBotToken, cfg.SlackAppToken)
	if err != nil {
		log.Fatalf("slack connection failed: %v", err)
	}

	deployer := dashboard.NewService(cfg.ProjectsDir, cfg.DashboardDir, cfg.DashboardProjectName, ledger)
	dispatcher := dispatch.New(store, ledger, registry, oracle, transport, deployer, versions)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.GitHubRepo != "" && cfg.GitHubToken != "" {
		source, err := github.NewAPISource(cfg.GitHubRepo, cfg.GitHubToken)
		if err != nil {
			log.Fatalf("github monitor failed: %v", err)
		}
		monitor := github.NewMonitor(cfg.GitHubRepo, cfg.GitHubChannel, source, store, ledger, oracle, transport, cfg.GitHubPollInterval)
		go monitor.Run(ctx)
	} else {
		slog.Info("github pr monitor disabled")
	}

	slog.Info("bot starting", "projects_dir", cfg.ProjectsDir)
	if err := transport.Run(ctx, dispatcher); err != nil && ctx.Err() == nil {
		log.Fatalf("socket mode failed: %v", err)
	}
}
