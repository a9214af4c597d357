package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Slack — bot token (xoxb-) authenticates API calls, app token (xapp-)
	// opens the Socket Mode connection.
	SlackBotToken string
	SlackAppToken string

	// OpenAI-compatible chat completions endpoint.
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// Data layout: per-project ground truth + message log + events.db under
	// ProjectsDir, audit history in a bare git repository at LedgerDir.
	ProjectsDir string
	LedgerDir   string

	// Compaction threshold in words.
	MaxGroundTruthWords int

	// GitHub PR monitor — disabled unless both Repo and Token are set.
	GitHubRepo         string
	GitHubToken        string
	GitHubChannel      string
	GitHubPollInterval time.Duration

	// Dashboard export/deploy.
	DashboardDir         string
	DashboardProjectName string
}

func Load() Config {
	return Config{
		SlackBotToken:        os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:        os.Getenv("SLACK_APP_TOKEN"),
		LLMAPIKey:            os.Getenv("LLM_API_KEY"),
		LLMBaseURL:           getenv("LLM_BASE_URL", ""),
		LLMModel:             getenv("LLM_MODEL", "gpt-4o"),
		ProjectsDir:          getenv("PROJECTS_DIR", "./projects"),
		LedgerDir:            getenv("LEDGER_DIR", "./data/ledger.git"),
		MaxGroundTruthWords:  getenvInt("MAX_GROUND_TRUTH_WORDS", 1000),
		GitHubRepo:           os.Getenv("GITHUB_REPO"),
		GitHubToken:          os.Getenv("GITHUB_TOKEN"),
		GitHubChannel:        os.Getenv("GITHUB_CHANNEL"),
		GitHubPollInterval:   time.Duration(getenvInt("GITHUB_POLL_INTERVAL", 60)) * time.Second,
		DashboardDir:         getenv("DASHBOARD_DIR", "./dashboard"),
		DashboardProjectName: getenv("DASHBOARD_PROJECT_NAME", "humanand-dashboard"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
