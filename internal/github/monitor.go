// Package github polls open pull requests and nudges the project channel
// when a PR looks out of its author's lane. The loop runs on its own
// schedule, never blocks the chat event path, and survives every error
// by logging it.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"

	"github.com/alexwang0317/HumanAnd/internal/events"
	"github.com/alexwang0317/HumanAnd/internal/project"
)

var (
	aliasPattern = regexp.MustCompile(`(?i)github:\s*(\S+)`)
	namePattern  = regexp.MustCompile(`\*\*(.+?)\*\*`)
	slackPattern = regexp.MustCompile(`<@(U[A-Z0-9]+)>`)
	rolePattern  = regexp.MustCompile(`(?i)—\s*(.+?)\s*github:`)
)

// DirectoryEntry bridges a GitHub login to the member's chat identity
// and stated role.
type DirectoryEntry struct {
	Name    string
	SlackID string
	Role    string
}

// ParseDirectoryAliases reads `github: login` aliases out of Directory
// lines shaped like `* **Name** (<@UID>) — Role. github: login`.
func ParseDirectoryAliases(groundTruth string) map[string]DirectoryEntry {
	mapping := make(map[string]DirectoryEntry)
	for _, line := range strings.Split(groundTruth, "\n") {
		aliasMatch := aliasPattern.FindStringSubmatch(line)
		if aliasMatch == nil {
			continue
		}
		login := strings.ToLower(aliasMatch[1])
		entry := DirectoryEntry{Name: login, Role: "Unknown"}
		if match := namePattern.FindStringSubmatch(line); match != nil {
			entry.Name = match[1]
		}
		if match := slackPattern.FindStringSubmatch(line); match != nil {
			entry.SlackID = match[1]
		}
		if match := rolePattern.FindStringSubmatch(line); match != nil {
			entry.Role = strings.TrimSuffix(strings.TrimSpace(match[1]), ".")
		}
		mapping[login] = entry
	}
	return mapping
}

// PullRequest is the slice of the GitHub payload the monitor needs.
type PullRequest struct {
	Number      int
	Title       string
	URL         string
	AuthorLogin string
}

// PullSource fetches open PRs and their latest commit message.
type PullSource interface {
	OpenPulls(ctx context.Context) ([]PullRequest, error)
	LatestCommitMessage(ctx context.Context, number int) (string, error)
}

// PROracle classifies one PR against the ground truth: PASS or
// NUDGE: reason.
type PROracle interface {
	ClassifyPR(ctx context.Context, authorName, authorRole, prTitle, commits, groundTruth string) (string, error)
}

// Notifier posts nudges to the project channel.
type Notifier interface {
	PostMessage(channelID, text, threadTS string) (string, error)
	ResolveChannelID(name string) (string, error)
}

type Monitor struct {
	repo        string
	projectName string
	channelName string
	source      PullSource
	store       *project.Store
	ledger      *events.Ledger
	oracle      PROracle
	notifier    Notifier
	interval    time.Duration
	seen        map[int]struct{}
	logger      *slog.Logger
}

// NewMonitor builds a monitor for an owner/name repository. The project
// is the repository name; channelName overrides the target channel when
// non-empty.
func NewMonitor(repo, channelName string, source PullSource, store *project.Store, ledger *events.Ledger, oracle PROracle, notifier Notifier, interval time.Duration) *Monitor {
	projectName := repo
	if idx := strings.LastIndex(repo, "/"); idx >= 0 {
		projectName = repo[idx+1:]
	}
	if channelName == "" {
		channelName = projectName
	}
	return &Monitor{
		repo:        repo,
		projectName: projectName,
		channelName: channelName,
		source:      source,
		store:       store,
		ledger:      ledger,
		oracle:      oracle,
		notifier:    notifier,
		interval:    interval,
		seen:        make(map[int]struct{}),
		logger:      slog.Default(),
	}
}

// Run seeds the seen set with PRs that predate the bot, then polls until
// the context ends. Poll errors are logged and the loop continues.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("github pr monitor started", "repo", m.repo, "interval", m.interval)
	if prs, err := m.source.OpenPulls(ctx); err != nil {
		m.logger.Error("pr seeding failed", "repo", m.repo, "error", err)
	} else {
		for _, pr := range prs {
			m.seen[pr.Number] = struct{}{}
		}
		m.logger.Info("seeded existing prs", "repo", m.repo, "count", len(m.seen))
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.PollOnce(ctx); err != nil {
				m.logger.Error("github poll failed", "repo", m.repo, "error", err)
			}
		}
	}
}

// PollOnce fetches open PRs and nudges for any new one whose author is
// in the directory and whose classification comes back NUDGE.
func (m *Monitor) PollOnce(ctx context.Context) error {
	prs, err := m.source.OpenPulls(ctx)
	if err != nil {
		return fmt.Errorf("fetch open prs: %w", err)
	}
	for _, pr := range prs {
		if _, ok := m.seen[pr.Number]; ok {
			continue
		}
		m.seen[pr.Number] = struct{}{}
		m.checkPull(ctx, pr)
	}
	return nil
}

func (m *Monitor) checkPull(ctx context.Context, pr PullRequest) {
	groundTruth := m.store.GroundTruth(m.projectName)
	aliases := ParseDirectoryAliases(groundTruth)
	author, ok := aliases[strings.ToLower(pr.AuthorLogin)]
	if !ok {
		m.logger.Info("pr skipped, author not in directory", "pr", pr.Number, "login", pr.AuthorLogin)
		return
	}

	// PR branches often carry old commits; the latest message plus the
	// title give the clearest signal of intent.
	commits, err := m.source.LatestCommitMessage(ctx, pr.Number)
	if err != nil {
		m.logger.Error("pr commits fetch failed", "pr", pr.Number, "error", err)
		return
	}

	verdict, err := m.oracle.ClassifyPR(ctx, author.Name, author.Role, pr.Title, commits, groundTruth)
	if err != nil {
		m.logger.Error("pr classification failed", "pr", pr.Number, "error", err)
		return
	}
	m.logger.Info("pr classified", "pr", pr.Number, "author", author.Name, "verdict", verdict)
	if strings.HasPrefix(verdict, "PASS") {
		return
	}
	reason := strings.TrimSpace(strings.TrimPrefix(verdict, "NUDGE:"))

	channelID, err := m.notifier.ResolveChannelID(m.channelName)
	if err != nil {
		m.logger.Warn("no channel for pr nudge", "channel", m.channelName, "error", err)
		return
	}
	message := FormatNudge(pr, author, reason)
	if _, err := m.notifier.PostMessage(channelID, message, ""); err != nil {
		m.logger.Error("pr nudge post failed", "pr", pr.Number, "error", err)
		return
	}
	if _, err := m.ledger.Append(ctx, m.projectName, events.KindPRNudge, author.Name, "pr_alignment", message, pr.URL); err != nil {
		m.logger.Error("pr nudge event failed", "pr", pr.Number, "error", err)
	}
}

// FormatNudge renders the channel message for one out-of-lane PR.
func FormatNudge(pr PullRequest, author DirectoryEntry, reason string) string {
	return fmt.Sprintf(
		":octocat: <@%s> opened <%s|PR #%d> `%s` — %s owns *%s*. %s",
		author.SlackID, pr.URL, pr.Number, pr.Title, author.Name, author.Role, reason,
	)
}

// APISource fetches pull requests through the GitHub REST API.
type APISource struct {
	client *gh.Client
	owner  string
	name   string
}

func NewAPISource(repo, token string) (*APISource, error) {
	owner, name, found := strings.Cut(repo, "/")
	if !found {
		return nil, fmt.Errorf("repo must be owner/name, got %q", repo)
	}
	client := gh.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &APISource{client: client, owner: owner, name: name}, nil
}

func (s *APISource) OpenPulls(ctx context.Context) ([]PullRequest, error) {
	pulls, _, err := s.client.PullRequests.List(ctx, s.owner, s.name, &gh.PullRequestListOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("list pulls: %w", err)
	}
	items := make([]PullRequest, 0, len(pulls))
	for _, pull := range pulls {
		items = append(items, PullRequest{
			Number:      pull.GetNumber(),
			Title:       pull.GetTitle(),
			URL:         pull.GetHTMLURL(),
			AuthorLogin: pull.GetUser().GetLogin(),
		})
	}
	return items, nil
}

func (s *APISource) LatestCommitMessage(ctx context.Context, number int) (string, error) {
	commits, _, err := s.client.PullRequests.ListCommits(ctx, s.owner, s.name, number, &gh.ListOptions{PerPage: 100})
	if err != nil {
		return "", fmt.Errorf("list pull commits: %w", err)
	}
	if len(commits) == 0 {
		return "", nil
	}
	return commits[len(commits)-1].GetCommit().GetMessage(), nil
}
