// Package dashboard exports per-project data as JSON for the static
// dashboard and deploys the site. Thin I/O over the message log and the
// event ledger.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/alexwang0317/HumanAnd/internal/events"
)

var (
	userRefPattern = regexp.MustCompile(`<@([A-Z0-9]+)>`)
	pagesURLRegexp = regexp.MustCompile(`https://[\w.-]+\.pages\.dev`)
)

type TimelineEntry struct {
	Timestamp string `json:"timestamp"`
	User      string `json:"user"`
	Permalink string `json:"permalink"`
	Category  string `json:"category"`
	Summary   string `json:"summary"`
	Project   string `json:"project,omitempty"`
}

type ExportedEvent struct {
	ID          int64  `json:"id"`
	Timestamp   string `json:"timestamp"`
	Kind        string `json:"kind"`
	Author      string `json:"author"`
	Category    string `json:"category"`
	Content     string `json:"content"`
	Permalink   string `json:"permalink"`
	Disposition string `json:"disposition,omitempty"`
	DecidedBy   string `json:"decided_by,omitempty"`
	Project     string `json:"project"`
}

type Stats struct {
	ByType               map[string]int `json:"by_type"`
	ByCategory           map[string]int `json:"by_category"`
	ByDay                map[string]int `json:"by_day"`
	TotalEvents          int            `json:"total_events"`
	TotalWithDisposition int            `json:"total_with_disposition"`
	TotalApproved        int            `json:"total_approved"`
	AcceptanceRate       int            `json:"acceptance_rate"`
}

type Service struct {
	projectsDir  string
	dashboardDir string
	pagesProject string
	ledger       *events.Ledger
	logger       *slog.Logger
}

func NewService(projectsDir, dashboardDir, pagesProject string, ledger *events.Ledger) *Service {
	return &Service{
		projectsDir:  projectsDir,
		dashboardDir: dashboardDir,
		pagesProject: pagesProject,
		ledger:       ledger,
		logger:       slog.Default(),
	}
}

// Export writes one project's timeline, changes, misalignments, and
// stats under <dashboardDir>/data.
func (s *Service) Export(projectName string) error {
	dataDir := filepath.Join(s.dashboardDir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	payload, err := os.ReadFile(filepath.Join(s.projectsDir, projectName, "messages.txt"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read message log: %w", err)
	}
	timeline := ParseMessages(string(payload))
	for i := range timeline {
		timeline[i].Project = projectName
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp < timeline[j].Timestamp
	})

	var changes, misalignments []ExportedEvent
	stats := make(map[string]Stats)
	allEvents, err := s.ledger.List(context.Background(), projectName, 500)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	for _, event := range allEvents {
		exported := ExportedEvent{
			ID:          event.ID,
			Timestamp:   event.Timestamp,
			Kind:        event.Kind,
			Author:      event.Author,
			Category:    event.Category,
			Content:     event.Content,
			Permalink:   event.Permalink,
			Disposition: event.Disposition,
			DecidedBy:   event.DecidedBy,
			Project:     projectName,
		}
		switch event.Kind {
		case events.KindUpdate:
			changes = append(changes, exported)
		case events.KindMisalign, events.KindQuestion:
			misalignments = append(misalignments, exported)
		}
	}
	stats[projectName] = BuildStats(allEvents)

	files := map[string]any{
		"meta.json":          map[string]string{"project": projectName},
		"timeline.json":      timeline,
		"changes.json":       changes,
		"misalignments.json": misalignments,
		"stats.json":         stats,
	}
	for name, data := range files {
		if err := writeJSON(filepath.Join(dataDir, name), data); err != nil {
			return err
		}
	}
	s.logger.Info("dashboard exported", "project", projectName, "timeline", len(timeline), "changes", len(changes), "misalignments", len(misalignments))
	return nil
}

// Deploy exports and publishes via wrangler, returning the deployment
// URL scraped from its output.
func (s *Service) Deploy(projectName string) (string, error) {
	if err := s.Export(projectName); err != nil {
		return "", err
	}
	cmd := exec.Command(
		"npx", "wrangler", "pages", "deploy", s.dashboardDir,
		"--project-name", s.pagesProject, "--commit-dirty=true",
	)
	output, err := cmd.CombinedOutput()
	s.logger.Info("wrangler finished", "project", projectName, "output", string(output))
	if match := pagesURLRegexp.FindString(string(output)); match != "" {
		return match, nil
	}
	if err != nil {
		return "", fmt.Errorf("deploy failed: %s", strings.TrimSpace(string(output)))
	}
	return fmt.Sprintf("https://%s.pages.dev", s.pagesProject), nil
}

// ParseMessages turns the pipe-delimited message log into structured
// entries, skipping comments and malformed lines.
func ParseMessages(content string) []TimelineEntry {
	var entries []TimelineEntry
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, " | ", 5)
		if len(parts) < 5 {
			continue
		}
		user := strings.TrimSpace(parts[1])
		if match := userRefPattern.FindStringSubmatch(user); match != nil {
			user = match[1]
		}
		entries = append(entries, TimelineEntry{
			Timestamp: strings.TrimSpace(parts[0]),
			User:      user,
			Permalink: strings.TrimSpace(parts[2]),
			Category:  strings.TrimSpace(parts[3]),
			Summary:   strings.TrimSpace(parts[4]),
		})
	}
	return entries
}

// BuildStats aggregates event counts and the acceptance rate.
func BuildStats(items []events.Event) Stats {
	stats := Stats{
		ByType:      make(map[string]int),
		ByCategory:  make(map[string]int),
		ByDay:       make(map[string]int),
		TotalEvents: len(items),
	}
	for _, event := range items {
		stats.ByType[event.Kind]++
		stats.ByCategory[event.Category]++
		if len(event.Timestamp) >= 10 {
			stats.ByDay[event.Timestamp[:10]]++
		}
		if event.Disposition != "" {
			stats.TotalWithDisposition++
			if event.Disposition == events.DispositionApproved {
				stats.TotalApproved++
			}
		}
	}
	if stats.TotalWithDisposition > 0 {
		stats.AcceptanceRate = int(float64(stats.TotalApproved)/float64(stats.TotalWithDisposition)*100 + 0.5)
	}
	return stats
}

func writeJSON(path string, data any) error {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
