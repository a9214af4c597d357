package dashboard

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexwang0317/HumanAnd/internal/events"
)

func TestParseMessages(t *testing.T) {
	content := `# Important messages for alpha
# Format: YYYY-MM-DD HH:MM | <@user_id> | slack_permalink | category | summary

2026-03-01 09:15 | <@U1> | https://slack.test/p1 | decision | Use Postgres
2026-03-02 10:00 | <@U2> | https://slack.test/p2 | blocker | CI is down | with extra pipe
not a log line
2026-03-03 11:30 | U3 | https://slack.test/p3 | general | Plain user id
`
	entries := ParseMessages(content)
	if len(entries) != 3 {
		t.Fatalf("want 3 entries, got %d: %+v", len(entries), entries)
	}
	first := entries[0]
	if first.Timestamp != "2026-03-01 09:15" || first.User != "U1" || first.Category != "decision" || first.Summary != "Use Postgres" {
		t.Fatalf("unexpected entry: %+v", first)
	}
	// The summary is the final field; extra pipes stay inside it.
	if entries[1].Summary != "CI is down | with extra pipe" {
		t.Fatalf("summary split too eagerly: %q", entries[1].Summary)
	}
	if entries[2].User != "U3" {
		t.Fatalf("bare user id mangled: %q", entries[2].User)
	}
}

func TestBuildStats(t *testing.T) {
	items := []events.Event{
		{Kind: events.KindUpdate, Category: "decision", Timestamp: "2026-03-01 09:15:00", Disposition: events.DispositionApproved},
		{Kind: events.KindUpdate, Category: "decision", Timestamp: "2026-03-01 10:00:00", Disposition: events.DispositionApproved},
		{Kind: events.KindUpdate, Category: "scope", Timestamp: "2026-03-02 09:00:00", Disposition: events.DispositionRejected},
		{Kind: events.KindRoute, Category: "ownership", Timestamp: "2026-03-02 11:00:00"},
	}
	stats := BuildStats(items)
	if stats.TotalEvents != 4 || stats.TotalWithDisposition != 3 || stats.TotalApproved != 2 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.AcceptanceRate != 67 {
		t.Fatalf("AcceptanceRate = %d, want 67", stats.AcceptanceRate)
	}
	if stats.ByType[events.KindUpdate] != 3 || stats.ByType[events.KindRoute] != 1 {
		t.Fatalf("unexpected by_type: %v", stats.ByType)
	}
	if stats.ByDay["2026-03-01"] != 2 || stats.ByDay["2026-03-02"] != 2 {
		t.Fatalf("unexpected by_day: %v", stats.ByDay)
	}
}

func TestBuildStatsEmpty(t *testing.T) {
	stats := BuildStats(nil)
	if stats.TotalEvents != 0 || stats.AcceptanceRate != 0 {
		t.Fatalf("unexpected zero-value stats: %+v", stats)
	}
}

func TestExport(t *testing.T) {
	projectsDir := t.TempDir()
	dashboardDir := t.TempDir()
	ledger := events.New(t.TempDir())
	t.Cleanup(func() { ledger.Close() })

	projectDir := filepath.Join(projectsDir, "alpha")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatal(err)
	}
	messages := "# Important messages for alpha\n2026-03-01 09:15 | <@U1> | https://slack.test/p1 | decision | Use Postgres\n"
	if err := os.WriteFile(filepath.Join(projectDir, "messages.txt"), []byte(messages), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	updateID, err := ledger.Append(ctx, "alpha", events.KindUpdate, "U1", "decision", "Use Postgres", "https://slack.test/p1")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := ledger.SetDisposition(ctx, "alpha", updateID, events.DispositionApproved, "U2"); err != nil {
		t.Fatalf("SetDisposition() error = %v", err)
	}
	if _, err := ledger.Append(ctx, "alpha", events.KindMisalign, "U3", "scope", "building a side quest", "https://slack.test/p2"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	service := NewService(projectsDir, dashboardDir, "alpha-dash", ledger)
	if err := service.Export("alpha"); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	var timeline []TimelineEntry
	readJSON(t, filepath.Join(dashboardDir, "data", "timeline.json"), &timeline)
	if len(timeline) != 1 || timeline[0].Project != "alpha" || timeline[0].User != "U1" {
		t.Fatalf("unexpected timeline: %+v", timeline)
	}

	var changes []ExportedEvent
	readJSON(t, filepath.Join(dashboardDir, "data", "changes.json"), &changes)
	if len(changes) != 1 || changes[0].Kind != events.KindUpdate || changes[0].Disposition != events.DispositionApproved {
		t.Fatalf("unexpected changes: %+v", changes)
	}

	var misalignments []ExportedEvent
	readJSON(t, filepath.Join(dashboardDir, "data", "misalignments.json"), &misalignments)
	if len(misalignments) != 1 || misalignments[0].Kind != events.KindMisalign {
		t.Fatalf("unexpected misalignments: %+v", misalignments)
	}

	var stats map[string]Stats
	readJSON(t, filepath.Join(dashboardDir, "data", "stats.json"), &stats)
	if stats["alpha"].TotalEvents != 2 || stats["alpha"].TotalApproved != 1 {
		t.Fatalf("unexpected stats: %+v", stats["alpha"])
	}

	var meta map[string]string
	readJSON(t, filepath.Join(dashboardDir, "data", "meta.json"), &meta)
	if meta["project"] != "alpha" {
		t.Fatalf("unexpected meta: %v", meta)
	}
}

func TestExportWithoutMessageLog(t *testing.T) {
	ledger := events.New(t.TempDir())
	t.Cleanup(func() { ledger.Close() })
	service := NewService(t.TempDir(), t.TempDir(), "alpha-dash", ledger)
	if err := service.Export("alpha"); err != nil {
		t.Fatalf("Export() on a fresh project must succeed, got %v", err)
	}
}

func readJSON(t *testing.T, path string, out any) {
	t.Helper()
	payload, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		t.Fatalf("unmarshal %s: %v", path, err)
	}
}
