package project

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alexwang0317/HumanAnd/internal/gitledger"
)

type commitCall struct {
	project  string
	summary  string
	approver string
}

type fakeLedger struct {
	mu      sync.Mutex
	commits []commitCall
	fail    bool
}

func (f *fakeLedger) Commit(project, snapshotPath, summary, approver string) gitledger.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return gitledger.Outcome{Err: errors.New("git unavailable")}
	}
	f.commits = append(f.commits, commitCall{project: project, summary: summary, approver: approver})
	return gitledger.Outcome{Hash: "abc123"}
}

type fakeCompactor struct {
	output string
	err    error
	input  string
}

func (f *fakeCompactor) Compact(_ context.Context, groundTruth string) (string, error) {
	f.input = groundTruth
	return f.output, f.err
}

func newTestStore(t *testing.T) (*Store, *fakeLedger) {
	t.Helper()
	ledger := &fakeLedger{}
	return NewStore(t.TempDir(), ledger, nil, 1000), ledger
}

func TestInitializeRendersDirectory(t *testing.T) {
	store, _ := newTestStore(t)
	confirmation, err := store.Initialize("alpha", []Member{
		{ID: "U1", RealName: "Alex", Name: "alex", Title: "Eng"},
	})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if confirmation != "Initialized project *alpha* with 1 team members." {
		t.Fatalf("unexpected confirmation: %q", confirmation)
	}

	doc := store.GroundTruth("alpha")
	if !strings.Contains(doc, "* **Alex** (<@U1>) — Eng") {
		t.Fatalf("directory line missing from document:\n%s", doc)
	}
	if !strings.Contains(doc, "## Core Objective") || !strings.Contains(doc, "## AI Decision Log") {
		t.Fatalf("section headings missing:\n%s", doc)
	}
	if !strings.Contains(store.Messages("alpha"), "# Important messages for alpha") {
		t.Fatal("message log header missing")
	}
}

func TestInitializeWithoutMembers(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", nil); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !strings.Contains(store.GroundTruth("alpha"), "(No members found)") {
		t.Fatal("expected placeholder marker for empty directory")
	}
}

func TestInitializeOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	if _, err := store.ApplyUpdate("alpha", "Switch to Postgres", "U1"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if _, err := store.Initialize("alpha", []Member{{ID: "U2", RealName: "Sam"}}); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	doc := store.GroundTruth("alpha")
	if strings.Contains(doc, "Switch to Postgres") {
		t.Fatal("re-initialize should reset the decision log")
	}
	if !strings.Contains(doc, "<@U2>") {
		t.Fatal("new directory missing")
	}
}

func TestSetRoleReplacesSuffix(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex", Title: "Eng"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	confirmation, err := store.SetRole("alpha", "U1", "Backend")
	if err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}
	if confirmation != "Updated your role: Backend" {
		t.Fatalf("unexpected confirmation: %q", confirmation)
	}
	doc := store.GroundTruth("alpha")
	if !strings.Contains(doc, "* **Alex** (<@U1>) — Backend") {
		t.Fatalf("role not replaced:\n%s", doc)
	}
	if strings.Contains(doc, "Eng") {
		t.Fatalf("old role still present:\n%s", doc)
	}
}

func TestSetRoleUnknownUser(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := store.SetRole("alpha", "U9", "Backend"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestApplyUpdateReplacesPlaceholderThenAppends(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if _, err := store.ApplyUpdate("alpha", "Switch to Postgres", "U1"); err != nil {
		t.Fatalf("first ApplyUpdate() error = %v", err)
	}
	doc := store.GroundTruth("alpha")
	if strings.Contains(doc, "(Bot will populate this as decisions are made)") {
		t.Fatal("placeholder should be replaced by the first entry")
	}
	if !strings.Contains(doc, "Switch to Postgres (approved by <@U1>)") {
		t.Fatalf("first entry missing:\n%s", doc)
	}

	if _, err := store.ApplyUpdate("alpha", "Weekly deploys on Friday", "U2"); err != nil {
		t.Fatalf("second ApplyUpdate() error = %v", err)
	}
	doc = store.GroundTruth("alpha")
	if !strings.Contains(doc, "Switch to Postgres (approved by <@U1>)") {
		t.Fatal("first entry changed by unrelated second entry")
	}
	if !strings.Contains(doc, "Weekly deploys on Friday (approved by <@U2>)") {
		t.Fatalf("second entry missing:\n%s", doc)
	}
	if strings.Index(doc, "Switch to Postgres") > strings.Index(doc, "Weekly deploys") {
		t.Fatal("entries out of order")
	}
}

func TestApplyUpdateCommitsToLedger(t *testing.T) {
	store, ledger := newTestStore(t)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := store.ApplyUpdate("alpha", "Switch to Postgres", "U1"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if len(ledger.commits) != 1 {
		t.Fatalf("ledger commits = %d, want 1", len(ledger.commits))
	}
	call := ledger.commits[0]
	if call.project != "alpha" || call.summary != "Switch to Postgres" || call.approver != "U1" {
		t.Fatalf("unexpected commit call: %+v", call)
	}
}

func TestApplyUpdateSurvivesLedgerFailure(t *testing.T) {
	ledger := &fakeLedger{fail: true}
	store := NewStore(t.TempDir(), ledger, nil, 1000)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := store.ApplyUpdate("alpha", "Switch to Postgres", "U1"); err != nil {
		t.Fatalf("ApplyUpdate() should swallow ledger failure, got %v", err)
	}
	if !strings.Contains(store.GroundTruth("alpha"), "Switch to Postgres") {
		t.Fatal("document mutation lost on ledger failure")
	}
}

func TestApplyUpdateReportsCompactionThreshold(t *testing.T) {
	store := NewStore(t.TempDir(), &fakeLedger{}, nil, 10)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	needsCompaction, err := store.ApplyUpdate("alpha", "a very long decision entry exceeding the tiny limit", "U1")
	if err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if !needsCompaction {
		t.Fatal("expected compaction flag with a 10 word limit")
	}
}

func TestCompactReplacesDocument(t *testing.T) {
	compactor := &fakeCompactor{output: "# Project Ground Truth\n\n## Directory & Responsibilities\n* **Alex** (<@U1>)\n\n## AI Decision Log\n* condensed\n"}
	ledger := &fakeLedger{}
	store := NewStore(t.TempDir(), ledger, compactor, 1000)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	compacted, err := store.Compact(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if !strings.Contains(compacted, "* condensed") {
		t.Fatalf("unexpected compacted text: %q", compacted)
	}
	if store.GroundTruth("alpha") != strings.TrimSpace(compactor.output) {
		t.Fatal("document not replaced by oracle output")
	}
	if compactor.input == "" {
		t.Fatal("compactor should receive the full current document")
	}
	last := ledger.commits[len(ledger.commits)-1]
	if last.summary != "compacted ground truth" || last.approver != "bot" {
		t.Fatalf("unexpected compaction commit: %+v", last)
	}
}

func TestCompactRejectsOutputWithoutDirectory(t *testing.T) {
	compactor := &fakeCompactor{output: "# Project Ground Truth\n\nEverything important, no roster.\n"}
	store := NewStore(t.TempDir(), &fakeLedger{}, compactor, 1000)
	if _, err := store.Initialize("alpha", []Member{{ID: "U1", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	before := store.GroundTruth("alpha")

	if _, err := store.Compact(context.Background(), "alpha"); err == nil {
		t.Fatal("expected compaction to be rejected when the roster is dropped")
	}
	if store.GroundTruth("alpha") != before {
		t.Fatal("document changed despite rejected compaction")
	}
}

func TestLogMessageAppends(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", nil); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := store.LogMessage("alpha", "U123", "https://slack.com/archives/C1/p111", "decision", "Switch to Postgres"); err != nil {
		t.Fatalf("LogMessage() error = %v", err)
	}
	messages := store.Messages("alpha")
	for _, want := range []string{"<@U123>", "decision", "Switch to Postgres", "https://slack.com/archives/C1/p111"} {
		if !strings.Contains(messages, want) {
			t.Fatalf("message log missing %q:\n%s", want, messages)
		}
	}
}

func TestValidateDirectory(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", []Member{
		{ID: "U111", RealName: "Alex"},
		{ID: "U222", RealName: "Sam"},
		{ID: "U333", RealName: "Kai"},
	}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	missing, err := store.ValidateDirectory("alpha", []string{"U111", "U333"})
	if err != nil {
		t.Fatalf("ValidateDirectory() error = %v", err)
	}
	if len(missing) != 1 || missing[0] != "U222" {
		t.Fatalf("missing = %v, want [U222]", missing)
	}

	missing, err = store.ValidateDirectory("alpha", nil)
	if err != nil {
		t.Fatalf("ValidateDirectory() error = %v", err)
	}
	want := []string{"U111", "U222", "U333"}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("missing = %v, want %v (order preserved)", missing, want)
		}
	}
}

func TestValidateDirectoryIgnoresDecisionLogMentions(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Initialize("alpha", []Member{{ID: "U111", RealName: "Alex"}}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	// Approver U999 shows up in the decision log, not the directory.
	if _, err := store.ApplyUpdate("alpha", "Switch to Postgres", "U999"); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	missing, err := store.ValidateDirectory("alpha", nil)
	if err != nil {
		t.Fatalf("ValidateDirectory() error = %v", err)
	}
	if len(missing) != 1 || missing[0] != "U111" {
		t.Fatalf("missing = %v, want [U111]", missing)
	}
}
