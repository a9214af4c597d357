// Package project owns the ground truth document and message log for
// each project. Every mutation is a full-text replace-and-persist; the
// in-memory copy is reloaded immediately after each write and serves all
// reads until the next one.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/alexwang0317/HumanAnd/internal/gitledger"
)

const (
	groundTruthFile = "ground_truth.txt"
	messagesFile    = "messages.txt"

	decisionLogPlaceholder = "(Bot will populate this as decisions are made)"
)

// ErrMemberNotFound means the user id has no Directory line. This is a
// normal outcome reported back to the user, not a fault.
var ErrMemberNotFound = errors.New("member not in directory")

var memberRefPattern = regexp.MustCompile(`<@(U[A-Z0-9]+)>`)

// Member describes one channel member for Directory rendering.
type Member struct {
	ID       string
	Name     string
	RealName string
	Title    string
}

// Committer records document snapshots in the version ledger. Commit
// failures are logged here and never surfaced to callers.
type Committer interface {
	Commit(project, snapshotPath, summary, approver string) gitledger.Outcome
}

// Compactor is the external summarization oracle.
type Compactor interface {
	Compact(ctx context.Context, groundTruth string) (string, error)
}

type state struct {
	groundTruth string
	messages    string
}

type Store struct {
	baseDir   string
	ledger    Committer
	compactor Compactor
	maxWords  int
	logger    *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	stateMu sync.Mutex
	cache   map[string]*state
}

func NewStore(baseDir string, ledger Committer, compactor Compactor, maxWords int) *Store {
	if maxWords <= 0 {
		maxWords = 1000
	}
	return &Store{
		baseDir:   baseDir,
		ledger:    ledger,
		compactor: compactor,
		maxWords:  maxWords,
		logger:    slog.Default(),
		locks:     make(map[string]*sync.Mutex),
		cache:     make(map[string]*state),
	}
}

// Initialize builds a fresh ground truth from the channel members and
// resets the message log. Safe to call again; it overwrites.
func (s *Store) Initialize(project string, members []Member) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	directoryLines := make([]string, 0, len(members))
	for _, member := range members {
		name := member.RealName
		if name == "" {
			name = member.Name
		}
		if name == "" {
			name = "Unknown"
		}
		line := fmt.Sprintf("* **%s** (<@%s>)", name, member.ID)
		if member.Title != "" {
			line += " — " + member.Title
		}
		directoryLines = append(directoryLines, line)
	}
	directory := "(No members found)"
	if len(directoryLines) > 0 {
		directory = strings.Join(directoryLines, "\n")
	}

	groundTruth := fmt.Sprintf(
		"# Project Ground Truth\n\n"+
			"## Core Objective\n"+
			"(Set your team's objective here)\n\n"+
			"## Directory & Responsibilities\n"+
			"%s\n\n"+
			"## AI Decision Log\n"+
			decisionLogPlaceholder+"\n",
		directory,
	)
	if err := s.writeFile(project, groundTruthFile, groundTruth); err != nil {
		return "", err
	}

	messagesHeader := fmt.Sprintf(
		"# Important messages for %s\n"+
			"# Format: YYYY-MM-DD HH:MM | <@user_id> | slack_permalink | category | summary\n",
		project,
	)
	if err := s.writeFile(project, messagesFile, messagesHeader); err != nil {
		return "", err
	}

	if err := s.reload(project); err != nil {
		return "", err
	}
	return fmt.Sprintf("Initialized project *%s* with %d team members.", project, len(members)), nil
}

// SetRole replaces the role suffix of the Directory line referencing
// userID. Returns ErrMemberNotFound when no line mentions the user.
func (s *Store) SetRole(project, userID, role string) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	content, err := s.loadLocked(project)
	if err != nil {
		return "", err
	}

	marker := fmt.Sprintf("(<@%s>)", userID)
	for _, line := range strings.Split(content.groundTruth, "\n") {
		if !strings.Contains(line, marker) {
			continue
		}
		prefix := strings.SplitN(line, marker, 2)[0] + marker
		newLine := fmt.Sprintf("%s — %s", prefix, role)
		updated := strings.Replace(content.groundTruth, line, newLine, 1)
		if err := s.writeFile(project, groundTruthFile, updated); err != nil {
			return "", err
		}
		if err := s.reload(project); err != nil {
			return "", err
		}
		return fmt.Sprintf("Updated your role: %s", role), nil
	}
	return "", ErrMemberNotFound
}

// ApplyUpdate appends a dated, attributed entry to the AI Decision Log.
// The first entry replaces the placeholder; later entries append after
// the document tail. The version ledger commit is best effort. Returns
// whether the document now exceeds the compaction threshold.
func (s *Store) ApplyUpdate(project, updateText, approvedBy string) (bool, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	content, err := s.loadLocked(project)
	if err != nil {
		return false, err
	}

	timestamp := time.Now().Format("2006-01-02")
	entry := fmt.Sprintf("* **%s:** %s (approved by <@%s>)", timestamp, updateText, approvedBy)

	groundTruth := content.groundTruth
	if strings.Contains(groundTruth, decisionLogPlaceholder) {
		groundTruth = strings.Replace(groundTruth, decisionLogPlaceholder, entry, 1)
	} else {
		groundTruth = strings.TrimRight(groundTruth, "\n") + "\n" + entry + "\n"
	}

	if err := s.writeFile(project, groundTruthFile, groundTruth); err != nil {
		return false, err
	}
	if err := s.reload(project); err != nil {
		return false, err
	}
	s.commit(project, updateText, approvedBy)
	return s.needsCompactionLocked(project), nil
}

// Compact replaces the whole document with the oracle's summary. The
// output is rejected when it drops every Directory member reference the
// previous document had; a summary that loses the roster would make
// every later directory validation report the whole team missing.
func (s *Store) Compact(ctx context.Context, project string) (string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	if s.compactor == nil {
		return "", fmt.Errorf("no compactor configured")
	}
	content, err := s.loadLocked(project)
	if err != nil {
		return "", err
	}

	compacted, err := s.compactor.Compact(ctx, content.groundTruth)
	if err != nil {
		return "", fmt.Errorf("compact ground truth: %w", err)
	}
	if len(memberRefs(content.groundTruth)) > 0 && len(memberRefs(compacted)) == 0 {
		return "", fmt.Errorf("compaction dropped every directory member, keeping previous document")
	}

	if err := s.writeFile(project, groundTruthFile, compacted); err != nil {
		return "", err
	}
	if err := s.reload(project); err != nil {
		return "", err
	}
	s.commit(project, "compacted ground truth", "bot")
	return compacted, nil
}

// LogMessage appends one entry to the pipe-delimited message log.
func (s *Store) LogMessage(project, author, permalink, category, summary string) error {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04")
	line := fmt.Sprintf("%s | <@%s> | %s | %s | %s\n", timestamp, author, permalink, category, summary)

	path := filepath.Join(s.baseDir, project, messagesFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	if _, err := file.WriteString(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("append message log: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close message log: %w", err)
	}
	return s.reload(project)
}

// ValidateDirectory returns the member ids referenced by the Directory
// section but absent from knownIDs, in Directory order, deduplicated.
func (s *Store) ValidateDirectory(project string, knownIDs []string) ([]string, error) {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	content, err := s.loadLocked(project)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = struct{}{}
	}

	var missing []string
	seen := make(map[string]struct{})
	for _, id := range memberRefs(content.groundTruth) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// GroundTruth returns the cached document text, loading it on first
// reference.
func (s *Store) GroundTruth(project string) string {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()
	content, err := s.loadLocked(project)
	if err != nil {
		return ""
	}
	return content.groundTruth
}

// Messages returns the cached message log text.
func (s *Store) Messages(project string) string {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()
	content, err := s.loadLocked(project)
	if err != nil {
		return ""
	}
	return content.messages
}

// NeedsCompaction reports whether the document exceeds the word limit.
func (s *Store) NeedsCompaction(project string) bool {
	lock := s.projectLock(project)
	lock.Lock()
	defer lock.Unlock()
	return s.needsCompactionLocked(project)
}

func (s *Store) needsCompactionLocked(project string) bool {
	content, err := s.loadLocked(project)
	if err != nil {
		return false
	}
	return len(strings.Fields(content.groundTruth)) > s.maxWords
}

// commit records the current snapshot in the version ledger. Failures
// are logged and swallowed: a missed audit commit must never block or
// undo the document mutation that triggered it.
func (s *Store) commit(project, summary, approver string) {
	if s.ledger == nil {
		return
	}
	path := filepath.Join(s.baseDir, project, groundTruthFile)
	outcome := s.ledger.Commit(project, path, summary, approver)
	if outcome.Failed() {
		s.logger.Warn("ground truth commit skipped", "project", project, "error", outcome.Err)
		return
	}
	s.logger.Info("ground truth committed", "project", project, "hash", outcome.Hash, "summary", summary)
}

func (s *Store) loadLocked(project string) (*state, error) {
	s.stateMu.Lock()
	cached, ok := s.cache[project]
	s.stateMu.Unlock()
	if ok {
		return cached, nil
	}
	if err := s.reload(project); err != nil {
		return nil, err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.cache[project], nil
}

func (s *Store) reload(project string) error {
	groundTruth, err := s.readFile(project, groundTruthFile)
	if err != nil {
		return err
	}
	messages, err := s.readFile(project, messagesFile)
	if err != nil {
		return err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.cache[project] = &state{groundTruth: groundTruth, messages: messages}
	return nil
}

func (s *Store) readFile(project, name string) (string, error) {
	payload, err := os.ReadFile(filepath.Join(s.baseDir, project, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return strings.TrimSpace(string(payload)), nil
}

func (s *Store) writeFile(project, name, content string) error {
	dir := filepath.Join(s.baseDir, project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *Store) projectLock(project string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[project]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[project] = lock
	return lock
}

// memberRefs extracts Directory member ids in order. Scanning is scoped
// to the Directory section when the heading survives; a compacted
// document without the heading falls back to the full text.
func memberRefs(groundTruth string) []string {
	section := directorySection(groundTruth)
	matches := memberRefPattern.FindAllStringSubmatch(section, -1)
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match[1])
	}
	return ids
}

func directorySection(groundTruth string) string {
	lines := strings.Split(groundTruth, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "## Directory") {
			start = i + 1
			break
		}
	}
	if start == -1 {
		return groundTruth
	}
	end := len(lines)
	for i := start; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") {
			end = i
			break
		}
	}
	return strings.Join(lines[start:end], "\n")
}
