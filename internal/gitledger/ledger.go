// Package gitledger keeps a best-effort audit history of every ground
// truth revision in a dedicated bare git repository, one branch per
// project. Commits go through a scratch clone so concurrent projects
// never share a working copy.
package gitledger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotName = "ground_truth.txt"

// Outcome is the result of a Commit. A failed commit is something the
// caller logs, never something it propagates: the document mutation that
// triggered the commit has already happened.
type Outcome struct {
	Hash string
	Err  error
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

type CommitInfo struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

type Ledger struct {
	repoDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(repoDir string) *Ledger {
	return &Ledger{
		repoDir: repoDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records the snapshot file as the new tip of the project's
// branch. The branch is created from the repository's current tip the
// first time a project commits; the scratch clone is removed regardless
// of outcome.
func (l *Ledger) Commit(project, snapshotPath, summary, approver string) Outcome {
	lock := l.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	if err := l.ensureRepo(); err != nil {
		return Outcome{Err: err}
	}

	branch := branchName(project)
	hasBranch, err := l.ensureBranch(branch)
	if err != nil {
		return Outcome{Err: err}
	}

	scratch, err := os.MkdirTemp("", "gt-")
	if err != nil {
		return Outcome{Err: fmt.Errorf("create scratch dir: %w", err)}
	}
	defer os.RemoveAll(scratch)

	message := fmt.Sprintf("ground truth: %s (approved by %s)", summary, approver)
	if hasBranch {
		hash, err := l.commitOnClone(scratch, branch, project, snapshotPath, approver, message)
		if err != nil {
			return Outcome{Err: err}
		}
		return Outcome{Hash: hash}
	}
	hash, err := l.commitOrphan(scratch, branch, project, snapshotPath, approver, message)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Hash: hash}
}

// History returns the project branch's commits, newest first.
func (l *Ledger) History(project string, limit int) ([]CommitInfo, error) {
	lock := l.projectLock(project)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(l.repoDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName(project)), true)
	if err != nil {
		return nil, fmt.Errorf("resolve project branch: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, CommitInfo{
			Hash:    commitObj.Hash.String(),
			Message: commitObj.Message,
			Author:  commitObj.Author.Name,
			When:    commitObj.Author.When,
		})
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (l *Ledger) ensureRepo() error {
	if _, err := os.Stat(l.repoDir); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat ledger repo: %w", err)
	}
	if err := os.MkdirAll(l.repoDir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if _, err := git.PlainInit(l.repoDir, true); err != nil {
		return fmt.Errorf("init ledger repo: %w", err)
	}
	return nil
}

// ensureBranch creates the branch from the repository tip when absent.
// Returns whether the branch exists afterwards; an empty repository has
// no tip to branch from, so the first commit starts an orphan history.
func (l *Ledger) ensureBranch(branch string) (bool, error) {
	repo, err := git.PlainOpen(l.repoDir)
	if err != nil {
		return false, fmt.Errorf("open ledger repo: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err == nil {
		return true, nil
	}
	head, err := repo.Head()
	if err != nil {
		return false, nil
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, head.Hash())); err != nil {
		return false, fmt.Errorf("create branch ref: %w", err)
	}
	return true, nil
}

func (l *Ledger) commitOnClone(scratch, branch, project, snapshotPath, approver, message string) (string, error) {
	clone, err := git.PlainClone(scratch, false, &git.CloneOptions{
		URL:           l.repoDir,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		return "", fmt.Errorf("clone project branch: %w", err)
	}
	hash, err := stageAndCommit(clone, scratch, project, snapshotPath, approver, message)
	if err != nil {
		return "", err
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err := clone.Push(&git.PushOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{refSpec}}); err != nil {
		return "", fmt.Errorf("push project branch: %w", err)
	}
	return hash, nil
}

func (l *Ledger) commitOrphan(scratch, branch, project, snapshotPath, approver, message string) (string, error) {
	clone, err := git.PlainInit(scratch, false)
	if err != nil {
		return "", fmt.Errorf("init scratch repo: %w", err)
	}
	hash, err := stageAndCommit(clone, scratch, project, snapshotPath, approver, message)
	if err != nil {
		return "", err
	}
	head, err := clone.Head()
	if err != nil {
		return "", fmt.Errorf("resolve scratch head: %w", err)
	}
	if _, err := clone.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{l.repoDir},
	}); err != nil {
		return "", fmt.Errorf("add ledger remote: %w", err)
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:refs/heads/%s", head.Name(), branch))
	if err := clone.Push(&git.PushOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{refSpec}}); err != nil {
		return "", fmt.Errorf("push project branch: %w", err)
	}
	return hash, nil
}

func stageAndCommit(repo *git.Repository, scratch, project, snapshotPath, approver, message string) (string, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	rel := filepath.Join("projects", project, snapshotName)
	dest := filepath.Join(scratch, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	payload, err := os.ReadFile(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	if err := os.WriteFile(dest, payload, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot copy: %w", err)
	}

	if _, err := worktree.Add(rel); err != nil {
		return "", fmt.Errorf("git add snapshot: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  approver,
			Email: fmt.Sprintf("%s@humanand.local", sanitizeEmail(approver)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	return hash.String(), nil
}

func (l *Ledger) projectLock(project string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	lock, ok := l.locks[project]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	l.locks[project] = lock
	return lock
}

func branchName(project string) string {
	return "project/" + project
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "bot"
	}
	return string(runes)
}
