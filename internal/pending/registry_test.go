package pending

import (
	"sync"
	"testing"
)

func TestPopUpdateIsAtomic(t *testing.T) {
	registry := NewRegistry()
	registry.PutUpdate("1700000000.000100", Update{Text: "Switch to Postgres", Project: "alpha"})

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan Update, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if update, ok := registry.PopUpdate("1700000000.000100"); ok {
				wins <- update
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}
}

func TestPopAbsentKeyIsNoOp(t *testing.T) {
	registry := NewRegistry()
	if _, ok := registry.PopUpdate("missing"); ok {
		t.Fatal("expected no pending update")
	}
	if _, ok := registry.PopNudge("missing"); ok {
		t.Fatal("expected no pending nudge")
	}
}

func TestPoolsAreIndependent(t *testing.T) {
	registry := NewRegistry()
	registry.PutUpdate("key", Update{Text: "change"})
	registry.PutNudge("key", Nudge{Text: "nudge"})

	if _, ok := registry.PopNudge("key"); !ok {
		t.Fatal("nudge missing")
	}
	if !registry.HasUpdate("key") {
		t.Fatal("popping a nudge must not consume the update with the same key")
	}
}

func TestPopUpdateByThread(t *testing.T) {
	registry := NewRegistry()
	registry.PutUpdate("proposal-ts", Update{Text: "change", ThreadTS: "root-ts"})

	update, ok := registry.PopUpdateByThread("root-ts")
	if !ok || update.Text != "change" {
		t.Fatalf("PopUpdateByThread() = %+v, %v", update, ok)
	}
	// The reaction channel must now lose the race.
	if _, ok := registry.PopUpdate("proposal-ts"); ok {
		t.Fatal("key should be gone after thread resolution")
	}
}

func TestPopNudgeByThread(t *testing.T) {
	registry := NewRegistry()
	registry.PutNudge("proposal-ts", Nudge{Text: "question", ThreadTS: "root-ts"})

	if _, ok := registry.PopNudgeByThread("other-ts"); ok {
		t.Fatal("unrelated thread must not resolve the nudge")
	}
	if _, ok := registry.PopNudgeByThread("root-ts"); !ok {
		t.Fatal("nudge not found by thread")
	}
	if registry.HasNudge("proposal-ts") {
		t.Fatal("nudge should be removed after thread resolution")
	}
}
