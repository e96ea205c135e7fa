package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeYAY/SPACE/internal/store"
	"github.com/codeYAY/SPACE/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Messages ────────────────────────────────────────────────

func TestCreateAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &models.Message{
		ProjectID: "proj-1",
		Content:   "Here you go",
		Role:      models.RoleAssistant,
		Type:      models.MessageResult,
		Fragment: &models.Fragment{
			SandboxURL: "https://3000-sbx.example.dev",
			Title:      "Todo App",
			Files:      models.FileCollection{"app/page.tsx": "export default 1"},
		},
	}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("CreateMessage() did not assign id and timestamp: %+v", msg)
	}
	if msg.Fragment.ID == "" || msg.Fragment.MessageID != msg.ID {
		t.Errorf("fragment = %+v, want linked to %q", msg.Fragment, msg.ID)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if got.Fragment == nil || got.Fragment.Files["app/page.tsx"] != "export default 1" {
		t.Errorf("GetMessage().Fragment = %+v", got.Fragment)
	}

	// Mutating the caller's copy must not leak into the store.
	msg.Fragment.Files["app/page.tsx"] = "changed"
	got, _ = s.GetMessage(ctx, msg.ID)
	if got.Fragment.Files["app/page.tsx"] != "export default 1" {
		t.Errorf("store shares file map with caller")
	}
}

func TestCreateMessage_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &models.Message{ID: "m-1", ProjectID: "p", Content: "first", Role: models.RoleAssistant, Type: models.MessageResult}
	if err := s.CreateMessage(ctx, first); err != nil {
		t.Fatalf("CreateMessage() first call error = %v", err)
	}
	second := &models.Message{ID: "m-1", ProjectID: "p", Content: "second", Role: models.RoleAssistant, Type: models.MessageResult}
	if err := s.CreateMessage(ctx, second); err != nil {
		t.Fatalf("CreateMessage() second call error = %v", err)
	}

	got, _ := s.GetMessage(ctx, "m-1")
	if got.Content != "first" {
		t.Errorf("Content = %q, want %q", got.Content, "first")
	}
	list, _ := s.ListRecentMessages(ctx, "p", 10)
	if len(list) != 1 {
		t.Errorf("ListRecentMessages() len = %d, want 1", len(list))
	}
}

func TestListRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		s.CreateMessage(ctx, &models.Message{
			ProjectID: "proj-1",
			Content:   string(rune('a' + i)),
			Role:      models.RoleUser,
			Type:      models.MessageResult,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	s.CreateMessage(ctx, &models.Message{ProjectID: "other", Content: "x", Role: models.RoleUser, Type: models.MessageResult})

	got, err := s.ListRecentMessages(ctx, "proj-1", 5)
	if err != nil {
		t.Fatalf("ListRecentMessages() error = %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("ListRecentMessages() len = %d, want 5", len(got))
	}
	want := []string{"g", "f", "e", "d", "c"}
	for i, m := range got {
		if m.Content != want[i] {
			t.Errorf("ListRecentMessages()[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestListRecentMessages_SameTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.CreateMessage(ctx, &models.Message{ProjectID: "p", Content: "older", CreatedAt: at})
	s.CreateMessage(ctx, &models.Message{ProjectID: "p", Content: "newer", CreatedAt: at})

	got, _ := s.ListRecentMessages(ctx, "p", 5)
	if len(got) != 2 || got[0].Content != "newer" {
		t.Errorf("ListRecentMessages() = %+v, want insertion order newest first", got)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMessage(context.Background(), "missing")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetMessage() error = %v, want ErrNotFound", err)
	}
	if nf.Error() != "message not found: missing" {
		t.Errorf("Error() = %q", nf.Error())
	}
}

// ─── Runs ────────────────────────────────────────────────────

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.WorkflowRun{CorrelationKey: "proj-1", ProjectID: "proj-1", Prompt: "build a todo app", Status: models.RunPending}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.ID == "" || run.StartedAt.IsZero() {
		t.Fatalf("CreateRun() did not assign id and start time")
	}

	done := time.Now().UTC()
	run.Status = models.RunCompleted
	run.Files = models.FileCollection{"a.txt": "1"}
	run.CompletedAt = &done
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun() error = %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != models.RunCompleted || got.Files["a.txt"] != "1" || got.CompletedAt == nil {
		t.Errorf("GetRun() = %+v", got)
	}
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(context.Background(), &models.WorkflowRun{ID: "nope"})
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("UpdateRun() error = %v, want ErrNotFound", err)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.CreateRun(ctx, &models.WorkflowRun{ID: "r1", ProjectID: "a", StartedAt: base})
	s.CreateRun(ctx, &models.WorkflowRun{ID: "r2", ProjectID: "b", StartedAt: base.Add(time.Minute)})
	s.CreateRun(ctx, &models.WorkflowRun{ID: "r3", ProjectID: "a", StartedAt: base.Add(2 * time.Minute)})

	all, _ := s.ListRuns(ctx, "", 0)
	if len(all) != 3 || all[0].ID != "r3" {
		t.Errorf("ListRuns(all) = %+v", all)
	}
	onlyA, _ := s.ListRuns(ctx, "a", 0)
	if len(onlyA) != 2 || onlyA[0].ID != "r3" || onlyA[1].ID != "r1" {
		t.Errorf("ListRuns(a) = %+v", onlyA)
	}
	limited, _ := s.ListRuns(ctx, "", 1)
	if len(limited) != 1 {
		t.Errorf("ListRuns(limit 1) len = %d", len(limited))
	}
}

// ─── Persistence ─────────────────────────────────────────────

func TestCloseFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "snapshot.json")
	s := store.NewMemoryStore(path)

	ctx := context.Background()
	s.CreateMessage(ctx, &models.Message{ID: "persist-me", ProjectID: "p", Content: "hi", Role: models.RoleUser})
	s.CreateRun(ctx, &models.WorkflowRun{ID: "run-1", ProjectID: "p"})

	// Close should flush to disk
	s.Close()

	// Reopen and verify data survived
	s2 := store.NewMemoryStore(path)
	defer s2.Close()

	got, err := s2.GetMessage(ctx, "persist-me")
	if err != nil {
		t.Fatalf("After reopen, GetMessage() error = %v", err)
	}
	if got.Content != "hi" {
		t.Errorf("After reopen, content = %q, want %q", got.Content, "hi")
	}
	if _, err := s2.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("After reopen, GetRun() error = %v", err)
	}

	// New messages keep ordering after the reload.
	at := got.CreatedAt
	s2.CreateMessage(ctx, &models.Message{ProjectID: "p", Content: "later", CreatedAt: at})
	list, _ := s2.ListRecentMessages(ctx, "p", 5)
	if len(list) != 2 || list[0].Content != "later" {
		t.Errorf("After reopen, ListRecentMessages() = %+v", list)
	}
}
