package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	zeus "github.com/ovfarias/zeus"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(filepath.Join(t.TempDir(), "test.db"))
	if err := q.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueue(t *testing.T, q *Queue, task zeus.Task) *zeus.Task {
	t.Helper()
	if err := q.Enqueue(context.Background(), &task); err != nil {
		t.Fatal(err)
	}
	return &task
}

func TestEnqueueFillsDefaults(t *testing.T) {
	q := newTestQueue(t)
	task := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "hello"})

	if task.ID == "" {
		t.Error("ID not generated")
	}
	if task.Status != zeus.StatusPending {
		t.Errorf("status = %s", task.Status)
	}

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserMessage != "hello" || got.ConversationID != "c1" {
		t.Errorf("got %+v", got)
	}
}

func TestEnqueuePersistsModelsAndFiles(t *testing.T) {
	q := newTestQueue(t)
	task := enqueue(t, q, zeus.Task{
		ConversationID: "c1",
		UserMessage:    "hi",
		Models:         zeus.ModelSelection{Primary: "m1", Secondary: "m2"},
		AttachedFiles:  []zeus.AttachedFile{{Name: "a.txt", Mime: "text/plain", Content: "abc"}},
	})

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Models.Primary != "m1" || got.Models.Secondary != "m2" {
		t.Errorf("models = %+v", got.Models)
	}
	if len(got.AttachedFiles) != 1 || got.AttachedFiles[0].Name != "a.txt" {
		t.Errorf("files = %+v", got.AttachedFiles)
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	q := newTestQueue(t)
	task := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "race me"})

	const claimers = 20
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	wg.Add(claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			defer wg.Done()
			ok, err := q.Claim(context.Background(), task.ID)
			if err != nil {
				t.Error(err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != zeus.StatusProcessing {
		t.Errorf("status = %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("started_at not set")
	}
}

func TestClaimMissingOrNonPending(t *testing.T) {
	q := newTestQueue(t)

	if ok, err := q.Claim(context.Background(), "missing"); err != nil || ok {
		t.Errorf("missing claim = (%v, %v)", ok, err)
	}

	task := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "x"})
	if err := q.UpdateStatus(context.Background(), task.ID, zeus.StatusCompleted, zeus.StatusUpdate{}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := q.Claim(context.Background(), task.ID); ok {
		t.Error("claimed a completed task")
	}
}

func TestUpdateStatusTerminalSetsCompletedAt(t *testing.T) {
	q := newTestQueue(t)
	task := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "x"})

	upd := zeus.StatusUpdate{
		Result:    "all done",
		ToolCalls: []zeus.ToolCallRecord{{Name: "run_command", Result: "ok"}},
	}
	if err := q.UpdateStatus(context.Background(), task.ID, zeus.StatusCompleted, upd); err != nil {
		t.Fatal(err)
	}

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != zeus.StatusCompleted || got.Result != "all done" {
		t.Errorf("got %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "run_command" {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
}

func TestAppendProgressOrdering(t *testing.T) {
	q := newTestQueue(t)
	task := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "x"})

	for _, msg := range []string{"Iteração 1", "Executando ferramenta: run_command", "Iteração 2"} {
		if err := q.AppendProgress(context.Background(), task.ID, zeus.ProgressStep{Message: msg, StepType: "info"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := q.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Progress) != 3 {
		t.Fatalf("progress entries = %d, want 3", len(got.Progress))
	}
	if got.Progress[0].Message != "Iteração 1" || got.Progress[2].Message != "Iteração 2" {
		t.Errorf("progress = %+v", got.Progress)
	}
	if got.Progress[0].At.IsZero() {
		t.Error("progress timestamp not set")
	}
}

func TestCancelPendingOnly(t *testing.T) {
	q := newTestQueue(t)
	task := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "x"})

	ok, err := q.CancelPending(context.Background(), task.ID)
	if err != nil || !ok {
		t.Fatalf("cancel pending = (%v, %v)", ok, err)
	}
	got, _ := q.Get(context.Background(), task.ID)
	if got.Status != zeus.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}

	// Processing tasks are not cancellable through the queue.
	task2 := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "y"})
	if _, err := q.Claim(context.Background(), task2.ID); err != nil {
		t.Fatal(err)
	}
	if ok, _ := q.CancelPending(context.Background(), task2.ID); ok {
		t.Error("cancelled a processing task")
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	enqueue(t, q, zeus.Task{ID: "newer", ConversationID: "c1", UserMessage: "x", CreatedAt: now})
	enqueue(t, q, zeus.Task{ID: "oldest", ConversationID: "c1", UserMessage: "x", CreatedAt: now.Add(-20 * time.Second)})
	enqueue(t, q, zeus.Task{ID: "middle", ConversationID: "c1", UserMessage: "x", CreatedAt: now.Add(-10 * time.Second)})

	tasks, err := q.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	if tasks[0].ID != "oldest" || tasks[1].ID != "middle" || tasks[2].ID != "newer" {
		t.Errorf("order = %s, %s, %s", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestListActiveAndByConversation(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now()
	enqueue(t, q, zeus.Task{ID: "t1", ConversationID: "c1", UserMessage: "x", CreatedAt: now.Add(-30 * time.Second)})
	t2 := enqueue(t, q, zeus.Task{ID: "t2", ConversationID: "c2", UserMessage: "x", CreatedAt: now.Add(-20 * time.Second)})
	t3 := enqueue(t, q, zeus.Task{ID: "t3", ConversationID: "c1", UserMessage: "x", CreatedAt: now.Add(-10 * time.Second)})

	if _, err := q.Claim(context.Background(), t2.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.UpdateStatus(context.Background(), t3.ID, zeus.StatusFailed, zeus.StatusUpdate{Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	active, err := q.ListActive(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	// t3 is terminal: only t2 (processing) and t1 (pending), newest first.
	if len(active) != 2 || active[0].ID != "t2" || active[1].ID != "t1" {
		t.Errorf("active = %+v", active)
	}

	conv, err := q.ListByConversation(context.Background(), "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 2 || conv[0].ID != "t3" || conv[1].ID != "t1" {
		t.Errorf("conversation tasks = %+v", conv)
	}
}

func TestResetStuck(t *testing.T) {
	q := newTestQueue(t)
	t1 := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "x"})
	t2 := enqueue(t, q, zeus.Task{ConversationID: "c1", UserMessage: "y"})
	if _, err := q.Claim(context.Background(), t1.ID); err != nil {
		t.Fatal(err)
	}

	n, err := q.ResetStuck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reset = %d, want 1", n)
	}

	got, _ := q.Get(context.Background(), t1.ID)
	if got.Status != zeus.StatusFailed || got.Error != zeus.InterruptedError {
		t.Errorf("got %+v", got)
	}

	// Pending tasks are untouched.
	got2, _ := q.Get(context.Background(), t2.ID)
	if got2.Status != zeus.StatusPending {
		t.Errorf("pending task status = %s", got2.Status)
	}
}

func TestCleanupOldSweepsByCompletionTime(t *testing.T) {
	q := newTestQueue(t)
	old := time.Now().Add(-10 * 24 * time.Hour)

	// Enqueued long ago but finished just now: kept for the full window.
	finishedNow := enqueue(t, q, zeus.Task{ID: "finished-now", ConversationID: "c1", UserMessage: "x", CreatedAt: old})
	finishedOld := enqueue(t, q, zeus.Task{ID: "finished-old", ConversationID: "c1", UserMessage: "x", CreatedAt: old})
	pendingOld := enqueue(t, q, zeus.Task{ID: "pending-old", ConversationID: "c1", UserMessage: "x", CreatedAt: old})

	for _, id := range []string{finishedNow.ID, finishedOld.ID} {
		if err := q.UpdateStatus(context.Background(), id, zeus.StatusCompleted, zeus.StatusUpdate{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.db.ExecContext(context.Background(),
		`UPDATE tasks SET completed_at = ? WHERE id = ?`, old.Unix(), finishedOld.ID); err != nil {
		t.Fatal(err)
	}

	n, err := q.CleanupOld(context.Background(), 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}

	if _, err := q.Get(context.Background(), finishedOld.ID); err == nil {
		t.Error("task finished long ago survived cleanup")
	}
	if _, err := q.Get(context.Background(), finishedNow.ID); err != nil {
		t.Error("recently finished task was removed despite its old created_at")
	}
	if _, err := q.Get(context.Background(), pendingOld.ID); err != nil {
		t.Error("old pending task was removed")
	}
}

func TestAppendProgressMissingTask(t *testing.T) {
	q := newTestQueue(t)
	err := q.AppendProgress(context.Background(), "missing", zeus.ProgressStep{Message: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
}
