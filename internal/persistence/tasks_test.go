package persistence

import (
	"context"
	"sync"
	"testing"
)

func TestCreateAndGetTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, &Task{
		Input:   map[string]any{"message": "summarize the report"},
		Context: map[string]any{"project": "atlas"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task == nil {
		t.Fatalf("expected task, got nil")
	}
	if task.Status != TaskStatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	if task.InputMessage() != "summarize the report" {
		t.Fatalf("input message mismatch: %q", task.InputMessage())
	}
	if task.Context["project"] != "atlas" {
		t.Fatalf("context not round-tripped: %#v", task.Context)
	}
	if task.MasterTaskID != "" || task.IsParallelTask {
		t.Fatalf("unexpected lineage defaults: %#v", task)
	}
}

func TestGetTaskMissing(t *testing.T) {
	store := openTestStore(t)

	task, err := store.GetTask(context.Background(), "no-such-task")
	if err != nil {
		t.Fatalf("get missing task: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil for missing task, got %#v", task)
	}
}

func TestClaimTaskOnlyOneWinner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, &Task{Input: map[string]any{"message": "race me"}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	const attempts = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimTask(ctx, id, TaskStatusPending)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != TaskStatusRunning {
		t.Fatalf("expected running after claim, got %s", task.Status)
	}
}

func TestClaimTaskObservedStatusMismatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, &Task{
		Status: TaskStatusQueued,
		Input:  map[string]any{"message": "queued"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	claimed, err := store.ClaimTask(ctx, id, TaskStatusPending)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed {
		t.Fatalf("claim should fail when observed status no longer matches")
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != TaskStatusQueued {
		t.Fatalf("losing claim must not mutate status, got %s", task.Status)
	}
}

func TestFinalizeTaskWritesOutput(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, &Task{Input: map[string]any{"message": "hi"}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := store.FinalizeTask(ctx, id, TaskStatusCompleted, map[string]any{"response": "done"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	task, _ := store.GetTask(ctx, id)
	if task.Status != TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.Output["response"] != "done" {
		t.Fatalf("output mismatch: %#v", task.Output)
	}
}

func TestListConversationTasksOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rootID, err := store.CreateTask(ctx, &Task{Input: map[string]any{"message": "turn 1"}})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	for _, msg := range []string{"turn 2", "turn 3"} {
		if _, err := store.CreateTask(ctx, &Task{
			MasterTaskID: rootID,
			Input:        map[string]any{"message": msg},
		}); err != nil {
			t.Fatalf("create follow-up: %v", err)
		}
	}

	tasks, err := store.ListConversationTasks(ctx, rootID)
	if err != nil {
		t.Fatalf("list conversation: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != rootID {
		t.Fatalf("root task should sort first")
	}
}

func TestFindAggregatorForDependency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	depID, err := store.CreateTask(ctx, &Task{
		IsParallelTask: true,
		Input:          map[string]any{"message": "branch"},
	})
	if err != nil {
		t.Fatalf("create dependency: %v", err)
	}
	aggID, err := store.CreateTask(ctx, &Task{
		Status:           TaskStatusQueued,
		DependentTaskIDs: []string{depID, "other"},
		Input:            map[string]any{"message": "aggregate"},
	})
	if err != nil {
		t.Fatalf("create aggregator: %v", err)
	}

	agg, err := store.FindAggregatorForDependency(ctx, depID)
	if err != nil {
		t.Fatalf("find aggregator: %v", err)
	}
	if agg == nil || agg.ID != aggID {
		t.Fatalf("expected aggregator %s, got %#v", aggID, agg)
	}

	none, err := store.FindAggregatorForDependency(ctx, "unrelated")
	if err != nil {
		t.Fatalf("find aggregator: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no aggregator for unrelated id")
	}
}

func TestPromoteAggregator(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, &Task{
		Status:           TaskStatusQueued,
		DependentTaskIDs: []string{"a", "b"},
		Input:            map[string]any{"message": "aggregate"},
	})
	if err != nil {
		t.Fatalf("create aggregator: %v", err)
	}

	promoted, err := store.PromoteAggregator(ctx, id)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !promoted {
		t.Fatalf("expected promotion of queued aggregator")
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != TaskStatusPendingSubtask {
		t.Fatalf("expected pending_subtask, got %s", task.Status)
	}

	again, err := store.PromoteAggregator(ctx, id)
	if err != nil {
		t.Fatalf("second promote: %v", err)
	}
	if again {
		t.Fatalf("promotion must be single-shot")
	}
}

func TestTaskStatusPredicates(t *testing.T) {
	for _, status := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
		if status.Dispatchable() {
			t.Errorf("%s should not be dispatchable", status)
		}
	}
	for _, status := range []TaskStatus{TaskStatusPending, TaskStatusPendingSubtask} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
		if !status.Dispatchable() {
			t.Errorf("%s should be dispatchable", status)
		}
	}
	if TaskStatusRunning.Dispatchable() || TaskStatusQueued.Dispatchable() {
		t.Errorf("running and queued are not directly dispatchable")
	}
}

func TestRecoverOrphanedTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	runningID, err := store.CreateTask(ctx, &Task{
		Status: TaskStatusRunning,
		Input:  map[string]any{"message": "stuck"},
	})
	if err != nil {
		t.Fatalf("create running task: %v", err)
	}
	pendingID, err := store.CreateTask(ctx, &Task{
		Input: map[string]any{"message": "waiting"},
	})
	if err != nil {
		t.Fatalf("create pending task: %v", err)
	}

	recovered, err := store.RecoverOrphanedTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}

	stuck, _ := store.GetTask(ctx, runningID)
	if stuck.Status != TaskStatusFailed {
		t.Fatalf("running task should be failed, got %s", stuck.Status)
	}
	if stuck.Output["error"] == "" {
		t.Fatalf("recovery must record why: %#v", stuck.Output)
	}

	waiting, _ := store.GetTask(ctx, pendingID)
	if waiting.Status != TaskStatusPending {
		t.Fatalf("pending task must be untouched, got %s", waiting.Status)
	}
}
