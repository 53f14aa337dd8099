package tasks

import (
	"context"
	"testing"

	"github.com/kurtskinny/mirrorsync/internal/store"
)

// fakeRepo implements Repository for unit tests without a database.
type fakeRepo struct {
	claimSequence map[store.TaskType][]*store.SyncTask
	claimCalls    []store.TaskType
}

func (f *fakeRepo) GetTask(ctx context.Context, id int64) (*store.SyncTask, error) { return nil, nil }
func (f *fakeRepo) CreateTask(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error) {
	return nil, nil
}
func (f *fakeRepo) ReviveTask(ctx context.Context, taskID int64) error { return nil }
func (f *fakeRepo) FindTaskBySourceAndType(ctx context.Context, sourceChannelID int64, taskType store.TaskType) (*store.SyncTask, error) {
	return nil, nil
}
func (f *fakeRepo) ClaimNextTask(ctx context.Context, taskType store.TaskType, runningSourceIDs []int64) (*store.SyncTask, error) {
	f.claimCalls = append(f.claimCalls, taskType)
	queue := f.claimSequence[taskType]
	if len(queue) == 0 {
		return nil, nil
	}
	next := queue[0]
	f.claimSequence[taskType] = queue[1:]
	return next, nil
}
func (f *fakeRepo) PauseTask(ctx context.Context, taskID int64, reason string, progressCurrent, lastProcessedID *int64) (*store.SyncTask, error) {
	return nil, nil
}
func (f *fakeRepo) FailTask(ctx context.Context, taskID int64, errMsg string) (*store.SyncTask, error) {
	return nil, nil
}
func (f *fakeRepo) CompleteTask(ctx context.Context, taskID int64) (*store.SyncTask, error) {
	return nil, nil
}
func (f *fakeRepo) UpdateProgress(ctx context.Context, taskID int64, current, total, lastProcessedID *int64) error {
	return nil
}
func (f *fakeRepo) RequeueRunningTasks(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeRepo) PausedTasksWithFloodWait(ctx context.Context) ([]*store.SyncTask, error) {
	return nil, nil
}
func (f *fakeRepo) ResumeTask(ctx context.Context, taskID int64) error { return nil }
func (f *fakeRepo) CountRunningExcludingRealtime(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeRepo) SetSourceSyncStatus(ctx context.Context, sourceID int64, status store.SyncStatus) error {
	return nil
}
func (f *fakeRepo) RecordEvent(ctx context.Context, level store.EventLevel, message string, sourceChannelID *int64) error {
	return nil
}
func (f *fakeRepo) NotifyTaskStatus(ctx context.Context, taskID, sourceChannelID int64, taskType, status string) {
}

func TestClaimerRespectsPriorityOrder(t *testing.T) {
	repo := &fakeRepo{claimSequence: map[store.TaskType][]*store.SyncTask{
		store.TaskTypeHistoryFull: {{ID: 1, SourceChannelID: 10, TaskType: store.TaskTypeHistoryFull}},
	}}
	c := NewClaimer(repo)

	task, err := c.ClaimOne(context.Background(), nil)
	if err != nil {
		t.Fatalf("ClaimOne error: %v", err)
	}
	if task == nil || task.ID != 1 {
		t.Fatalf("ClaimOne = %+v, want history_full task", task)
	}
	if repo.claimCalls[0] != store.TaskTypeResolve {
		t.Fatalf("expected resolve tier attempted first, got %v", repo.claimCalls[0])
	}
}

func TestClaimUpToStopsAtCapacity(t *testing.T) {
	repo := &fakeRepo{claimSequence: map[store.TaskType][]*store.SyncTask{
		store.TaskTypeResolve: {
			{ID: 1, SourceChannelID: 10, TaskType: store.TaskTypeResolve},
			{ID: 2, SourceChannelID: 11, TaskType: store.TaskTypeResolve},
		},
	}}
	c := NewClaimer(repo)

	claimed, err := c.ClaimUpTo(context.Background(), 1, nil)
	if err != nil {
		t.Fatalf("ClaimUpTo error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("ClaimUpTo with capacity=1 returned %d tasks, want 1", len(claimed))
	}
}
