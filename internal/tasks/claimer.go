package tasks

import (
	"context"

	"github.com/kurtskinny/mirrorsync/internal/store"
)

// claimPriority is the fixed order C5 attempts task types in on every tick.
var claimPriority = []store.TaskType{
	store.TaskTypeResolve,
	store.TaskTypeHistoryFull,
	store.TaskTypeRetryFailed,
}

// Claimer is the C5 task claimer: on each tick, while the caller has
// capacity, attempts to claim one pending task per priority tier.
type Claimer struct {
	repo Repository
}

// NewClaimer constructs a Claimer over repo.
func NewClaimer(repo Repository) *Claimer {
	return &Claimer{repo: repo}
}

// ClaimOne attempts to claim a single task across the priority tiers in
// order, skipping sources already present in runningSourceIDs (the
// supervisor's in-memory per-source exclusivity set). Returns nil, nil if
// nothing was eligible to claim this attempt.
func (c *Claimer) ClaimOne(ctx context.Context, runningSourceIDs []int64) (*store.SyncTask, error) {
	for _, taskType := range claimPriority {
		task, err := c.repo.ClaimNextTask(ctx, taskType, runningSourceIDs)
		if err != nil {
			return nil, err
		}
		if task != nil {
			c.repo.NotifyTaskStatus(ctx, task.ID, task.SourceChannelID, string(task.TaskType), string(task.Status))
			return task, nil
		}
	}
	return nil, nil
}

// ClaimUpTo repeatedly claims tasks until capacity is exhausted (capacity -
// len(runningSourceIDs) additional slots) or a tier pass finds nothing new,
// per §4.5's "while running-task count < concurrency cap" tick loop.
func (c *Claimer) ClaimUpTo(ctx context.Context, capacity int, runningSourceIDs []int64) ([]*store.SyncTask, error) {
	var claimed []*store.SyncTask
	owned := append([]int64(nil), runningSourceIDs...)

	for len(owned) < capacity {
		task, err := c.ClaimOne(ctx, owned)
		if err != nil {
			return claimed, err
		}
		if task == nil {
			break
		}
		claimed = append(claimed, task)
		owned = append(owned, task.SourceChannelID)
	}
	return claimed, nil
}
