package store

import (
	"context"
	"fmt"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/infra"
)

// runningSetKey holds the ids of every evaluation currently in an active
// state (provisioning or running). The list endpoint hydrates "running"
// queries from this set instead of scanning Postgres.
const runningSetKey = "running_evaluations"

// RunningSet is the Redis-backed active-evaluation index. Postgres remains
// the source of truth; the set is an acceleration structure that the
// reconciliation job rebuilds from NonTerminalIDs after a crash.
type RunningSet struct {
	kv *infra.Redis
}

func NewRunningSet(kv *infra.Redis) *RunningSet {
	return &RunningSet{kv: kv}
}

// Add marks an evaluation active.
func (r *RunningSet) Add(ctx context.Context, evalID string) error {
	if err := r.kv.SAdd(ctx, runningSetKey, evalID); err != nil {
		return fmt.Errorf("running-set add %s: %w", evalID, err)
	}
	return nil
}

// Remove clears an evaluation. Idempotent — removing an absent member is
// fine, which is what makes the terminal transition safe to replay.
func (r *RunningSet) Remove(ctx context.Context, evalID string) error {
	if err := r.kv.SRem(ctx, runningSetKey, evalID); err != nil {
		return fmt.Errorf("running-set remove %s: %w", evalID, err)
	}
	return nil
}

// Members returns the active ids.
func (r *RunningSet) Members(ctx context.Context) ([]string, error) {
	return r.kv.SMembers(ctx, runningSetKey)
}

// Contains reports membership.
func (r *RunningSet) Contains(ctx context.Context, evalID string) (bool, error) {
	return r.kv.SIsMember(ctx, runningSetKey, evalID)
}

// Rebuild replaces the set with the given ids (startup reconciliation).
func (r *RunningSet) Rebuild(ctx context.Context, ids []string) error {
	if err := r.kv.Del(ctx, runningSetKey); err != nil {
		return fmt.Errorf("running-set rebuild: %w", err)
	}
	for _, id := range ids {
		if err := r.kv.SAdd(ctx, runningSetKey, id); err != nil {
			return fmt.Errorf("running-set rebuild: %w", err)
		}
	}
	return nil
}
