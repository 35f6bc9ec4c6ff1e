package supervision

import (
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// cleanOutServerJob drains a DBServer so it can leave the fleet. The
// server is marked cleaned-out up front so nothing new lands on it,
// then its follower slots are shed through RemoveFollower children. A
// server that still leads shards cannot be drained here and the job
// fails so an operator (or a leadership move) resolves it first.
type cleanOutServerJob struct{}

func (cleanOutServerJob) start(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	if len(ledShards(ctx.snap, job.Server)) > 0 {
		job.Reason = "server still leads shards"
		return jobFailed
	}

	job.TimeStarted = ctx.now.Format(time.RFC3339)
	step := store.Step{
		Operations: map[string]store.Operation{
			targetCleanedServersPath:           {Op: store.OpPush, New: job.Server},
			targetToDoPrefix + "/" + job.ID:    {Op: store.OpDelete},
			targetPendingPrefix + "/" + job.ID: {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			targetToDoPrefix + "/" + job.ID: store.NewPrecondEmpty(false),
		},
	}
	if cleaned, ok := ctx.snap.Get(targetCleanedServersPath); ok {
		if contains(stringSlice(cleaned), job.Server) {
			delete(step.Operations, targetCleanedServersPath)
		} else {
			step.Preconditions[targetCleanedServersPath] = store.NewPrecondOld(cleaned)
		}
	} else {
		step.Preconditions[targetCleanedServersPath] = store.NewPrecondEmpty(true)
	}

	ok := s.apply(store.Transaction{step})
	if len(ok) > 0 && ok[0] {
		logger.Infof("job %s: cleaning out server %s", job.ID, job.Server)
		return jobStarted
	}
	return jobWait
}

func (cleanOutServerJob) check(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	if len(ledShards(ctx.snap, job.Server)) > 0 {
		job.Reason = "server acquired a leadership while draining"
		return jobFailed
	}

	remaining := followedShards(ctx.snap, job.Server)
	if len(remaining) == 0 {
		return jobFinished
	}

	// Shed follower slots that have no removal under way yet.
	step := store.Step{
		Operations:    map[string]store.Operation{},
		Preconditions: map[string]store.Precondition{},
	}
	added := false
	for _, fs := range remaining {
		if s.hasShardJob(ctx, JobRemoveFollower, job.Server, fs.shard) {
			continue
		}
		child, ok := s.newJob(ctx, JobRemoveFollower, job.Server)
		if !ok {
			break
		}
		child.Database = fs.database
		child.Collection = fs.collection
		child.Shard = fs.shard
		child.Creator = "job-" + job.ID
		step.Operations[targetToDoPrefix+"/"+child.ID] = store.Operation{Op: store.OpSet, New: child.toValue()}
		step.Preconditions[targetToDoPrefix+"/"+child.ID] = store.NewPrecondEmpty(true)
		added = true
	}
	if added {
		s.apply(store.Transaction{step})
	}
	return jobWait
}

// abort takes the server off the cleaned-out list again.
func (cleanOutServerJob) abort(s *Supervision, ctx *tickContext, job *Job) {
	s.apply(store.Transaction{{
		Operations: map[string]store.Operation{
			targetCleanedServersPath: {Op: store.OpErase, Val: job.Server},
		},
	}})
}

// followedShards lists the non-clone shards where a server is a
// follower.
func followedShards(snap *store.Store, server string) []ledShard {
	var out []ledShard
	for _, col := range planCollections(snap) {
		if col.distributeShardsLike() != "" {
			continue
		}
		shards := col.shards()
		for _, shard := range col.sortedShards() {
			servers := shards[shard]
			if len(servers) > 1 && servers[0] != server && contains(servers, server) {
				out = append(out, ledShard{col.database, col.id, shard})
			}
		}
	}
	return out
}

// hasShardJob reports whether an active job of the given kind already
// targets server on shard.
func (s *Supervision) hasShardJob(ctx *tickContext, t JobType, server, shard string) bool {
	for _, prefix := range []string{targetToDoPrefix, targetPendingPrefix} {
		for _, v := range ctx.snap.List(prefix) {
			if job, ok := jobFrom(v); ok && job.Type == t && job.Server == server && job.Shard == shard {
				return true
			}
		}
	}
	return false
}
