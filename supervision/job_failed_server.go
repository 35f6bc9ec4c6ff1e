package supervision

import (
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// failedServerJob fans a failed DBServer out into one FailedLeader job
// per shard the server leads. Follower slots the server held are left
// to the replication-factor reconciliation, which replaces them once
// the delay has passed.
type failedServerJob struct{}

func (failedServerJob) start(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	if serverHealth(ctx.snap, job.Server) == StatusGood {
		job.Reason = "server recovered"
		return jobFinished
	}

	led := ledShards(ctx.snap, job.Server)
	if len(led) == 0 {
		return jobFinished
	}

	job.TimeStarted = ctx.now.Format(time.RFC3339)
	step := store.Step{
		Operations: map[string]store.Operation{
			targetToDoPrefix + "/" + job.ID:    {Op: store.OpDelete},
			targetPendingPrefix + "/" + job.ID: {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			targetToDoPrefix + "/" + job.ID: store.NewPrecondEmpty(false),
		},
	}
	s.assertHealth(ctx, step, job.Server, StatusFailed)

	if !s.addLeaderChildren(ctx, step, job, led) {
		return jobWait
	}

	ok := s.apply(store.Transaction{step})
	if len(ok) > 0 && ok[0] {
		logger.Infof("job %s: failed server %s, %d shard leaderships to move", job.ID, job.Server, len(led))
		return jobStarted
	}
	return jobWait
}

func (failedServerJob) check(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	// Children still running?
	for _, prefix := range []string{targetToDoPrefix, targetPendingPrefix} {
		for _, v := range ctx.snap.List(prefix) {
			child, ok := jobFrom(v)
			if ok && child.Type == JobFailedLeader && child.FromServer == job.Server {
				return jobWait
			}
		}
	}

	// A child may have failed and left a leadership behind; respawn.
	led := ledShards(ctx.snap, job.Server)
	if len(led) == 0 {
		return jobFinished
	}
	step := store.Step{
		Operations:    map[string]store.Operation{},
		Preconditions: map[string]store.Precondition{},
	}
	if s.addLeaderChildren(ctx, step, job, led) {
		s.apply(store.Transaction{step})
	}
	return jobWait
}

func (failedServerJob) abort(s *Supervision, ctx *tickContext, job *Job) {
	// Children are independent jobs with their own rollback.
}

// ledShard identifies one shard a server leads.
type ledShard struct {
	database, collection, shard string
}

// ledShards lists the non-clone shards a server leads. Clone
// collections follow their prototype and get no job of their own.
func ledShards(snap *store.Store, server string) []ledShard {
	var out []ledShard
	for _, col := range planCollections(snap) {
		if col.distributeShardsLike() != "" {
			continue
		}
		shards := col.shards()
		for _, shard := range col.sortedShards() {
			servers := shards[shard]
			if len(servers) > 0 && servers[0] == server {
				out = append(out, ledShard{col.database, col.id, shard})
			}
		}
	}
	return out
}

// addLeaderChildren embeds one FailedLeader ToDo write per led shard
// into step. Returns false when ids could not be reserved.
func (s *Supervision) addLeaderChildren(ctx *tickContext, step store.Step, parent *Job, led []ledShard) bool {
	for _, ls := range led {
		child, ok := s.newJob(ctx, JobFailedLeader, parent.Server)
		if !ok {
			return false
		}
		child.Database = ls.database
		child.Collection = ls.collection
		child.Shard = ls.shard
		child.FromServer = parent.Server
		child.Creator = "job-" + parent.ID
		step.Operations[targetToDoPrefix+"/"+child.ID] = store.Operation{Op: store.OpSet, New: child.toValue()}
		step.Preconditions[targetToDoPrefix+"/"+child.ID] = store.NewPrecondEmpty(true)
	}
	return true
}
