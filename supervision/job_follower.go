package supervision

import (
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// addFollowerJob extends a shard's plan list by one healthy server.
// The plan write is the whole job: the shard leader syncs the new
// follower on its own, so the job completes straight to Finished.
type addFollowerJob struct{}

func (addFollowerJob) start(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	col, ok := lookupCollection(ctx.snap, job.Database, job.Collection)
	if !ok {
		job.Reason = "collection dropped"
		return jobFailed
	}
	planned := col.shards()[job.Shard]
	if len(planned) == 0 {
		job.Reason = "shard dropped"
		return jobFailed
	}
	if len(planned) >= col.replicationFactor() {
		return jobFinished
	}

	to := pickNewFollower(ctx.snap, planned)
	if to == "" {
		return jobWait
	}
	job.ToServer = to
	job.TimeFinished = ctx.now.Format(time.RFC3339)

	clones := clonesOf(ctx.snap, job.Database, job.Collection)
	step := store.Step{
		Operations: map[string]store.Operation{
			shardPlanPath(job.Database, job.Collection, job.Shard): {Op: store.OpPush, New: to},
			planVersionPath:                     {Op: store.OpIncrement},
			targetToDoPrefix + "/" + job.ID:     {Op: store.OpDelete},
			targetFinishedPrefix + "/" + job.ID: {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			shardPlanPath(job.Database, job.Collection, job.Shard): store.NewPrecondOld(toValueList(planned)),
			targetToDoPrefix + "/" + job.ID:                        store.NewPrecondEmpty(false),
		},
	}
	s.assertHealth(ctx, step, to, StatusGood)

	for _, clone := range clones {
		cs, ok := cloneShard(col, clone, job.Shard)
		if !ok {
			job.Reason = "clone shard mapping broken"
			return jobFailed
		}
		path := shardPlanPath(job.Database, clone.id, cs)
		step.Operations[path] = store.Operation{Op: store.OpPush, New: to}
		step.Preconditions[path] = store.NewPrecondOld(toValueList(clone.shards()[cs]))
	}

	ok2 := s.apply(store.Transaction{step})
	if len(ok2) > 0 && ok2[0] {
		logger.Infof("job %s: shard %s gains follower %s", job.ID, job.Shard, to)
		return jobStarted
	}
	return jobWait
}

func (addFollowerJob) check(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	// AddFollower never stays Pending.
	return jobFinished
}

func (addFollowerJob) abort(s *Supervision, ctx *tickContext, job *Job) {}

// pickNewFollower chooses the first healthy DBServer that is not on
// the shard already and not excluded from receiving data.
func pickNewFollower(snap *store.Store, planned []string) string {
	for _, cand := range healthyDBServers(snap) {
		if contains(planned, cand) || excludedServer(snap, cand) {
			continue
		}
		return cand
	}
	return ""
}

// removeFollowerJob shrinks a shard's plan list by the follower named
// in the job. Like AddFollower it is a pure plan edit and completes
// immediately.
type removeFollowerJob struct{}

func (removeFollowerJob) start(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	col, ok := lookupCollection(ctx.snap, job.Database, job.Collection)
	if !ok {
		job.Reason = "collection dropped"
		return jobFailed
	}
	planned := col.shards()[job.Shard]
	if len(planned) == 0 || planned[0] == job.Server || !contains(planned, job.Server) {
		// Never remove a leader; a gone follower is a done job.
		return jobFinished
	}

	job.TimeFinished = ctx.now.Format(time.RFC3339)
	newList := remove(planned, job.Server)

	clones := clonesOf(ctx.snap, job.Database, job.Collection)
	step := store.Step{
		Operations: map[string]store.Operation{
			shardPlanPath(job.Database, job.Collection, job.Shard): {Op: store.OpSet, New: toValueList(newList)},
			planVersionPath:                     {Op: store.OpIncrement},
			targetToDoPrefix + "/" + job.ID:     {Op: store.OpDelete},
			targetFinishedPrefix + "/" + job.ID: {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			shardPlanPath(job.Database, job.Collection, job.Shard): store.NewPrecondOld(toValueList(planned)),
			targetToDoPrefix + "/" + job.ID:                        store.NewPrecondEmpty(false),
		},
	}

	for _, clone := range clones {
		cs, ok := cloneShard(col, clone, job.Shard)
		if !ok {
			job.Reason = "clone shard mapping broken"
			return jobFailed
		}
		clonePlanned := clone.shards()[cs]
		if !contains(clonePlanned, job.Server) || (len(clonePlanned) > 0 && clonePlanned[0] == job.Server) {
			continue
		}
		path := shardPlanPath(job.Database, clone.id, cs)
		step.Operations[path] = store.Operation{Op: store.OpSet, New: toValueList(remove(clonePlanned, job.Server))}
		step.Preconditions[path] = store.NewPrecondOld(toValueList(clonePlanned))
	}

	ok2 := s.apply(store.Transaction{step})
	if len(ok2) > 0 && ok2[0] {
		logger.Infof("job %s: shard %s drops follower %s", job.ID, job.Shard, job.Server)
		return jobStarted
	}
	return jobWait
}

func (removeFollowerJob) check(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	return jobFinished
}

func (removeFollowerJob) abort(s *Supervision, ctx *tickContext, job *Job) {}
