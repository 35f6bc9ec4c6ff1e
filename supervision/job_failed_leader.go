package supervision

import (
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// failedLeaderJob hands a shard's leadership from a failed server to a
// healthy in-sync follower. The whole takeover is one atomic step whose
// preconditions assert every fact the decision was based on, so health
// flapping between snapshot and apply leaves the plan untouched.
type failedLeaderJob struct{}

func (failedLeaderJob) start(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
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
	if planned[0] != job.FromServer {
		// Someone else already moved the leader.
		return jobFinished
	}
	if _, blocked := ctx.snap.Get(supervisionShardsPrefix + "/" + job.Shard); blocked {
		return jobWait
	}
	if serverHealth(ctx.snap, job.FromServer) != StatusFailed {
		job.Reason = "server recovered"
		return jobFinished
	}

	clones := clonesOf(ctx.snap, job.Database, job.Collection)

	to := s.pickFailoverTarget(ctx, col, clones, job)
	if to == "" {
		// No usable follower yet, stay in ToDo and retry.
		return jobWait
	}
	job.ToServer = to
	job.TimeStarted = ctx.now.Format(time.RFC3339)

	// New layout: target leads, surviving followers keep their order,
	// the failed leader stays listed so it can resync as a follower.
	newList := append([]string{to}, remove(planned[1:], to)...)
	newList = append(newList, job.FromServer)

	step := store.Step{
		Operations: map[string]store.Operation{
			shardPlanPath(job.Database, job.Collection, job.Shard): {
				Op: store.OpSet, New: toValueList(newList),
			},
			supervisionShardsPrefix + "/" + job.Shard: {Op: store.OpSet, New: job.ID},
			planVersionPath:                           {Op: store.OpIncrement},
			targetToDoPrefix + "/" + job.ID:           {Op: store.OpDelete},
			targetPendingPrefix + "/" + job.ID:        {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			shardPlanPath(job.Database, job.Collection, job.Shard): store.NewPrecondOld(toValueList(planned)),
			supervisionShardsPrefix + "/" + job.Shard:              store.NewPrecondEmpty(true),
			targetToDoPrefix + "/" + job.ID:                        store.NewPrecondEmpty(false),
		},
	}
	s.assertHealth(ctx, step, job.FromServer, StatusFailed)
	s.assertHealth(ctx, step, to, StatusGood)

	// The clones move in lockstep, gated on their own plan entries.
	for _, clone := range clones {
		cs, ok := cloneShard(col, clone, job.Shard)
		if !ok {
			job.Reason = "clone shard mapping broken"
			return jobFailed
		}
		clonePlanned := clone.shards()[cs]
		cloneNew := append([]string{to}, remove(clonePlanned, to)...)
		if contains(clonePlanned, job.FromServer) {
			cloneNew = append(remove(cloneNew, job.FromServer), job.FromServer)
		}
		path := shardPlanPath(job.Database, clone.id, cs)
		step.Operations[path] = store.Operation{Op: store.OpSet, New: toValueList(cloneNew)}
		step.Preconditions[path] = store.NewPrecondOld(toValueList(clonePlanned))
	}

	ok2 := s.apply(store.Transaction{step})
	if len(ok2) > 0 && ok2[0] {
		logger.Infof("job %s: shard %s leader %s -> %s", job.ID, job.Shard, job.FromServer, to)
		return jobStarted
	}
	s.registry.Counter("supervision_job_start_races").Inc()
	return jobWait
}

// pickFailoverTarget chooses the first healthy in-sync follower that is
// in sync for the shard and for every clone's corresponding shard.
// Servers already chosen as the destination of another leadership
// handoff are skipped until that job resolves.
func (s *Supervision) pickFailoverTarget(ctx *tickContext, col collection, clones []collection, job *Job) string {
	planned := col.shards()[job.Shard]
	inSync := currentServers(ctx.snap, job.Database, job.Collection, job.Shard)
	busy := s.failoverTargets(ctx, job.ID)

	for _, cand := range planned[1:] {
		if cand == job.FromServer {
			continue
		}
		if busy[cand] {
			continue
		}
		if serverHealth(ctx.snap, cand) != StatusGood {
			continue
		}
		if excludedServer(ctx.snap, cand) {
			continue
		}
		if !contains(inSync, cand) {
			continue
		}
		good := true
		for _, clone := range clones {
			cs, ok := cloneShard(col, clone, job.Shard)
			if !ok || !contains(currentServers(ctx.snap, job.Database, clone.id, cs), cand) {
				good = false
				break
			}
		}
		if good {
			return cand
		}
	}
	return ""
}

// failoverTargets collects the destinations of every other active
// leadership handoff.
func (s *Supervision) failoverTargets(ctx *tickContext, exceptJobID string) map[string]bool {
	out := make(map[string]bool)
	for _, prefix := range []string{targetToDoPrefix, targetPendingPrefix} {
		for _, v := range ctx.snap.List(prefix) {
			job, ok := jobFrom(v)
			if ok && job.Type == JobFailedLeader && job.ID != exceptJobID && job.ToServer != "" {
				out[job.ToServer] = true
			}
		}
	}
	return out
}

// assertHealth gates a step on the persisted health record it was
// decided on.
func (s *Supervision) assertHealth(ctx *tickContext, step store.Step, id, status string) {
	path := supervisionHealthPrefix + "/" + id
	rec, ok := healthRecordFrom(firstValue(ctx.snap.Get(path)))
	if ok && rec.Status == status {
		step.Preconditions[path] = store.NewPrecondOld(rec.toValue())
	}
}

func (failedLeaderJob) check(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	col, ok := lookupCollection(ctx.snap, job.Database, job.Collection)
	if !ok {
		job.Reason = "collection dropped"
		return jobFailed
	}

	cur := currentServers(ctx.snap, job.Database, job.Collection, job.Shard)
	if len(cur) == 0 || cur[0] != job.ToServer {
		return jobWait
	}
	for _, clone := range clonesOf(ctx.snap, job.Database, job.Collection) {
		cs, ok := cloneShard(col, clone, job.Shard)
		if !ok {
			continue
		}
		ccur := currentServers(ctx.snap, job.Database, clone.id, cs)
		if len(ccur) == 0 || ccur[0] != job.ToServer {
			return jobWait
		}
	}

	s.unblockShard(job.Shard, job.ID)
	return jobFinished
}

// abort swaps the leader back when the takeover never converged.
func (failedLeaderJob) abort(s *Supervision, ctx *tickContext, job *Job) {
	if job.ToServer == "" {
		return
	}
	col, ok := lookupCollection(ctx.snap, job.Database, job.Collection)
	if ok {
		planned := col.shards()[job.Shard]
		if len(planned) > 0 && planned[0] == job.ToServer && contains(planned, job.FromServer) {
			restored := append([]string{job.FromServer}, remove(planned, job.FromServer)...)
			step := store.Step{
				Operations: map[string]store.Operation{
					shardPlanPath(job.Database, job.Collection, job.Shard): {
						Op: store.OpSet, New: toValueList(restored),
					},
					planVersionPath: {Op: store.OpIncrement},
				},
				Preconditions: map[string]store.Precondition{
					shardPlanPath(job.Database, job.Collection, job.Shard): store.NewPrecondOld(toValueList(planned)),
				},
			}
			for _, clone := range clonesOf(ctx.snap, job.Database, job.Collection) {
				cs, ok := cloneShard(col, clone, job.Shard)
				if !ok {
					continue
				}
				clonePlanned := clone.shards()[cs]
				if len(clonePlanned) == 0 || clonePlanned[0] != job.ToServer || !contains(clonePlanned, job.FromServer) {
					continue
				}
				restoredClone := append([]string{job.FromServer}, remove(clonePlanned, job.FromServer)...)
				path := shardPlanPath(job.Database, clone.id, cs)
				step.Operations[path] = store.Operation{Op: store.OpSet, New: toValueList(restoredClone)}
				step.Preconditions[path] = store.NewPrecondOld(toValueList(clonePlanned))
			}
			s.apply(store.Transaction{step})
		}
	}
	s.unblockShard(job.Shard, job.ID)
}

// unblockShard drops the shard's block marker if this job still owns it.
func (s *Supervision) unblockShard(shard, jobID string) {
	s.apply(store.Transaction{{
		Operations: map[string]store.Operation{
			supervisionShardsPrefix + "/" + shard: {Op: store.OpDelete},
		},
		Preconditions: map[string]store.Precondition{
			supervisionShardsPrefix + "/" + shard: store.NewPrecondOld(jobID),
		},
	}})
}
