package supervision

import (
	"sort"
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// activeFailoverJob moves the async-replication leadership of a
// single-server deployment off a failed instance.
type activeFailoverJob struct{}

func (activeFailoverJob) start(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	leader, _ := ctx.snap.Get(planAsyncLeaderPath)
	if leader != job.Server {
		// Leadership already moved elsewhere.
		return jobFinished
	}
	if serverHealth(ctx.snap, job.Server) == StatusGood {
		job.Reason = "server recovered"
		return jobFinished
	}

	to := pickSingleTarget(ctx.snap, job.Server)
	if to == "" {
		return jobWait
	}
	job.ToServer = to
	job.FromServer = job.Server
	job.TimeStarted = ctx.now.Format(time.RFC3339)

	step := store.Step{
		Operations: map[string]store.Operation{
			planAsyncLeaderPath:                {Op: store.OpSet, New: to},
			planVersionPath:                    {Op: store.OpIncrement},
			targetToDoPrefix + "/" + job.ID:    {Op: store.OpDelete},
			targetPendingPrefix + "/" + job.ID: {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			planAsyncLeaderPath:             store.NewPrecondOld(job.Server),
			targetToDoPrefix + "/" + job.ID: store.NewPrecondEmpty(false),
		},
	}
	s.assertHealth(ctx, step, job.Server, StatusFailed)
	s.assertHealth(ctx, step, to, StatusGood)

	ok := s.apply(store.Transaction{step})
	if len(ok) > 0 && ok[0] {
		logger.Infof("job %s: active failover %s -> %s", job.ID, job.Server, to)
		return jobStarted
	}
	return jobWait
}

func (activeFailoverJob) check(s *Supervision, ctx *tickContext, job *Job) jobOutcome {
	cur, _ := ctx.snap.Get(currentAsyncLeaderPath)
	if cur == job.ToServer {
		return jobFinished
	}
	return jobWait
}

func (activeFailoverJob) abort(s *Supervision, ctx *tickContext, job *Job) {
	if job.ToServer == "" {
		return
	}
	s.apply(store.Transaction{{
		Operations: map[string]store.Operation{
			planAsyncLeaderPath: {Op: store.OpSet, New: job.FromServer},
			planVersionPath:     {Op: store.OpIncrement},
		},
		Preconditions: map[string]store.Precondition{
			planAsyncLeaderPath: store.NewPrecondOld(job.ToServer),
		},
	}})
}

// pickSingleTarget returns the first healthy single server other than
// the failed one.
func pickSingleTarget(snap *store.Store, failed string) string {
	planned := snap.List(planSinglesPrefix)
	ids := make([]string, 0, len(planned))
	for id := range planned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if id != failed && serverHealth(snap, id) == StatusGood {
			return id
		}
	}
	return ""
}
