package supervision

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// Job kinds.
type JobType string

const (
	JobFailedServer   JobType = "failedServer"
	JobFailedLeader   JobType = "failedLeader"
	JobActiveFailover JobType = "activeFailover"
	JobAddFollower    JobType = "addFollower"
	JobRemoveFollower JobType = "removeFollower"
	JobCleanOutServer JobType = "cleanOutServer"
)

// Job is one unit of corrective work, stored under Target/<status>/<id>.
// A job's id is its identity across status moves; every move is a single
// precondition-gated step, so each job lives in exactly one list.
type Job struct {
	ID      string
	Type    JobType
	Creator string

	Server     string
	Database   string
	Collection string
	Shard      string
	FromServer string
	ToServer   string

	TimeCreated  string
	TimeStarted  string
	TimeFinished string
	NotBefore    string

	Reason string
}

func (j Job) toValue() store.Value {
	out := map[string]store.Value{
		"jobId":       j.ID,
		"type":        string(j.Type),
		"creator":     j.Creator,
		"timeCreated": j.TimeCreated,
	}
	set := func(key, v string) {
		if v != "" {
			out[key] = v
		}
	}
	set("server", j.Server)
	set("database", j.Database)
	set("collection", j.Collection)
	set("shard", j.Shard)
	set("fromServer", j.FromServer)
	set("toServer", j.ToServer)
	set("timeStarted", j.TimeStarted)
	set("timeFinished", j.TimeFinished)
	set("notBefore", j.NotBefore)
	set("reason", j.Reason)
	return out
}

func jobFrom(v store.Value) (Job, bool) {
	m, ok := v.(map[string]store.Value)
	if !ok {
		return Job{}, false
	}
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return Job{
		ID:           str("jobId"),
		Type:         JobType(str("type")),
		Creator:      str("creator"),
		Server:       str("server"),
		Database:     str("database"),
		Collection:   str("collection"),
		Shard:        str("shard"),
		FromServer:   str("fromServer"),
		ToServer:     str("toServer"),
		TimeCreated:  str("timeCreated"),
		TimeStarted:  str("timeStarted"),
		TimeFinished: str("timeFinished"),
		NotBefore:    str("notBefore"),
		Reason:       str("reason"),
	}, true
}

// jobOutcome is a handler's verdict for one job on one tick.
type jobOutcome int

const (
	// jobWait leaves the job where it is.
	jobWait jobOutcome = iota
	// jobStarted means the handler moved the job to Pending itself,
	// atomically with its initial writes.
	jobStarted
	// jobFinished and jobFailed request the generic status move.
	jobFinished
	jobFailed
)

// jobHandler implements one job kind. start runs on ToDo jobs and must
// bundle the ToDo to Pending move into the same atomic step as its
// initial writes. check runs on Pending jobs. abort undoes a Pending
// job's partial work before it is declared Failed.
type jobHandler interface {
	start(s *Supervision, ctx *tickContext, job *Job) jobOutcome
	check(s *Supervision, ctx *tickContext, job *Job) jobOutcome
	abort(s *Supervision, ctx *tickContext, job *Job)
}

// handlerFor is exhaustive over JobType; unknown kinds fail the job
// rather than wedging the queue.
func handlerFor(t JobType) (jobHandler, bool) {
	switch t {
	case JobFailedServer:
		return failedServerJob{}, true
	case JobFailedLeader:
		return failedLeaderJob{}, true
	case JobActiveFailover:
		return activeFailoverJob{}, true
	case JobAddFollower:
		return addFollowerJob{}, true
	case JobRemoveFollower:
		return removeFollowerJob{}, true
	case JobCleanOutServer:
		return cleanOutServerJob{}, true
	default:
		return nil, false
	}
}

// processJobs drives Pending jobs forward, then starts due ToDo jobs,
// oldest first, capped per tick so one flood cannot starve the loop.
func (s *Supervision) processJobs(ctx *tickContext) {
	if s.maintenanceActive(ctx) {
		return
	}

	for _, job := range s.listJobs(ctx, targetPendingPrefix) {
		s.checkPending(ctx, job)
	}

	started := 0
	for _, job := range s.listJobs(ctx, targetToDoPrefix) {
		if started >= s.cfg.MaxJobsPerTick {
			break
		}
		if s.startToDo(ctx, job) {
			started++
		}
	}
}

func (s *Supervision) startToDo(ctx *tickContext, job Job) bool {
	if job.NotBefore != "" {
		nb, err := time.Parse(time.RFC3339, job.NotBefore)
		if err == nil && ctx.now.Before(nb) {
			return false
		}
	}

	handler, ok := handlerFor(job.Type)
	if !ok {
		logger.Errorf("job %s has unknown type %q", job.ID, job.Type)
		job.Reason = "unknown job type " + string(job.Type)
		s.moveJob(ctx, job, targetToDoPrefix, targetFailedPrefix)
		return false
	}

	switch handler.start(s, ctx, &job) {
	case jobStarted:
		s.registry.Counter("supervision_jobs_started").Inc()
		return true
	case jobFinished:
		job.TimeFinished = ctx.now.Format(time.RFC3339)
		s.moveJob(ctx, job, targetToDoPrefix, targetFinishedPrefix)
		return false
	case jobFailed:
		job.TimeFinished = ctx.now.Format(time.RFC3339)
		s.moveJob(ctx, job, targetToDoPrefix, targetFailedPrefix)
		return false
	default:
		return false
	}
}

func (s *Supervision) checkPending(ctx *tickContext, job Job) {
	handler, ok := handlerFor(job.Type)
	if !ok {
		job.Reason = "unknown job type " + string(job.Type)
		s.moveJob(ctx, job, targetPendingPrefix, targetFailedPrefix)
		return
	}

	// The deadline runs from creation, not from the Pending move: time
	// spent waiting in ToDo counts against the job's budget.
	if job.TimeCreated != "" {
		tc, err := time.Parse(time.RFC3339, job.TimeCreated)
		if err == nil && ctx.now.Sub(tc) > s.cfg.JobTimeout {
			logger.Warningf("job %s (%s) timed out after %v", job.ID, job.Type, s.cfg.JobTimeout)
			s.registry.Counter("supervision_jobs_timed_out").Inc()
			handler.abort(s, ctx, &job)
			job.Reason = "timed out"
			job.TimeFinished = ctx.now.Format(time.RFC3339)
			s.moveJob(ctx, job, targetPendingPrefix, targetFailedPrefix)
			return
		}
	}

	switch handler.check(s, ctx, &job) {
	case jobFinished:
		s.registry.Counter("supervision_jobs_finished").Inc()
		job.TimeFinished = ctx.now.Format(time.RFC3339)
		s.moveJob(ctx, job, targetPendingPrefix, targetFinishedPrefix)
	case jobFailed:
		s.registry.Counter("supervision_jobs_failed").Inc()
		handler.abort(s, ctx, &job)
		job.TimeFinished = ctx.now.Format(time.RFC3339)
		s.moveJob(ctx, job, targetPendingPrefix, targetFailedPrefix)
	}
}

// moveJob relocates a job between status lists in one atomic step. The
// precondition on the source slot makes the move idempotent: a repeated
// attempt after a race is a clean no-op.
func (s *Supervision) moveJob(ctx *tickContext, job Job, from, to string) bool {
	step := store.Step{
		Operations: map[string]store.Operation{
			from + "/" + job.ID: {Op: store.OpDelete},
			to + "/" + job.ID:   {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			from + "/" + job.ID: store.NewPrecondEmpty(false),
		},
	}
	ok := s.apply(store.Transaction{step})
	return len(ok) > 0 && ok[0]
}

// listJobs returns the jobs under prefix ordered oldest first, id as
// the tiebreaker, so every agent processes them in the same order.
func (s *Supervision) listJobs(ctx *tickContext, prefix string) []Job {
	entries := ctx.snap.List(prefix)
	jobs := make([]Job, 0, len(entries))
	for id, v := range entries {
		job, ok := jobFrom(v)
		if !ok {
			logger.Errorf("malformed job entry at %s/%s", prefix, id)
			continue
		}
		if job.ID == "" {
			job.ID = id
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].TimeCreated != jobs[j].TimeCreated {
			return jobs[i].TimeCreated < jobs[j].TimeCreated
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// hasActiveJobFor reports whether a ToDo or Pending job already targets
// the given server.
func (s *Supervision) hasActiveJobFor(ctx *tickContext, server string) bool {
	for _, prefix := range []string{targetToDoPrefix, targetPendingPrefix} {
		for _, v := range ctx.snap.List(prefix) {
			if job, ok := jobFrom(v); ok && job.Server == server {
				return true
			}
		}
	}
	return false
}

// newJob mints a job of the given kind against a server.
func (s *Supervision) newJob(ctx *tickContext, t JobType, server string) (Job, bool) {
	id, ok := s.ids.Next(ctx)
	if !ok {
		return Job{}, false
	}
	return Job{
		ID:          id,
		Type:        t,
		Creator:     ctx.creator,
		Server:      server,
		TimeCreated: ctx.now.Format(time.RFC3339),
	}, true
}

const idBatchSize = 100

// idAllocator mints job ids in batches reserved from Sync/LatestID, so
// one replicated write covers many jobs. Ids reserved by a leader that
// loses its batch are simply skipped; ids are unique, not dense.
type idAllocator struct {
	sup *Supervision

	mu   sync.Mutex
	next uint64
	end  uint64
}

func newIDAllocator(sup *Supervision) *idAllocator {
	return &idAllocator{sup: sup}
}

func (a *idAllocator) Next(ctx *tickContext) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= a.end {
		if !a.refillLocked(ctx) {
			return "", false
		}
	}
	id := a.next
	a.next++
	return strconv.FormatUint(id, 10), true
}

// refillLocked reserves the next batch. The precondition on the old
// counter value serializes concurrent reservations across leaders.
func (a *idAllocator) refillLocked(ctx *tickContext) bool {
	for attempt := 0; attempt < 3; attempt++ {
		snap := a.sup.agency.Snapshot()

		var latest uint64
		step := store.Step{
			Operations:    map[string]store.Operation{},
			Preconditions: map[string]store.Precondition{},
		}
		if v, ok := snap.Get(syncLatestIDPath); ok {
			n, numeric := asUint(v)
			if !numeric {
				logger.Errorf("non-numeric value at %s", syncLatestIDPath)
				return false
			}
			latest = n
			step.Preconditions[syncLatestIDPath] = store.NewPrecondOld(v)
		} else {
			step.Preconditions[syncLatestIDPath] = store.NewPrecondEmpty(true)
		}
		step.Operations[syncLatestIDPath] = store.Operation{
			Op: store.OpSet, New: float64(latest + idBatchSize),
		}

		ok := a.sup.apply(store.Transaction{step})
		if len(ok) > 0 && ok[0] {
			a.next = latest + 1
			a.end = latest + idBatchSize + 1
			return true
		}
	}
	logger.Warningf("could not reserve a job id batch")
	return false
}

func asUint(v store.Value) (uint64, bool) {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case int:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	case uint64:
		return t, true
	case int64:
		if t < 0 {
			return 0, false
		}
		return uint64(t), true
	default:
		return 0, false
	}
}
