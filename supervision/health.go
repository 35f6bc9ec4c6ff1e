package supervision

import (
	"sort"
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// Server health statuses.
const (
	StatusGood    = "GOOD"
	StatusBad     = "BAD"
	StatusFailed  = "FAILED"
	StatusUnclear = "UNCLEAR"
)

// Server roles as enumerated in the plan.
const (
	roleDBServer    = "DBServer"
	roleCoordinator = "Coordinator"
	roleSingle      = "Single"
)

// HealthRecord is the per-server entry under Supervision/Health. The
// transient copy carries the bookkeeping (LastAckedAt is stamped from
// this agent's clock, never the server's); the persisted copy is the
// cluster-visible verdict.
type HealthRecord struct {
	ShortName   string
	Endpoint    string
	Host        string
	Version     string
	Engine      string
	Status      string
	SyncStatus  string
	SyncTime    string
	LastAckedAt string
	Timestamp   string
}

func (h HealthRecord) toValue() store.Value {
	out := map[string]store.Value{
		"Status":      h.Status,
		"SyncStatus":  h.SyncStatus,
		"SyncTime":    h.SyncTime,
		"LastAckedAt": h.LastAckedAt,
		"Timestamp":   h.Timestamp,
	}
	if h.ShortName != "" {
		out["ShortName"] = h.ShortName
	}
	if h.Endpoint != "" {
		out["Endpoint"] = h.Endpoint
	}
	if h.Host != "" {
		out["Host"] = h.Host
	}
	if h.Version != "" {
		out["Version"] = h.Version
	}
	if h.Engine != "" {
		out["Engine"] = h.Engine
	}
	return out
}

func healthRecordFrom(v store.Value) (HealthRecord, bool) {
	m, ok := v.(map[string]store.Value)
	if !ok {
		return HealthRecord{}, false
	}
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return HealthRecord{
		ShortName:   str("ShortName"),
		Endpoint:    str("Endpoint"),
		Host:        str("Host"),
		Version:     str("Version"),
		Engine:      str("Engine"),
		Status:      str("Status"),
		SyncStatus:  str("SyncStatus"),
		SyncTime:    str("SyncTime"),
		LastAckedAt: str("LastAckedAt"),
		Timestamp:   str("Timestamp"),
	}, true
}

// checkHealth walks every planned server, derives its status from
// heartbeat freshness and updates the transient and persisted health
// records. Status transitions trigger role-specific repair actions.
func (s *Supervision) checkHealth(ctx *tickContext) {
	for _, group := range []struct {
		role   string
		prefix string
	}{
		{roleDBServer, planDBServersPrefix},
		{roleCoordinator, planCoordinatorsPrefix},
		{roleSingle, planSinglesPrefix},
	} {
		planned := ctx.snap.List(group.prefix)
		ids := make([]string, 0, len(planned))
		for id := range planned {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s.checkServer(ctx, group.role, id, planned[id])
		}
	}
}

// checkServer evaluates one server. The heartbeat clock of the remote
// server is never compared against ours: a changed SyncTime string
// only proves the server was alive recently, so the elapsed time is
// measured from the local stamp taken at that change.
func (s *Supervision) checkServer(ctx *tickContext, role, id string, planned store.Value) {
	reported := s.reportedState(ctx, id)

	prev, havePrev := healthRecordFrom(firstValue(ctx.transient.Get(supervisionHealthPrefix + "/" + id)))

	rec := prev
	rec.SyncStatus = reported.SyncStatus
	rec.SyncTime = reported.SyncTime
	rec.Timestamp = ctx.now.Format(time.RFC3339)
	if name, ok := planned.(string); ok && name != "none" {
		rec.ShortName = name
	}
	if reported.Endpoint != "" {
		rec.Endpoint = reported.Endpoint
	}
	if reported.Host != "" {
		rec.Host = reported.Host
	}
	if reported.Version != "" {
		rec.Version = reported.Version
	}
	if reported.Engine != "" {
		rec.Engine = reported.Engine
	}

	if !havePrev {
		// First observation: seed the transient bookkeeping and judge
		// nothing yet. Side effects need at least one prior tick.
		if reported.SyncTime != "" {
			rec.LastAckedAt = ctx.now.Format(time.RFC3339Nano)
			rec.Status = StatusGood
		} else {
			rec.Status = StatusUnclear
		}
		s.writeTransientHealth(id, rec)
		return
	}

	if reported.SyncTime != "" && reported.SyncTime != prev.SyncTime {
		rec.LastAckedAt = ctx.now.Format(time.RFC3339Nano)
	}

	rec.Status = s.statusFor(ctx, rec.LastAckedAt)
	s.writeTransientHealth(id, rec)

	persisted, havePersisted := healthRecordFrom(firstValue(ctx.snap.Get(supervisionHealthPrefix + "/" + id)))
	oldStatus := StatusUnclear
	if havePersisted {
		oldStatus = persisted.Status
	}
	if havePersisted && oldStatus == rec.Status {
		return
	}

	logger.Infof("server %s (%s) health %s -> %s", id, role, oldStatus, rec.Status)
	s.registry.Counter("supervision_health_transitions").Inc()

	step := store.Step{
		Operations: map[string]store.Operation{
			supervisionHealthPrefix + "/" + id: {Op: store.OpSet, New: rec.toValue()},
		},
		Preconditions: map[string]store.Precondition{},
	}
	// Gate on the record we based the decision on, so a concurrent
	// change makes this write fail instead of clobbering it.
	if havePersisted {
		step.Preconditions[supervisionHealthPrefix+"/"+id] = store.NewPrecondOld(persisted.toValue())
	} else {
		step.Preconditions[supervisionHealthPrefix+"/"+id] = store.NewPrecondEmpty(true)
	}

	s.applyTransition(ctx, role, id, oldStatus, rec.Status, step)
}

// applyTransition augments the health-record write with the repair
// action the transition calls for and submits it as one atomic step.
func (s *Supervision) applyTransition(ctx *tickContext, role, id, oldStatus, newStatus string, step store.Step) {
	switch role {
	case roleDBServer:
		switch {
		case newStatus == StatusGood && oldStatus == StatusFailed:
			step.Operations[targetFailedServersPrefix+"/"+id] = store.Operation{Op: store.OpDelete}

		case newStatus == StatusFailed:
			step.Operations[targetFailedServersPrefix+"/"+id] = store.Operation{Op: store.OpSet, New: []store.Value{}}
			if !s.maintenanceActive(ctx) && !s.hasActiveJobFor(ctx, id) {
				if job, ok := s.newJob(ctx, JobFailedServer, id); ok {
					job.NotBefore = ctx.now.Add(s.cfg.DelayFailedFollower).Format(time.RFC3339)
					step.Operations[targetToDoPrefix+"/"+job.ID] = store.Operation{Op: store.OpSet, New: job.toValue()}
					step.Preconditions[targetToDoPrefix+"/"+job.ID] = store.NewPrecondEmpty(true)
				}
			}
		}

	case roleCoordinator:
		if newStatus == StatusFailed {
			step.Operations[currentServersKnownPrefix+"/"+id+"/rebootId"] = store.Operation{Op: store.OpIncrement}
			if master, _ := ctx.snap.Get(currentFoxxmasterPath); master == id {
				step.Operations[currentFoxxmasterPath] = store.Operation{Op: store.OpSet, New: ""}
			}
		}

	case roleSingle:
		if newStatus == StatusFailed && !s.maintenanceActive(ctx) && !s.hasActiveJobFor(ctx, id) {
			if job, ok := s.newJob(ctx, JobActiveFailover, id); ok {
				step.Operations[targetToDoPrefix+"/"+job.ID] = store.Operation{Op: store.OpSet, New: job.toValue()}
				step.Preconditions[targetToDoPrefix+"/"+job.ID] = store.NewPrecondEmpty(true)
			}
		}
	}

	ok := s.apply(store.Transaction{step})
	if len(ok) > 0 && !ok[0] {
		// Lost a race against a concurrent writer; next tick re-reads
		// and re-decides.
		logger.Warningf("health update for %s rejected by precondition", id)
		s.registry.Counter("supervision_health_races").Inc()
	}
}

// statusFor maps heartbeat age onto a status.
func (s *Supervision) statusFor(ctx *tickContext, lastAckedAt string) string {
	if lastAckedAt == "" {
		return StatusUnclear
	}
	t, err := time.Parse(time.RFC3339Nano, lastAckedAt)
	if err != nil {
		return StatusUnclear
	}
	elapsed := ctx.now.Sub(t)
	switch {
	case elapsed <= s.cfg.OkThreshold:
		return StatusGood
	case elapsed <= s.cfg.GracePeriod:
		return StatusBad
	default:
		return StatusFailed
	}
}

// reportedState is what the server last wrote about itself.
type reportedState struct {
	SyncTime   string
	SyncStatus string
	Endpoint   string
	Host       string
	Version    string
	Engine     string
}

func (s *Supervision) reportedState(ctx *tickContext, id string) reportedState {
	v, ok := ctx.snap.Get(syncServerStatesPrefix + "/" + id)
	if !ok {
		return reportedState{}
	}
	m, ok := v.(map[string]store.Value)
	if !ok {
		return reportedState{}
	}
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return reportedState{
		SyncTime:   str("time"),
		SyncStatus: str("status"),
		Endpoint:   str("endpoint"),
		Host:       str("host"),
		Version:    str("version"),
		Engine:     str("engine"),
	}
}

func (s *Supervision) writeTransientHealth(id string, rec HealthRecord) {
	s.agency.ApplyTransient(store.Transaction{{
		Operations: map[string]store.Operation{
			supervisionHealthPrefix + "/" + id: {Op: store.OpSet, New: rec.toValue()},
		},
	}})
}

// serverHealth returns the persisted status of a server, UNCLEAR when
// no record exists.
func serverHealth(snap *store.Store, id string) string {
	rec, ok := healthRecordFrom(firstValue(snap.Get(supervisionHealthPrefix + "/" + id)))
	if !ok {
		return StatusUnclear
	}
	return rec.Status
}

func firstValue(v store.Value, ok bool) store.Value {
	if !ok {
		return nil
	}
	return v
}
