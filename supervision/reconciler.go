package supervision

import (
	"sort"
	"strconv"
	"time"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// reconcile runs the maintenance passes, in order. Every pass is
// idempotent and judges only the tick's snapshot, so a pass that acts
// on stale facts fails its preconditions and simply runs again next
// tick.
func (s *Supervision) reconcile(ctx *tickContext) {
	if s.maintenanceActive(ctx) {
		return
	}
	s.unlockExpiredBackups(ctx)
	s.shrinkFleet(ctx)
	s.enforceReplication(ctx)
	s.removeLostShards(ctx)
	s.readyFinishedIndexes(ctx)
	s.dropBrokenBuilds(ctx)
	s.collectOldJobs(ctx)
	s.failStuckTransfers(ctx)
}

// unlockExpiredBackups drops a hot-backup create lock whose deadline
// passed, so an aborted backup cannot block the cluster forever.
func (s *Supervision) unlockExpiredBackups(ctx *tickContext) {
	v, ok := ctx.snap.Get(targetHotBackupCreatePath)
	if !ok {
		return
	}
	m, ok := v.(map[string]store.Value)
	if !ok {
		return
	}
	expires, _ := m["expires"].(string)
	t, err := time.Parse(time.RFC3339, expires)
	if err != nil || ctx.now.Before(t) {
		return
	}
	logger.Infof("releasing expired hot backup lock (deadline %s)", expires)
	s.apply(store.Transaction{{
		Operations: map[string]store.Operation{
			targetHotBackupCreatePath: {Op: store.OpDelete},
		},
		Preconditions: map[string]store.Precondition{
			targetHotBackupCreatePath: store.NewPrecondOld(v),
		},
	}})
}

// shrinkFleet starts draining surplus DBServers when the target fleet
// size shrank below what is deployed, one server per tick, and only
// when the largest replication factor still fits the remaining fleet.
func (s *Supervision) shrinkFleet(ctx *tickContext) {
	target, ok := asUint(firstValue(ctx.snap.Get(targetNumberOfDBServers)))
	if !ok || target == 0 {
		return
	}

	planned := ctx.snap.List(planDBServersPrefix)
	active := make([]string, 0, len(planned))
	for id := range planned {
		if !excludedServer(ctx.snap, id) {
			active = append(active, id)
		}
	}
	if uint64(len(active)) <= target {
		return
	}

	maxRF := 1
	for _, col := range planCollections(ctx.snap) {
		if rf := col.replicationFactor(); rf > maxRF {
			maxRF = rf
		}
	}
	if len(active)-1 < maxRF {
		return
	}

	// Drain the lexically last healthy server that leads nothing.
	sort.Sort(sort.Reverse(sort.StringSlice(active)))
	for _, id := range active {
		if serverHealth(ctx.snap, id) != StatusGood {
			continue
		}
		if len(ledShards(ctx.snap, id)) > 0 {
			continue
		}
		if s.hasActiveJobFor(ctx, id) {
			continue
		}
		job, ok := s.newJob(ctx, JobCleanOutServer, id)
		if !ok {
			return
		}
		job.Reason = "fleet shrink to " + strconv.FormatUint(target, 10)
		s.apply(store.Transaction{{
			Operations: map[string]store.Operation{
				targetToDoPrefix + "/" + job.ID: {Op: store.OpSet, New: job.toValue()},
			},
			Preconditions: map[string]store.Precondition{
				targetToDoPrefix + "/" + job.ID: store.NewPrecondEmpty(true),
			},
		}})
		return
	}
}

// enforceReplication repairs shards whose plan list diverged from the
// replication factor. Under-replicated shards wait DelayAddFollower
// before repair; over-replicated shards shed out-of-sync followers
// first. The number of repair jobs in flight is capped.
func (s *Supervision) enforceReplication(ctx *tickContext) {
	inFlight := s.countReplicationJobs(ctx)

	for _, col := range planCollections(ctx.snap) {
		if col.distributeShardsLike() != "" || col.isBuilding() {
			continue
		}
		rf := col.replicationFactor()
		shards := col.shards()
		for _, shard := range col.sortedShards() {
			if inFlight >= s.cfg.MaxJobsPerTick {
				return
			}
			planned := shards[shard]
			key := col.database + "/" + col.id + "/" + shard

			switch {
			case len(planned) < rf:
				first, seen := s.underSince[key]
				if !seen {
					s.underSince[key] = ctx.now
					continue
				}
				if ctx.now.Sub(first) < s.cfg.DelayAddFollower {
					continue
				}
				if s.hasShardJob(ctx, JobAddFollower, "", shard) {
					continue
				}
				job, ok := s.newJob(ctx, JobAddFollower, "")
				if !ok {
					return
				}
				job.Database = col.database
				job.Collection = col.id
				job.Shard = shard
				if s.enqueueJob(job) {
					inFlight++
				}

			case len(planned) > rf:
				delete(s.underSince, key)
				victim := pickSurplusFollower(ctx.snap, col, shard, planned)
				if victim == "" || s.hasShardJob(ctx, JobRemoveFollower, victim, shard) {
					continue
				}
				job, ok := s.newJob(ctx, JobRemoveFollower, victim)
				if !ok {
					return
				}
				job.Database = col.database
				job.Collection = col.id
				job.Shard = shard
				if s.enqueueJob(job) {
					inFlight++
				}

			default:
				delete(s.underSince, key)
			}
		}
	}
}

// pickSurplusFollower chooses which follower to shed: out-of-sync or
// unhealthy ones go first, in-sync healthy ones only as a last resort.
func pickSurplusFollower(snap *store.Store, col collection, shard string, planned []string) string {
	inSync := currentServers(snap, col.database, col.id, shard)
	var fallback string
	for i := len(planned) - 1; i >= 1; i-- {
		cand := planned[i]
		if !contains(inSync, cand) || serverHealth(snap, cand) != StatusGood {
			return cand
		}
		if fallback == "" {
			fallback = cand
		}
	}
	return fallback
}

func (s *Supervision) countReplicationJobs(ctx *tickContext) int {
	n := 0
	for _, prefix := range []string{targetToDoPrefix, targetPendingPrefix} {
		for _, v := range ctx.snap.List(prefix) {
			if job, ok := jobFrom(v); ok && (job.Type == JobAddFollower || job.Type == JobRemoveFollower) {
				n++
			}
		}
	}
	return n
}

func (s *Supervision) enqueueJob(job Job) bool {
	ok := s.apply(store.Transaction{{
		Operations: map[string]store.Operation{
			targetToDoPrefix + "/" + job.ID: {Op: store.OpSet, New: job.toValue()},
		},
		Preconditions: map[string]store.Precondition{
			targetToDoPrefix + "/" + job.ID: store.NewPrecondEmpty(true),
		},
	}})
	return len(ok) > 0 && ok[0]
}

// removeLostShards drops Current entries for shards that no plan knows
// anymore and that only failed servers ever reported.
func (s *Supervision) removeLostShards(ctx *tickContext) {
	for db, dv := range ctx.snap.List(currentCollectionsPrefix) {
		cols, ok := dv.(map[string]store.Value)
		if !ok {
			continue
		}
		for colID, cv := range cols {
			shards, ok := cv.(map[string]store.Value)
			if !ok {
				continue
			}
			planCol, planOK := lookupCollection(ctx.snap, db, colID)
			for shard, sv := range shards {
				if planOK {
					if _, exists := planCol.shards()[shard]; exists {
						continue
					}
				}
				m, ok := sv.(map[string]store.Value)
				if !ok {
					continue
				}
				lost := true
				for _, srv := range stringSlice(m["servers"]) {
					if serverHealth(ctx.snap, srv) != StatusFailed {
						lost = false
						break
					}
				}
				if !lost {
					continue
				}
				logger.Infof("removing lost shard %s/%s/%s", db, colID, shard)
				path := currentCollectionsPrefix + "/" + db + "/" + colID + "/" + shard
				s.apply(store.Transaction{{
					Operations: map[string]store.Operation{
						path: {Op: store.OpDelete},
					},
					Preconditions: map[string]store.Precondition{
						path: store.NewPrecondOld(sv),
					},
				}})
			}
		}
	}
}

// readyFinishedIndexes clears the isBuilding flag of an index once
// every shard of its collection reports the index as present.
func (s *Supervision) readyFinishedIndexes(ctx *tickContext) {
	for _, col := range planCollections(ctx.snap) {
		indexes, ok := col.attrs["indexes"].([]store.Value)
		if !ok {
			continue
		}
		changed := false
		newIndexes := make([]store.Value, 0, len(indexes))
		for _, iv := range indexes {
			idx, ok := iv.(map[string]store.Value)
			if !ok {
				newIndexes = append(newIndexes, iv)
				continue
			}
			building, _ := idx["isBuilding"].(bool)
			id, _ := idx["id"].(string)
			if !building || id == "" || !indexBuiltEverywhere(ctx.snap, col, id) {
				newIndexes = append(newIndexes, iv)
				continue
			}
			ready := make(map[string]store.Value, len(idx))
			for k, v := range idx {
				if k != "isBuilding" {
					ready[k] = v
				}
			}
			newIndexes = append(newIndexes, ready)
			changed = true
			logger.Infof("index %s on %s/%s finished building", id, col.database, col.id)
		}
		if !changed {
			continue
		}
		newAttrs := make(map[string]store.Value, len(col.attrs))
		for k, v := range col.attrs {
			newAttrs[k] = v
		}
		newAttrs["indexes"] = newIndexes
		path := planCollectionsPrefix + "/" + col.database + "/" + col.id
		s.apply(store.Transaction{{
			Operations: map[string]store.Operation{
				path:            {Op: store.OpSet, New: newAttrs},
				planVersionPath: {Op: store.OpIncrement},
			},
			Preconditions: map[string]store.Precondition{
				path: store.NewPrecondOld(col.attrs),
			},
		}})
	}
}

func indexBuiltEverywhere(snap *store.Store, col collection, indexID string) bool {
	for _, shard := range col.sortedShards() {
		v, ok := snap.Get(currentCollectionsPrefix + "/" + col.database + "/" + col.id + "/" + shard)
		if !ok {
			return false
		}
		m, ok := v.(map[string]store.Value)
		if !ok {
			return false
		}
		built, ok := m["indexes"].([]store.Value)
		if !ok {
			return false
		}
		found := false
		for _, iv := range built {
			idx, ok := iv.(map[string]store.Value)
			if ok {
				if id, _ := idx["id"].(string); id == indexID {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// dropBrokenBuilds deletes databases and collections stuck in
// isBuilding whose creating coordinator vanished or rebooted.
func (s *Supervision) dropBrokenBuilds(ctx *tickContext) {
	for name, v := range ctx.snap.List(planDatabasesPrefix) {
		if s.buildAbandoned(ctx, v) {
			logger.Warningf("dropping abandoned database build %s", name)
			s.dropPlanEntry(ctx, planDatabasesPrefix+"/"+name, v)
		}
	}
	for _, col := range planCollections(ctx.snap) {
		if !col.isBuilding() {
			continue
		}
		var attrs store.Value = col.attrs
		if s.buildAbandoned(ctx, attrs) {
			logger.Warningf("dropping abandoned collection build %s/%s", col.database, col.id)
			s.dropPlanEntry(ctx, planCollectionsPrefix+"/"+col.database+"/"+col.id, attrs)
		}
	}
}

// buildAbandoned checks the creator coordinator recorded on an
// isBuilding entry against its current reboot id.
func (s *Supervision) buildAbandoned(ctx *tickContext, v store.Value) bool {
	m, ok := v.(map[string]store.Value)
	if !ok {
		return false
	}
	if building, _ := m["isBuilding"].(bool); !building {
		return false
	}
	coordinator, _ := m["coordinator"].(string)
	if coordinator == "" {
		return false
	}
	if _, planned := ctx.snap.Get(planCoordinatorsPrefix + "/" + coordinator); !planned {
		return true
	}
	recorded, ok := asUint(m["rebootId"])
	if !ok {
		return false
	}
	current, known := rebootID(ctx.snap, coordinator)
	return known && current != recorded
}

func (s *Supervision) dropPlanEntry(ctx *tickContext, path string, old store.Value) {
	s.apply(store.Transaction{{
		Operations: map[string]store.Operation{
			path:            {Op: store.OpDelete},
			planVersionPath: {Op: store.OpIncrement},
		},
		Preconditions: map[string]store.Precondition{
			path: store.NewPrecondOld(old),
		},
	}})
}

// rebootID reads a server's reboot id from Current/ServersKnown,
// accepting both the nested and the single-document layout.
func rebootID(snap *store.Store, id string) (uint64, bool) {
	if v, ok := snap.Get(currentServersKnownPrefix + "/" + id + "/rebootId"); ok {
		return asUint(v)
	}
	v, ok := snap.Get(currentServersKnownPrefix + "/" + id)
	if !ok {
		return 0, false
	}
	m, ok := v.(map[string]store.Value)
	if !ok {
		return 0, false
	}
	return asUint(m["rebootId"])
}

// collectOldJobs trims the Finished and Failed lists to their caps,
// oldest first.
func (s *Supervision) collectOldJobs(ctx *tickContext) {
	s.gcJobList(ctx, targetFinishedPrefix, s.cfg.FinishedJobLimit)
	s.gcJobList(ctx, targetFailedPrefix, s.cfg.FailedJobLimit)
}

func (s *Supervision) gcJobList(ctx *tickContext, prefix string, limit int) {
	if limit <= 0 {
		return
	}
	jobs := s.listJobs(ctx, prefix)
	surplus := len(jobs) - limit
	if surplus <= 0 {
		return
	}
	step := store.Step{Operations: map[string]store.Operation{}}
	for _, job := range jobs[:surplus] {
		step.Operations[prefix+"/"+job.ID] = store.Operation{Op: store.OpDelete}
	}
	logger.Infof("garbage collecting %d jobs under %s", surplus, prefix)
	s.registry.Counter("supervision_jobs_collected").Add(int64(surplus))
	s.apply(store.Transaction{step})
}

// failStuckTransfers marks hot-backup transfer slots whose owning
// server rebooted or failed, so clients stop waiting on them.
func (s *Supervision) failStuckTransfers(ctx *tickContext) {
	for id, v := range ctx.snap.List(targetHotBackupTransferPfx) {
		m, ok := v.(map[string]store.Value)
		if !ok {
			continue
		}
		status, _ := m["status"].(string)
		if status == "COMPLETED" || status == "FAILED" {
			continue
		}
		owner, _ := m["server"].(string)
		if owner == "" {
			continue
		}
		recorded, hasRecorded := asUint(m["rebootId"])
		current, known := rebootID(ctx.snap, owner)
		stuck := serverHealth(ctx.snap, owner) == StatusFailed ||
			(hasRecorded && known && current != recorded)
		if !stuck {
			continue
		}
		failed := make(map[string]store.Value, len(m)+1)
		for k, e := range m {
			failed[k] = e
		}
		failed["status"] = "FAILED"
		failed["reason"] = "server " + owner + " rebooted or failed during transfer"
		path := targetHotBackupTransferPfx + "/" + id
		logger.Warningf("failing stuck hot backup transfer %s owned by %s", id, owner)
		s.apply(store.Transaction{{
			Operations: map[string]store.Operation{
				path: {Op: store.OpSet, New: failed},
			},
			Preconditions: map[string]store.Precondition{
				path: store.NewPrecondOld(v),
			},
		}})
	}
}
