package supervision

import (
	"sort"

	"github.com/Rustmilian/arangodb-sub000/store"
)

// collection is a planned collection as read from Plan/Collections.
type collection struct {
	database string
	id       string
	attrs    map[string]store.Value
}

// planCollections lists every planned collection, ordered by database
// then id so all agents walk them identically.
func planCollections(snap *store.Store) []collection {
	var out []collection
	for db, v := range snap.List(planCollectionsPrefix) {
		cols, ok := v.(map[string]store.Value)
		if !ok {
			continue
		}
		for id, cv := range cols {
			attrs, ok := cv.(map[string]store.Value)
			if !ok {
				logger.Errorf("malformed collection entry %s/%s", db, id)
				continue
			}
			out = append(out, collection{database: db, id: id, attrs: attrs})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].database != out[j].database {
			return out[i].database < out[j].database
		}
		return out[i].id < out[j].id
	})
	return out
}

// lookupCollection fetches one planned collection.
func lookupCollection(snap *store.Store, db, id string) (collection, bool) {
	v, ok := snap.Get(planCollectionsPrefix + "/" + db + "/" + id)
	if !ok {
		return collection{}, false
	}
	attrs, ok := v.(map[string]store.Value)
	if !ok {
		return collection{}, false
	}
	return collection{database: db, id: id, attrs: attrs}, true
}

// shards returns shard name to server list (leader first).
func (c collection) shards() map[string][]string {
	out := make(map[string][]string)
	m, ok := c.attrs["shards"].(map[string]store.Value)
	if !ok {
		return out
	}
	for shard, v := range m {
		out[shard] = stringSlice(v)
	}
	return out
}

// sortedShards returns the shard names in lexical order. Clone
// collections correspond to their prototype shard-by-shard in this
// order.
func (c collection) sortedShards() []string {
	m, _ := c.attrs["shards"].(map[string]store.Value)
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c collection) replicationFactor() int {
	if n, ok := asUint(c.attrs["replicationFactor"]); ok && n > 0 {
		return int(n)
	}
	return 1
}

func (c collection) distributeShardsLike() string {
	s, _ := c.attrs["distributeShardsLike"].(string)
	return s
}

func (c collection) isBuilding() bool {
	b, _ := c.attrs["isBuilding"].(bool)
	return b
}

// clonesOf returns the collections in db that distribute their shards
// like the given prototype collection.
func clonesOf(snap *store.Store, db, protoID string) []collection {
	var out []collection
	for _, c := range planCollections(snap) {
		if c.database == db && c.distributeShardsLike() == protoID {
			out = append(out, c)
		}
	}
	return out
}

// cloneShard maps a prototype shard onto the clone's shard at the same
// position in sorted order.
func cloneShard(proto collection, clone collection, shard string) (string, bool) {
	protoShards := proto.sortedShards()
	pos := -1
	for i, name := range protoShards {
		if name == shard {
			pos = i
			break
		}
	}
	if pos < 0 {
		return "", false
	}
	cloneShards := clone.sortedShards()
	if pos >= len(cloneShards) {
		return "", false
	}
	return cloneShards[pos], true
}

func shardPlanPath(db, col, shard string) string {
	return planCollectionsPrefix + "/" + db + "/" + col + "/shards/" + shard
}

// currentServers returns the in-sync server list (leader first) a shard
// reports under Current.
func currentServers(snap *store.Store, db, col, shard string) []string {
	v, ok := snap.Get(currentCollectionsPrefix + "/" + db + "/" + col + "/" + shard)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]store.Value)
	if !ok {
		return nil
	}
	return stringSlice(m["servers"])
}

func stringSlice(v store.Value) []string {
	arr, ok := v.([]store.Value)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toValueList(servers []string) []store.Value {
	out := make([]store.Value, len(servers))
	for i, s := range servers {
		out[i] = s
	}
	return out
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		if e != s {
			out = append(out, e)
		}
	}
	return out
}

// excludedServer reports whether a server must not receive new data:
// already being cleaned out, cleaned out, or marked failed.
func excludedServer(snap *store.Store, id string) bool {
	if cleaned, ok := snap.Get(targetCleanedServersPath); ok {
		if contains(stringSlice(cleaned), id) {
			return true
		}
	}
	if _, ok := snap.Get(targetFailedServersPrefix + "/" + id); ok {
		return true
	}
	return false
}

// healthyDBServers returns the GOOD DBServers in lexical order.
func healthyDBServers(snap *store.Store) []string {
	planned := snap.List(planDBServersPrefix)
	ids := make([]string, 0, len(planned))
	for id := range planned {
		if serverHealth(snap, id) == StatusGood {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
