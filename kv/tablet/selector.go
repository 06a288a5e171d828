package tablet

// Replica describes one copy of a partition. Distance is an abstract network
// cost from the local store, lower is closer.
type Replica struct {
	StoreID  uint64
	Leader   bool
	Distance int
}

// ReplicaSelector picks which replica of a partition a request should be sent
// to. Writes and consistent reads must go to the leader; follower reads may
// trade freshness for locality.
type ReplicaSelector interface {
	Select(replicas []Replica) (Replica, bool)
}

// LeaderSelector always picks the leader replica.
type LeaderSelector struct{}

func (LeaderSelector) Select(replicas []Replica) (Replica, bool) {
	for _, r := range replicas {
		if r.Leader {
			return r, true
		}
	}
	return Replica{}, false
}

// NearestSelector picks the replica with the smallest distance, falling back
// to the leader on a tie with it.
type NearestSelector struct{}

func (NearestSelector) Select(replicas []Replica) (Replica, bool) {
	if len(replicas) == 0 {
		return Replica{}, false
	}
	best := replicas[0]
	for _, r := range replicas[1:] {
		if r.Distance < best.Distance || (r.Distance == best.Distance && r.Leader && !best.Leader) {
			best = r
		}
	}
	return best, true
}
