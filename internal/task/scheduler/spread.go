package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

var spreadSeq atomic.Uint64

// startupDelay picks the random first-run delay of an interval task, capped
// by both the interval and maxSpread. It keeps many nodes restarting together
// from hammering the store at the same instant.
func startupDelay(every, maxSpread time.Duration, tag string) time.Duration {
	spreadMax := min(every, maxSpread)
	if spreadMax <= 0 {
		return 0
	}
	seed := time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	return time.Duration(rng.Int63n(int64(spreadMax)))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
