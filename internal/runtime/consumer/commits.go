package consumer

import "sync"

// inflight is a dispatched batch awaiting processing.
type inflight struct {
	batch Batch
	done  bool
}

// partitionLog orders the in-flight batches of one partition. commitMu
// serializes commits so the committed offset never moves backwards.
type partitionLog struct {
	pending   []*inflight
	commitMu  sync.Mutex
	committed int64
}

// commitTracker releases offsets in processed mode. A batch finished on one
// worker is only committed once every earlier batch of its partition has
// finished too. A batch the pool rejected at shutdown stays pending, so
// nothing after it is committed and it is redelivered on restart.
type commitTracker struct {
	mu   sync.Mutex
	logs map[PartitionKey]*partitionLog
}

func newCommitTracker() *commitTracker {
	return &commitTracker{logs: make(map[PartitionKey]*partitionLog)}
}

func (t *commitTracker) track(b Batch) *inflight {
	f := &inflight{batch: b}
	t.mu.Lock()
	defer t.mu.Unlock()
	log, ok := t.logs[b.Key()]
	if !ok {
		log = &partitionLog{}
		t.logs[b.Key()] = log
	}
	log.pending = append(log.pending, f)
	return f
}

// finish marks f processed and commits the longest finished prefix of its
// partition.
func (t *commitTracker) finish(f *inflight, commit func(Batch) error) {
	t.mu.Lock()
	f.done = true
	log, ready := t.release(f.batch.Key())
	t.mu.Unlock()
	t.flush(log, ready, commit)
}

// release pops the finished prefix. Callers hold t.mu.
func (t *commitTracker) release(key PartitionKey) (*partitionLog, *inflight) {
	log := t.logs[key]
	var last *inflight
	for len(log.pending) > 0 && log.pending[0].done {
		last = log.pending[0]
		log.pending = log.pending[1:]
	}
	return log, last
}

func (t *commitTracker) flush(log *partitionLog, last *inflight, commit func(Batch) error) {
	if last == nil {
		return
	}
	log.commitMu.Lock()
	defer log.commitMu.Unlock()
	next := last.batch.NextOffset()
	if next <= log.committed {
		return
	}
	if commit(last.batch) == nil {
		log.committed = next
	}
}
