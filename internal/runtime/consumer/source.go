package consumer

import (
	"context"
	"time"
)

// Record is one message received from a partitioned log.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Batch is a run of consecutive records from one partition.
type Batch struct {
	Topic     string
	Partition int32
	Records   []Record
}

// NextOffset is the offset following the last record, or -1 when empty.
func (b Batch) NextOffset() int64 {
	if len(b.Records) == 0 {
		return -1
	}
	return b.Records[len(b.Records)-1].Offset + 1
}

// Key identifies the batch's partition.
func (b Batch) Key() PartitionKey {
	return PartitionKey{Topic: b.Topic, Partition: b.Partition}
}

// PartitionKey identifies a topic partition.
type PartitionKey struct {
	Topic     string
	Partition int32
}

// Source is a partitioned log subscription for one consumer group.
// Poll may block until records arrive or ctx is done. Commit marks every
// record of the batch as consumed and must be safe for concurrent use.
type Source interface {
	Poll(ctx context.Context) ([]Batch, error)
	Pause(b Batch)
	Resume(b Batch)
	Commit(ctx context.Context, b Batch) error
	Close() error
}
