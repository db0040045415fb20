package df

//go:generate msgp -io=false

// QueueMeta tracks the live window of a FIFO queue.
//
//	<- pop |Front|-----------------|Back|  <- push
//
// The queue is empty when Front == Back+1. Both indexes only grow.
type QueueMeta struct {
	Front int64 `json:"f" msg:"f"`
	Back  int64 `json:"b" msg:"b"`
}

// NewQueueMeta is the state of a queue that was never pushed to.
func NewQueueMeta() QueueMeta {
	return QueueMeta{Front: 1, Back: 0}
}

func (q QueueMeta) Len() int64 {
	return q.Back - q.Front + 1
}
