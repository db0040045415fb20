package executor

// Kind names an operation variant.
type Kind uint8

const (
	KindRead Kind = iota + 1
	KindWrite
	KindDelete
	KindCompareAndSwap
	KindIncrement
	KindReadCounter
	KindQueuePush
	KindQueuePop
)

var kindNames = [...]string{
	KindRead:           "read",
	KindWrite:          "write",
	KindDelete:         "delete",
	KindCompareAndSwap: "cas",
	KindIncrement:      "increment",
	KindReadCounter:    "read-counter",
	KindQueuePush:      "queue-push",
	KindQueuePop:       "queue-pop",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Operation is one of the variants declared in this file.
type Operation interface {
	Kind() Kind
	operation()
}

// WriteOperation is an Operation that may take part in a batch.
type WriteOperation interface {
	Operation
	writeOperation()
}

// Generator produces the follow-up of an Increment from the counter's new
// value. Returning nil means no follow-up.
type Generator func(newValue int64) WriteOperation

type Read struct {
	Key []byte
}

type Write struct {
	Key   []byte
	Value []byte
}

// Delete removes Key. Deleting a missing key succeeds.
type Delete struct {
	Key []byte
}

// CompareAndSwap replaces the value at Key with Value if it currently equals
// Expected. A nil Expected requires the key to be absent, a nil Value
// deletes it.
type CompareAndSwap struct {
	Key      []byte
	Expected []byte
	Value    []byte
}

// Increment adds Delta to the counter at Key, starting from 0 when the key
// is absent. Then, if set, is called with the new value once the increment
// is applied.
type Increment struct {
	Key   []byte
	Delta int64
	Then  Generator
}

type ReadCounter struct {
	Key []byte
}

type QueuePush struct {
	Queue []byte
	Value []byte
}

// QueuePop takes the oldest entry of Queue. It never waits for a push.
type QueuePop struct {
	Queue []byte
}

func (Read) Kind() Kind           { return KindRead }
func (Write) Kind() Kind          { return KindWrite }
func (Delete) Kind() Kind         { return KindDelete }
func (CompareAndSwap) Kind() Kind { return KindCompareAndSwap }
func (Increment) Kind() Kind      { return KindIncrement }
func (ReadCounter) Kind() Kind    { return KindReadCounter }
func (QueuePush) Kind() Kind      { return KindQueuePush }
func (QueuePop) Kind() Kind       { return KindQueuePop }

func (Read) operation()           {}
func (Write) operation()          {}
func (Delete) operation()         {}
func (CompareAndSwap) operation() {}
func (Increment) operation()      {}
func (ReadCounter) operation()    {}
func (QueuePush) operation()      {}
func (QueuePop) operation()       {}

func (Write) writeOperation()          {}
func (Delete) writeOperation()         {}
func (CompareAndSwap) writeOperation() {}
func (Increment) writeOperation()      {}
