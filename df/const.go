package df

// Every engine key starts with one of these bytes, so user data and
// the queue bookkeeping never collide.
const (
	DataPrefix      = 1
	QueueMetaPrefix = 2
	QueueMsgPrefix  = 3
)

// CounterSize is the length of an encoded counter value.
const CounterSize = 8
