package executor

// Result is the outcome of Execute. Which fields are meaningful depends on
// Kind:
//
//	Read, QueuePop                      Value, Found
//	Write, Delete, CompareAndSwap,
//	QueuePush                           Success
//	Increment, ReadCounter              Counter
//
// An Increment with a generator also reports its follow-up: Chained holds
// the follow-up's result, ChainErr its failure. A failed follow-up never
// undoes the increment.
type Result struct {
	Kind    Kind
	Value   []byte
	Found   bool
	Success bool
	Counter int64

	Chained  *Result
	ChainErr error
}
