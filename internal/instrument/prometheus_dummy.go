//go:build !prometheus
// +build !prometheus

package instrument

// Init instrumentation
func Init(addr string) {}

// TaskRun increments the counter of tasks run
func TaskRun(kind string) {}

// TaskFailed increments the counter of tasks that returned an error
func TaskFailed(kind string) {}

// AssertionFailure increments the counter of protocol invariant violations
func AssertionFailure() {}

// Reflected increments the counter of reflected envelopes
func Reflected(kind string) {}

// IncomingDropped increments the counter of discarded incoming messages
func IncomingDropped(reason string) {}

// TransactionAborted increments the counter of aborted transactions
func TransactionAborted(scope string) {}

// Reconnect increments the counter of reconnect attempts
func Reconnect() {}

// PendingTasks observes the number of scheduled active tasks
func PendingTasks(n int) {}
