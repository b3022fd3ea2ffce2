package metrics

import "time"

// Recorder receives saga counters and latencies. Labels are free-form;
// implementations keep only the ones they index on.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
