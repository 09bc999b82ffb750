// Package stats exposes the narrow StatsSink interface the core consumes
// for metric reporting (spec §6), plus a null implementation matching the
// "null-stats report a sentinel value" expectation.
package stats

// NullDIVStatsValue is the sentinel value for null DIV stats (spec §6
// "null-stats report a sentinel value"). NullStats itself returns no values.
const NullDIVStatsValue = -1

// Sink is the narrow metrics surface consumed by the core. Names match the
// metrics enumerated in spec §6.
type Sink interface {
	SuccessMsg(partition int32)
	FatalDiv(partition int32)
	DuplicateMsg(partition int32)
	StorageQuotaUsed(partition int32, bytes int64)
	LeaderProduceLatencyMs(partition int32, ms float64)
	ConsumerRecordsQueuePutLatencyMs(partition int32, ms float64)
	RegionHybridBytesConsumed(region string, bytes int64)
	TombstoneCreatedDCR(partition int32)
}

// NullStats is a Sink that records nothing; Sink has no method that reads a
// value back, so NullStats never reports NullDIVStatsValue itself.
type NullStats struct{}

var _ Sink = NullStats{}

func (NullStats) SuccessMsg(int32)                           {}
func (NullStats) FatalDiv(int32)                              {}
func (NullStats) DuplicateMsg(int32)                          {}
func (NullStats) StorageQuotaUsed(int32, int64)               {}
func (NullStats) LeaderProduceLatencyMs(int32, float64)       {}
func (NullStats) ConsumerRecordsQueuePutLatencyMs(int32, float64) {}
func (NullStats) RegionHybridBytesConsumed(string, int64)     {}
func (NullStats) TombstoneCreatedDCR(int32)                   {}
