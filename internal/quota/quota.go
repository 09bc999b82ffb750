// Package quota wraps github.com/joeycumines/go-catrate to implement the
// QuotaManager collaborator consumed by the core (spec §6):
// enforce_partition_quota(partition, bytes_read) and disk_quota_usage().
//
// catrate tracks discrete events per category within sliding windows; here
// the category is the partition number, and it is used to rate-limit how
// often a sustained quota violation is re-reported (so a partition stuck
// over quota doesn't spam a violation on every single record), while the
// actual byte accounting is a plain running counter per partition.
package quota

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Manager enforces a maximum cumulative bytes-read quota per partition.
type Manager struct {
	mu            sync.Mutex
	bytesUsed     map[int32]int64
	maxBytes      int64
	violationRate *catrate.Limiter
}

// New constructs a Manager. maxBytesPerPartition <= 0 disables enforcement
// (EnforcePartitionQuota always succeeds, matching a store with no disk
// quota configured).
func New(maxBytesPerPartition int64) *Manager {
	m := &Manager{
		bytesUsed: make(map[int32]int64),
		maxBytes:  maxBytesPerPartition,
	}
	if maxBytesPerPartition > 0 {
		m.violationRate = catrate.NewLimiter(map[time.Duration]int{time.Second: 1})
	}
	return m
}

// EnforcePartitionQuota records bytesRead against partition's running total
// and returns an error at most once per second per partition while the
// partition remains over its configured quota.
func (m *Manager) EnforcePartitionQuota(partition int32, bytesRead int64) error {
	m.mu.Lock()
	m.bytesUsed[partition] += bytesRead
	used := m.bytesUsed[partition]
	m.mu.Unlock()

	if m.maxBytes <= 0 || used <= m.maxBytes {
		return nil
	}

	if _, allowed := m.violationRate.Allow(partition); allowed {
		return fmt.Errorf("quota: partition %d over disk quota: %d/%d bytes used", partition, used, m.maxBytes)
	}
	return nil
}

// DiskQuotaUsage returns the cumulative bytes recorded for partition.
func (m *Manager) DiskQuotaUsage(partition int32) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesUsed[partition]
}
