// Package resource holds the process-wide sizing knobs shared by every
// component of an engine instance: total attached capacity, the cache byte
// budget derived from it, and the cadence at which freed memory is returned
// to the OS. The manager is constructed once per engine and threaded through
// by reference; it is not global state.
package resource

import (
	"runtime/debug"
	"sync"
	"time"
)

const (
	// cachePercent is the slice of total capacity granted to the block cache.
	cachePercent = 2

	minCacheSize = 8 << 20  // 8 MiB
	maxCacheSize = 1 << 30  // 1 GiB

	// DefaultMemReleaseRate is the default interval, in seconds, between
	// forced returns of freed heap pages to the OS. Zero disables the
	// reclaimer.
	DefaultMemReleaseRate = 0
)

type Manager struct {
	mu             sync.Mutex
	totalCap       uint64
	cacheSize      uint64
	memReleaseRate int

	reclaimOnce sync.Once
	done        chan struct{}
}

func New(memReleaseRate int) *Manager {
	return &Manager{
		cacheSize:      minCacheSize,
		memReleaseRate: memReleaseRate,
		done:           make(chan struct{}),
	}
}

// SetTotalCap records the attached capacity and re-derives the cache budget
// as a bounded fraction of it.
func (m *Manager) SetTotalCap(cap uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCap = cap

	size := cap * cachePercent / 100
	if size < minCacheSize {
		size = minCacheSize
	}
	if size > maxCacheSize {
		size = maxCacheSize
	}
	m.cacheSize = size
}

func (m *Manager) TotalCap() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCap
}

func (m *Manager) CacheSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheSize
}

func (m *Manager) MemReleaseRate() int {
	return m.memReleaseRate
}

// StartReclaimer begins returning freed heap pages to the OS at the
// configured cadence. It is a no-op when the rate is zero.
func (m *Manager) StartReclaimer() {
	if m.memReleaseRate <= 0 {
		return
	}
	m.reclaimOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Duration(m.memReleaseRate) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					debug.FreeOSMemory()
				case <-m.done:
					return
				}
			}
		}()
	})
}

func (m *Manager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
