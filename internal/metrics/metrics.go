package metrics

import (
	"sync"
	"sync/atomic"
)

// automationStats holds in-process counters for the rule engine.
// Kept simple/thread-safe for use from services and exposition.
type automationStats struct {
	eventsSeen     uint64
	rulesMatched   uint64
	rulesThrottled uint64
	mu             sync.Mutex
	queuedByKind   map[string]uint64
	byStatus       map[string]uint64
}

var auto automationStats

// IncEventSeen counts one incoming automation event.
func IncEventSeen() {
	atomic.AddUint64(&auto.eventsSeen, 1)
}

// IncRuleMatched counts one rule whose conditions passed.
func IncRuleMatched() {
	atomic.AddUint64(&auto.rulesMatched, 1)
}

// IncRuleThrottled counts one rule stopped by its throttle window.
func IncRuleThrottled() {
	atomic.AddUint64(&auto.rulesThrottled, 1)
}

// IncOutboxQueued counts a newly queued outbox row by action kind.
func IncOutboxQueued(kind string) {
	auto.mu.Lock()
	if auto.queuedByKind == nil {
		auto.queuedByKind = make(map[string]uint64)
	}
	auto.queuedByKind[kind]++
	auto.mu.Unlock()
}

// IncOutboxDelivered counts a terminal outbox transition by status.
func IncOutboxDelivered(status string) {
	auto.mu.Lock()
	if auto.byStatus == nil {
		auto.byStatus = make(map[string]uint64)
	}
	auto.byStatus[status]++
	auto.mu.Unlock()
}

var rateLimitDrops uint64

// IncRateLimitDrop counts one HTTP 429 rejection.
func IncRateLimitDrop() {
	atomic.AddUint64(&rateLimitDrops, 1)
}

// RateLimitDrops returns the total 429 count.
func RateLimitDrops() uint64 {
	return atomic.LoadUint64(&rateLimitDrops)
}

// AutomationSnapshot returns a copy of the current counters.
func AutomationSnapshot() (events, matched, throttled uint64, queuedByKind, deliveredByStatus map[string]uint64) {
	events = atomic.LoadUint64(&auto.eventsSeen)
	matched = atomic.LoadUint64(&auto.rulesMatched)
	throttled = atomic.LoadUint64(&auto.rulesThrottled)
	auto.mu.Lock()
	defer auto.mu.Unlock()
	queuedByKind = make(map[string]uint64, len(auto.queuedByKind))
	for k, v := range auto.queuedByKind {
		queuedByKind[k] = v
	}
	deliveredByStatus = make(map[string]uint64, len(auto.byStatus))
	for k, v := range auto.byStatus {
		deliveredByStatus[k] = v
	}
	return
}
