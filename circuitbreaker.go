package isoalloc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Circuit breaker states, carried over from the teacher's
// circuitClosed/circuitOpen/circuitHalfOpen state machine.
const (
	circuitClosed   int32 = 0
	circuitOpen     int32 = 1
	circuitHalfOpen int32 = 2
)

// CircuitBreakerConfig tunes how many consecutive mmap/mprotect
// failures trip the breaker and how long it stays open before
// probing again.
type CircuitBreakerConfig struct {
	FailureThreshold int64
	RecoveryTimeout  time.Duration
}

// circuitBreaker protects the root from hammering the kernel with
// mmap calls once the host is genuinely out of address space or
// memory: once zone/big-zone creation failures reach FailureThreshold
// (each success while closed cancels one earlier failure) it opens and
// fails fast with ErrOutOfMemory until RecoveryTimeout elapses. It
// then goes half-open and lets attempts through: FailureThreshold/2
// successes close it again, and a single failure reopens it. Adapted
// from the teacher's
// circuitBreakerState/isCircuitBreakerOpen machine, generalized from
// guarding a single Allocate call to guarding the root's mapping
// operations.
type circuitBreaker struct {
	config CircuitBreakerConfig

	stateMutex      sync.RWMutex
	currentState    int32
	failureCount    int64
	successCount    int64
	lastFailureTime time.Time
	lastStateChange time.Time

	logWarn func(string, ...any)
	logInfo func(string, ...any)
}

func newCircuitBreaker(cfg CircuitBreakerConfig, logWarn, logInfo func(string, ...any)) *circuitBreaker {
	return &circuitBreaker{
		config:          cfg,
		currentState:    circuitClosed,
		lastStateChange: time.Now(),
		logWarn:         logWarn,
		logInfo:         logInfo,
	}
}

func (cb *circuitBreaker) isOpen() bool {
	cb.stateMutex.RLock()
	defer cb.stateMutex.RUnlock()

	state := atomic.LoadInt32(&cb.currentState)
	now := time.Now()

	switch state {
	case circuitOpen:
		if now.Sub(cb.lastFailureTime) > cb.config.RecoveryTimeout {
			if atomic.CompareAndSwapInt32(&cb.currentState, circuitOpen, circuitHalfOpen) {
				cb.lastStateChange = now
				cb.successCount = 0
			}
			return false
		}
		return true
	case circuitHalfOpen:
		return cb.successCount >= cb.config.FailureThreshold/2
	default: // circuitClosed
		return false
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.stateMutex.Lock()
	defer cb.stateMutex.Unlock()

	state := atomic.LoadInt32(&cb.currentState)
	now := time.Now()
	cb.failureCount++
	cb.lastFailureTime = now

	switch state {
	case circuitClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			atomic.StoreInt32(&cb.currentState, circuitOpen)
			cb.lastStateChange = now
			if cb.logWarn != nil {
				cb.logWarn("mapping circuit breaker opened", "failure_count", cb.failureCount)
			}
		}
	case circuitHalfOpen:
		atomic.StoreInt32(&cb.currentState, circuitOpen)
		cb.lastStateChange = now
		cb.successCount = 0
		if cb.logWarn != nil {
			cb.logWarn("mapping circuit breaker reopened after half-open failure", "failure_count", cb.failureCount)
		}
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.stateMutex.Lock()
	defer cb.stateMutex.Unlock()

	state := atomic.LoadInt32(&cb.currentState)
	now := time.Now()

	switch state {
	case circuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.FailureThreshold/2 {
			atomic.StoreInt32(&cb.currentState, circuitClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.lastStateChange = now
			if cb.logInfo != nil {
				cb.logInfo("mapping circuit breaker closed")
			}
		}
	case circuitClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	}
}
