// Package idle provides a generic inactivity detector. Callers feed it
// activity and visibility signals; it fires a callback once per arming when
// the countdown expires or the surface is hidden.
package idle

import (
	"sync"
	"time"
)

// DefaultTimeout is the countdown used when none is configured.
const DefaultTimeout = 2 * time.Minute

// Timer is the armed countdown handle a Monitor holds between signals.
type Timer interface {
	Stop() bool
}

// Monitor runs a single countdown while active. Any activity signal resets
// the countdown; a hidden signal fires the callback immediately. The callback
// fires at most once per arming and the monitor does not re-arm until the
// next activity signal or active toggle.
type Monitor struct {
	mu        sync.Mutex
	timeout   time.Duration
	newTimer  func(d time.Duration, fn func()) Timer
	active    bool
	armed     bool
	timer     Timer
	onTimeout func()
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout overrides the countdown duration.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithTimerFactory replaces the countdown source, used by tests.
func WithTimerFactory(factory func(d time.Duration, fn func()) Timer) Option {
	return func(m *Monitor) {
		if factory != nil {
			m.newTimer = factory
		}
	}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		timeout: DefaultTimeout,
		newTimer: func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start installs the timeout callback and arms the countdown when active is
// true. Calling Start again replaces the callback.
func (m *Monitor) Start(active bool, onTimeout func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = onTimeout
	m.setActiveLocked(active)
}

// SetActive toggles the monitor. Deactivating cancels any pending countdown
// without firing; activating (re)starts it.
func (m *Monitor) SetActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setActiveLocked(active)
}

// Activity records a qualifying signal (pointer movement, key press). While
// active it resets the countdown, re-arming if the previous one has fired.
func (m *Monitor) Activity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.armLocked()
}

// Hidden records a visibility-loss signal, firing the callback immediately
// while an armed countdown is pending.
func (m *Monitor) Hidden() {
	m.mu.Lock()
	if !m.active || !m.armed {
		m.mu.Unlock()
		return
	}
	m.disarmLocked()
	fn := m.onTimeout
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop deactivates the monitor and cancels any pending countdown.
func (m *Monitor) Stop() {
	m.SetActive(false)
}

func (m *Monitor) setActiveLocked(active bool) {
	if m.active == active {
		return
	}
	m.active = active
	if active {
		m.armLocked()
		return
	}
	m.disarmLocked()
}

func (m *Monitor) armLocked() {
	m.disarmLocked()
	m.armed = true
	m.timer = m.newTimer(m.timeout, m.expire)
}

func (m *Monitor) disarmLocked() {
	m.armed = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) expire() {
	m.mu.Lock()
	if !m.active || !m.armed {
		m.mu.Unlock()
		return
	}
	m.armed = false
	m.timer = nil
	fn := m.onTimeout
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}
