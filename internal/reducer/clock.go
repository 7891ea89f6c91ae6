package reducer

import "time"

// Clock abstracts ticker creation so the flush interval can be driven by a
// manual clock in tests instead of wall time.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

// Ticker is the minimal surface of time.Ticker the reducer needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// RealClock returns the wall-time clock.
func RealClock() Clock { return realClock{} }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// ManualClock hands out tickers that fire only when Tick is called.
type ManualClock struct {
	ch chan time.Time
}

// NewManualClock creates a clock for tests.
func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan time.Time, 1)}
}

func (m *ManualClock) NewTicker(time.Duration) Ticker { return manualTicker{ch: m.ch} }

// Tick fires one tick and returns once it has been queued.
func (m *ManualClock) Tick() {
	m.ch <- time.Now()
}

type manualTicker struct{ ch chan time.Time }

func (t manualTicker) C() <-chan time.Time { return t.ch }
func (t manualTicker) Stop()               {}
