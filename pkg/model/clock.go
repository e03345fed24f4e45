package model

import "time"

// Clock is the injectable monotonic timestamp collaborator from the
// external-interfaces section: every component that needs "now" takes one
// instead of calling time.Now directly, so tests can fix time.
type Clock interface {
	NowMillis() int64
}

// SystemClock wraps time.Now.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// FixedClock always returns the same instant; advance it manually in tests.
type FixedClock struct {
	millis int64
}

func NewFixedClock(millis int64) *FixedClock { return &FixedClock{millis: millis} }

func (c *FixedClock) NowMillis() int64 { return c.millis }

func (c *FixedClock) Set(millis int64) { c.millis = millis }

func (c *FixedClock) Advance(d time.Duration) { c.millis += d.Milliseconds() }
