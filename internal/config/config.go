// Package config holds the tunables of the core state service.
package config

import "time"

// Config bundles the twelve options the core reads plus the ClientMode
// saturation policy. Build one with
// Default() and layer Option values over it, mirroring how the
// teacher's DefaultConfiguration(name) is built and then field-assigned.
type Config struct {
	// MaxMessagesInflight bounds entries per (peer, direction).
	MaxMessagesInflight int

	// MaxErrorRetries caps requeue attempts before giving up on a publish.
	MaxErrorRetries int

	// MaxErrorRetryTime lower-bounds the effective WaitToken await duration.
	MaxErrorRetryTime time.Duration

	// MaxTimeInflight is the age past which the reaper evicts an entry.
	MaxTimeInflight time.Duration

	// MaxWait is the default caller await timeout.
	MaxWait time.Duration

	// MsgIDStart is the lower bound (inclusive, >= 1) for id allocation.
	MsgIDStart uint16

	// MinFlushTime is the reschedule delay for REPROCESS/BACKOFF_PROCESS.
	MinFlushTime time.Duration

	// ActiveContextTimeout is the idle threshold that fires active_timeout.
	ActiveContextTimeout time.Duration

	// QueueProcessorThreadCount sizes the scheduled-timer pool.
	QueueProcessorThreadCount int

	// RequeueOnInflightTimeout: if true, the reaper re-offers publishes.
	RequeueOnInflightTimeout bool

	// ReapReceivingMessages: if true, REMOTE inflight is reaped too.
	ReapReceivingMessages bool

	// StateLoopTimeout is the period of the activity-sweep thread.
	StateLoopTimeout time.Duration

	// ClientMode selects the send-path saturation policy: true waits on
	// the oldest inflight entry and retries, false (gateway mode) fails
	// ExpectationFailed immediately.
	ClientMode bool
}

// Option mutates a Config in place.
type Option func(*Config)

// Default returns the baseline configuration; the values below are the
// only place the defaults are stated.
func Default() *Config {
	return &Config{
		MaxMessagesInflight:       1,
		MaxErrorRetries:           3,
		MaxErrorRetryTime:         5 * time.Second,
		MaxTimeInflight:           15 * time.Second,
		MaxWait:                   10 * time.Second,
		MsgIDStart:                1,
		MinFlushTime:              100 * time.Millisecond,
		ActiveContextTimeout:      60 * time.Second,
		QueueProcessorThreadCount: 4,
		RequeueOnInflightTimeout:  true,
		ReapReceivingMessages:     false,
		StateLoopTimeout:          1 * time.Second,
		ClientMode:                true,
	}
}

// New applies opts over Default().
func New(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithMaxMessagesInflight(n int) Option {
	return func(c *Config) { c.MaxMessagesInflight = n }
}

func WithMaxErrorRetries(n int) Option {
	return func(c *Config) { c.MaxErrorRetries = n }
}

func WithMaxErrorRetryTime(d time.Duration) Option {
	return func(c *Config) { c.MaxErrorRetryTime = d }
}

func WithMaxTimeInflight(d time.Duration) Option {
	return func(c *Config) { c.MaxTimeInflight = d }
}

func WithMaxWait(d time.Duration) Option {
	return func(c *Config) { c.MaxWait = d }
}

func WithMsgIDStart(id uint16) Option {
	return func(c *Config) { c.MsgIDStart = id }
}

func WithMinFlushTime(d time.Duration) Option {
	return func(c *Config) { c.MinFlushTime = d }
}

func WithActiveContextTimeout(d time.Duration) Option {
	return func(c *Config) { c.ActiveContextTimeout = d }
}

func WithQueueProcessorThreadCount(n int) Option {
	return func(c *Config) { c.QueueProcessorThreadCount = n }
}

func WithRequeueOnInflightTimeout(v bool) Option {
	return func(c *Config) { c.RequeueOnInflightTimeout = v }
}

func WithReapReceivingMessages(v bool) Option {
	return func(c *Config) { c.ReapReceivingMessages = v }
}

func WithStateLoopTimeout(d time.Duration) Option {
	return func(c *Config) { c.StateLoopTimeout = d }
}

func WithClientMode(v bool) Option {
	return func(c *Config) { c.ClientMode = v }
}
