package observer

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultProgressCheckInterval          = 5 * time.Second
	DefaultMaxNumPendingBlocks            = 100
	DefaultMaxSubscriptionTimeout         = 30 * time.Second
	DefaultMaxSyncedVersionTimeout        = 60 * time.Second
	DefaultSubscriptionPeerChangeInterval = 3 * time.Minute
)

type (
	configuration struct {
		progressCheckInterval          time.Duration
		maxNumPendingBlocks            int // capacity of each of the block stores
		maxSubscriptionTimeout         time.Duration
		maxSyncedVersionTimeout        time.Duration
		subscriptionPeerChangeInterval time.Duration
		logMessagesAtInfo              bool
		randomnessOverrideSeqNum       uint64
		now                            func() time.Time
	}

	Option func(c *configuration)
)

func WithProgressCheckInterval(d time.Duration) Option {
	return func(c *configuration) {
		c.progressCheckInterval = d
	}
}

func WithMaxNumPendingBlocks(n int) Option {
	return func(c *configuration) {
		c.maxNumPendingBlocks = n
	}
}

/*
WithSubscriptionTimeouts sets the health check limits of the subscription:
  - msg: max time without messages from the publisher;
  - synced: max time without progress of the synced version;
  - peerChange: age after which the subscription is moved to a better peer.
*/
func WithSubscriptionTimeouts(msg, synced, peerChange time.Duration) Option {
	return func(c *configuration) {
		c.maxSubscriptionTimeout = msg
		c.maxSyncedVersionTimeout = synced
		c.subscriptionPeerChangeInterval = peerChange
	}
}

// WithLogMessagesAtInfo logs received messages on Info level when true, Debug otherwise.
func WithLogMessagesAtInfo(info bool) Option {
	return func(c *configuration) {
		c.logMessagesAtInfo = info
	}
}

func WithRandomnessOverrideSeqNum(seqNum uint64) Option {
	return func(c *configuration) {
		c.randomnessOverrideSeqNum = seqNum
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *configuration) {
		c.now = now
	}
}

func loadAndValidateConfiguration(opts ...Option) (*configuration, error) {
	c := &configuration{logMessagesAtInfo: true}
	for _, option := range opts {
		option(c)
	}
	c.initMissingDefaults()
	if err := c.isValid(); err != nil {
		return nil, fmt.Errorf("invalid observer configuration: %w", err)
	}
	return c, nil
}

// initMissingDefaults sets default values for the options not set by user.
func (c *configuration) initMissingDefaults() {
	if c.progressCheckInterval == 0 {
		c.progressCheckInterval = DefaultProgressCheckInterval
	}
	if c.maxNumPendingBlocks == 0 {
		c.maxNumPendingBlocks = DefaultMaxNumPendingBlocks
	}
	if c.maxSubscriptionTimeout == 0 {
		c.maxSubscriptionTimeout = DefaultMaxSubscriptionTimeout
	}
	if c.maxSyncedVersionTimeout == 0 {
		c.maxSyncedVersionTimeout = DefaultMaxSyncedVersionTimeout
	}
	if c.subscriptionPeerChangeInterval == 0 {
		c.subscriptionPeerChangeInterval = DefaultSubscriptionPeerChangeInterval
	}
	if c.now == nil {
		c.now = time.Now
	}
}

func (c *configuration) isValid() error {
	var errs error
	if c.progressCheckInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf("progress check interval must be positive, got %s", c.progressCheckInterval))
	}
	if c.maxNumPendingBlocks < 0 {
		errs = errors.Join(errs, fmt.Errorf("store capacity must be positive, got %d", c.maxNumPendingBlocks))
	}
	if c.maxSubscriptionTimeout < 0 || c.maxSyncedVersionTimeout < 0 || c.subscriptionPeerChangeInterval < 0 {
		errs = errors.Join(errs, errors.New("subscription timeouts must not be negative"))
	}
	return errs
}
