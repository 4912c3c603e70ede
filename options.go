package dps

import "time"

// Default configuration values.
const (
	DefaultBitLen             = 8192
	DefaultNumHashes          = 4
	DefaultMaxRetries         = 3
	DefaultLinkMonitorPeriod  = 10 * time.Second
	DefaultLinkMonitorRetries = 3
	DefaultSubDebounce        = 100 * time.Millisecond
	DefaultSubRetryInterval   = 2 * time.Second
	DefaultSeparators         = "/."
)

// config holds the node's tunable parameters, assembled by applying
// NodeOptions at construction time.
type config struct {
	bitLen             int
	numHashes          int
	separators         string
	subDebounce        time.Duration
	linkMonitorPeriod  time.Duration
	linkMonitorRetries int
	maxRetries         int
	subRetryInterval   time.Duration
}

func defaultConfig() config {
	return config{
		bitLen:             DefaultBitLen,
		numHashes:          DefaultNumHashes,
		separators:         DefaultSeparators,
		subDebounce:        DefaultSubDebounce,
		linkMonitorPeriod:  DefaultLinkMonitorPeriod,
		linkMonitorRetries: DefaultLinkMonitorRetries,
		maxRetries:         DefaultMaxRetries,
		subRetryInterval:   DefaultSubRetryInterval,
	}
}

// NodeOption configures a Node at construction time.
type NodeOption func(*Node) error

// WithBitLen overrides the Bloom filter bit length. Must be a positive
// multiple of 64.
func WithBitLen(bits int) NodeOption {
	return func(n *Node) error {
		if bits <= 0 || bits%64 != 0 {
			return ErrInvalidArgs
		}
		n.cfg.bitLen = bits
		return nil
	}
}

// WithNumHashes overrides the Bloom hash count (clamped to
// bitvec.MaxNumHashes by the bitvec package itself).
func WithNumHashes(k int) NodeOption {
	return func(n *Node) error {
		if k <= 0 {
			return ErrInvalidArgs
		}
		n.cfg.numHashes = k
		return nil
	}
}

// WithSeparators overrides the topic component separator set.
func WithSeparators(separators string) NodeOption {
	return func(n *Node) error {
		if separators == "" {
			return ErrInvalidArgs
		}
		n.cfg.separators = separators
		return nil
	}
}

// WithSubscriptionDebounce overrides how long the subscription engine
// coalesces successive local Subscribe/Destroy calls before recomputing
// and sending outbound filters.
func WithSubscriptionDebounce(d time.Duration) NodeOption {
	return func(n *Node) error {
		n.cfg.subDebounce = d
		return nil
	}
}

// WithLinkMonitor overrides the probe period and retry count used once a
// link is muted.
func WithLinkMonitor(period time.Duration, retries int) NodeOption {
	return func(n *Node) error {
		if retries <= 0 {
			return ErrInvalidArgs
		}
		n.cfg.linkMonitorPeriod = period
		n.cfg.linkMonitorRetries = retries
		return nil
	}
}

// WithMaxRetries overrides the maximum number of SUB retransmissions
// before a peer is declared unreachable.
func WithMaxRetries(n2 int) NodeOption {
	return func(n *Node) error {
		if n2 <= 0 {
			return ErrInvalidArgs
		}
		n.cfg.maxRetries = n2
		return nil
	}
}

// WithSubRetryInterval overrides how long the engine waits for a SAK
// before retransmitting a subscription.
func WithSubRetryInterval(d time.Duration) NodeOption {
	return func(n *Node) error {
		if d <= 0 {
			return ErrInvalidArgs
		}
		n.cfg.subRetryInterval = d
		return nil
	}
}
