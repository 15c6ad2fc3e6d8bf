package tryst

import (
	"fmt"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProductName         = "TRYST"
	DefaultMessageTTL          = 24 * time.Hour
	DefaultClockSkew           = 5 * time.Minute
	DefaultDecryptAttemptLimit = 30
	DefaultDecryptWindow       = time.Minute
	DefaultRateLimitDelay      = 2 * time.Second

	DefaultRotationInterval = 30 * 24 * time.Hour
	DefaultMaxPreviousKeys  = 3
	DefaultTransitionPeriod = 90 * 24 * time.Hour

	DefaultReplayCapacity  = 10000
	DefaultReplayRetention = 24 * time.Hour
)

// SignaturePolicy decides what happens to a message whose sender signature
// cannot be verified.
type SignaturePolicy int

const (
	// SignaturePolicyAdvisory delivers the message flagged as unverified
	SignaturePolicyAdvisory SignaturePolicy = iota
	// SignaturePolicyRequired refuses delivery with ErrSignatureRejected
	SignaturePolicyRequired
)

func (p SignaturePolicy) String() string {
	switch p {
	case SignaturePolicyAdvisory:
		return "advisory"
	case SignaturePolicyRequired:
		return "required"
	default:
		return fmt.Sprintf("SignaturePolicy(%d)", int(p))
	}
}

// ParseSignaturePolicy accepts "advisory" or "required"
func ParseSignaturePolicy(s string) (SignaturePolicy, error) {
	switch s {
	case "advisory", "":
		return SignaturePolicyAdvisory, nil
	case "required":
		return SignaturePolicyRequired, nil
	default:
		return SignaturePolicyAdvisory, fmt.Errorf("unknown signature policy %q", s)
	}
}

// RotationConfig controls how often identity keys rotate and how long
// retired keys keep decrypting.
type RotationConfig struct {
	Interval         time.Duration `json:"interval" yaml:"interval"`
	MaxPreviousKeys  int           `json:"max_previous_keys" yaml:"max_previous_keys"`
	TransitionPeriod time.Duration `json:"transition_period" yaml:"transition_period"`
}

// ReplayConfig bounds the persisted seen-message ledger
type ReplayConfig struct {
	Capacity  int           `json:"capacity" yaml:"capacity"`
	Retention time.Duration `json:"retention" yaml:"retention"`

	// IntegrityKey switches ledger record tags from SHA-256 to HMAC-SHA256.
	// Never serialized.
	IntegrityKey []byte `json:"-" yaml:"-"`
}

// Options configures a Core and the components it builds.
//
// Zero values are replaced by the package defaults, so a caller only sets
// what it wants to change:
//
//	opts := tryst.DefaultOptions()
//	opts.SignaturePolicy = tryst.SignaturePolicyRequired
//	core, err := tryst.New(opts, store, auditLogger, directory)
//
// SECURITY:
//   - Logger, Clock and Registerer are runtime collaborators and never serialized.
//   - ReplayConfig.IntegrityKey is secret material; it is excluded from JSON/YAML.
//   - EnableMemoryLock asks the OS to keep process memory out of swap. Failure to
//     lock is logged and reported by MemoryProtection, never fatal.
type Options struct {
	// ProductName is the label inside the armor lines of an encrypted block,
	// e.g. "-----BEGIN TRYST ENCRYPTED MESSAGE-----"
	ProductName string `json:"product_name" yaml:"product_name"`

	// MessageTTL is how long a sealed message stays decryptable
	MessageTTL time.Duration `json:"message_ttl" yaml:"message_ttl"`

	// ClockSkew is how far in the future a message timestamp may lie
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew"`

	SignaturePolicy SignaturePolicy `json:"signature_policy" yaml:"signature_policy"`

	// DecryptAttemptLimit attempts are allowed per DecryptWindow; once spent the
	// caller is delayed by RateLimitDelay and refused. The budget is a token
	// bucket that returns one attempt every DecryptWindow/DecryptAttemptLimit,
	// so it approximates a rolling window rather than capping it exactly: a
	// spent budget starts refilling before the full window has passed.
	DecryptAttemptLimit int           `json:"decrypt_attempt_limit" yaml:"decrypt_attempt_limit"`
	DecryptWindow       time.Duration `json:"decrypt_window" yaml:"decrypt_window"`
	RateLimitDelay      time.Duration `json:"rate_limit_delay" yaml:"rate_limit_delay"`

	Rotation RotationConfig `json:"rotation" yaml:"rotation"`
	Replay   ReplayConfig   `json:"replay" yaml:"replay"`

	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// UserID is attached to audit events
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`

	Logger     *logrus.Logger        `json:"-" yaml:"-"`
	Clock      Clock                 `json:"-" yaml:"-"`
	Registerer prometheus.Registerer `json:"-" yaml:"-"`
}

// DefaultOptions returns Options populated with the package defaults
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.ProductName == "" {
		o.ProductName = DefaultProductName
	}
	if o.MessageTTL == 0 {
		o.MessageTTL = DefaultMessageTTL
	}
	if o.ClockSkew == 0 {
		o.ClockSkew = DefaultClockSkew
	}
	if o.DecryptAttemptLimit == 0 {
		o.DecryptAttemptLimit = DefaultDecryptAttemptLimit
	}
	if o.DecryptWindow == 0 {
		o.DecryptWindow = DefaultDecryptWindow
	}
	if o.RateLimitDelay == 0 {
		o.RateLimitDelay = DefaultRateLimitDelay
	}
	if o.Rotation.Interval == 0 {
		o.Rotation.Interval = DefaultRotationInterval
	}
	if o.Rotation.MaxPreviousKeys == 0 {
		o.Rotation.MaxPreviousKeys = DefaultMaxPreviousKeys
	}
	if o.Rotation.TransitionPeriod == 0 {
		o.Rotation.TransitionPeriod = DefaultTransitionPeriod
	}
	if o.Replay.Capacity == 0 {
		o.Replay.Capacity = DefaultReplayCapacity
	}
	if o.Replay.Retention == 0 {
		o.Replay.Retention = DefaultReplayRetention
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	return o
}

var productNameRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9 ]*$`)

// Validate validates the Options configuration after defaults are applied
func (o Options) Validate() error {
	o = o.withDefaults()

	if !productNameRegex.MatchString(o.ProductName) {
		return fmt.Errorf("product name %q must be upper case letters, digits and spaces", o.ProductName)
	}
	if o.MessageTTL < 0 || o.ClockSkew < 0 || o.DecryptWindow < 0 || o.RateLimitDelay < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	if o.DecryptAttemptLimit < 0 {
		return fmt.Errorf("decrypt attempt limit cannot be negative")
	}
	if o.SignaturePolicy != SignaturePolicyAdvisory && o.SignaturePolicy != SignaturePolicyRequired {
		return fmt.Errorf("unknown signature policy %d", o.SignaturePolicy)
	}
	if o.Rotation.Interval < 0 || o.Rotation.TransitionPeriod < 0 {
		return fmt.Errorf("rotation durations cannot be negative")
	}
	if o.Rotation.MaxPreviousKeys < 0 {
		return fmt.Errorf("max previous keys cannot be negative")
	}
	if o.Replay.Capacity < 0 || o.Replay.Retention < 0 {
		return fmt.Errorf("replay bounds cannot be negative")
	}
	if len(o.Replay.IntegrityKey) > 0 && len(o.Replay.IntegrityKey) < 32 {
		return fmt.Errorf("replay integrity key must be at least 32 bytes")
	}
	return nil
}
