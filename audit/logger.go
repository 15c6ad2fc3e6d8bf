package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled   bool                   `json:"enabled" yaml:"enabled"`
	Namespace string                 `json:"namespace" yaml:"namespace"`
	Type      ConfigType             `json:"type" yaml:"type"`       // "file", "syslog"
	Options   map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel  string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event.
// RequestID, Error, Fingerprint and MessageID are lifted out of the metadata
// map when present so they can be filtered on.
type Event struct {
	ID          string                 `json:"id"`
	RequestID   string                 `json:"request_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Namespace   string                 `json:"namespace"`
	Action      string                 `json:"action"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Source      string                 `json:"source,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Namespace   string
	Since       *time.Time
	Until       *time.Time
	Action      string
	Success     *bool // nil = all, true = only success, false = only failures
	Fingerprint string
	MessageID   string
	Limit       int
	Offset      int
	// KeyMaterialOnly keeps events that touch private key material
	KeyMaterialOnly bool
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an Event, promoting well-known metadata keys to fields
func newEvent(namespace, action string, success bool, metadata map[string]interface{}) Event {
	event := Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Namespace: namespace,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}
	if metadata == nil {
		return event
	}
	if v, ok := metadata["request_id"].(string); ok {
		event.RequestID = v
	}
	if v, ok := metadata["error"].(string); ok {
		event.Error = v
	}
	if v, ok := metadata["fingerprint"].(string); ok {
		event.Fingerprint = v
	}
	if v, ok := metadata["message_id"].(string); ok {
		event.MessageID = v
	}
	return event
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
