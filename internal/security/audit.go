// Package security provides audit logging, read-only access control and
// input validation.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Order lifecycle
	AuditOrderRegistered      AuditEventType = "ORDER_REGISTERED"
	AuditOrderBlocked         AuditEventType = "ORDER_BLOCKED"
	AuditOrderPlaced          AuditEventType = "ORDER_PLACED"
	AuditOrderRejected        AuditEventType = "ORDER_REJECTED"
	AuditOrderExecuted        AuditEventType = "ORDER_EXECUTED"
	AuditOrderCancelRequested AuditEventType = "ORDER_CANCEL_REQUESTED"
	AuditOrderModifyRequested AuditEventType = "ORDER_MODIFY_REQUESTED"
	AuditOrphanOrder          AuditEventType = "ORPHAN_BROKER_ORDER"

	// Exits
	AuditPositionExit AuditEventType = "POSITION_EXIT"
	AuditForceExit    AuditEventType = "FORCE_EXIT"

	// Intake
	AuditIntentReceived AuditEventType = "INTENT_RECEIVED"
	AuditAuthFailed     AuditEventType = "AUTH_FAILED"

	// Security
	AuditReadOnlyViolation AuditEventType = "READ_ONLY_VIOLATION"
	AuditInputValidation   AuditEventType = "INPUT_VALIDATION"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	EventType     AuditEventType         `json:"event_type"`
	CommandID     string                 `json:"command_id,omitempty"`
	BrokerOrderID string                 `json:"broker_order_id,omitempty"`
	IntentID      string                 `json:"intent_id,omitempty"`
	Strategy      string                 `json:"strategy,omitempty"`
	Symbol        string                 `json:"symbol,omitempty"`
	Action        string                 `json:"action,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Success       bool                   `json:"success"`
	ErrorMsg      string                 `json:"error,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
}

type requestIDKey struct{}

// WithRequestID tags ctx so audit events written under it carry the id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// AuditLogger writes audit events as JSON lines to a rotating file.
// A nil *AuditLogger discards everything.
type AuditLogger struct {
	writer    *lumberjack.Logger
	mu        sync.Mutex
	sessionID string
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		Path:       filepath.Join(home, ".config", "zerodha-oms", "audit", "audit.log"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365, // Keep audit logs for 1 year
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultAuditConfig().Path
	}
	// Ensure audit directory exists with restricted permissions
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return &AuditLogger{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		sessionID: uuid.NewString(),
	}, nil
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = time.Now().UTC()
	event.SessionID = al.sessionID
	if event.RequestID == "" {
		event.RequestID = RequestID(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogOrder logs an order lifecycle event.
func (al *AuditLogger) LogOrder(ctx context.Context, eventType AuditEventType, commandID, brokerOrderID, symbol, tag string, success bool) error {
	event := AuditEvent{
		EventType:     eventType,
		CommandID:     commandID,
		BrokerOrderID: brokerOrderID,
		Symbol:        symbol,
		Success:       success,
	}
	if tag != "" {
		event.Details = map[string]interface{}{"tag": tag}
	}
	return al.Log(ctx, event)
}

// ExitAudit describes one scope exit request.
type ExitAudit struct {
	Force    bool
	IntentID string
	Strategy string
	Scope    string
	Reason   string
	Source   string
	Legs     int
	Err      error
}

// LogExit logs a scope exit with the legs it produced.
func (al *AuditLogger) LogExit(ctx context.Context, e ExitAudit) error {
	eventType := AuditPositionExit
	if e.Force {
		eventType = AuditForceExit
	}
	event := AuditEvent{
		EventType: eventType,
		IntentID:  e.IntentID,
		Strategy:  e.Strategy,
		Action:    e.Scope,
		Success:   e.Err == nil,
		Details: map[string]interface{}{
			"reason": e.Reason,
			"source": e.Source,
			"legs":   e.Legs,
		},
	}
	if e.Err != nil {
		event.ErrorMsg = e.Err.Error()
	}
	return al.Log(ctx, event)
}

// LogIntent logs an intent accepted at intake.
func (al *AuditLogger) LogIntent(ctx context.Context, intentID, intentType, source string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditIntentReceived,
		IntentID:  intentID,
		Action:    intentType,
		Success:   true,
		Details:   map[string]interface{}{"source": source},
	})
}

// LogAuthFailed logs a rejected intake credential.
func (al *AuditLogger) LogAuthFailed(ctx context.Context, client, reason string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditAuthFailed,
		Success:   false,
		ErrorMsg:  reason,
		Details:   map[string]interface{}{"client": client},
	})
}

// LogReadOnlyViolation logs an attempt to perform a write operation in read-only mode.
func (al *AuditLogger) LogReadOnlyViolation(ctx context.Context, operation string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditReadOnlyViolation,
		Action:    operation,
		Success:   false,
		ErrorMsg:  "operation blocked: read-only mode enabled",
	})
}

// LogInputValidation logs an input validation failure.
func (al *AuditLogger) LogInputValidation(ctx context.Context, field, value, reason string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditInputValidation,
		Success:   false,
		ErrorMsg:  reason,
		Details: map[string]interface{}{
			"field": field,
			"value": MaskSensitive(value),
		},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
