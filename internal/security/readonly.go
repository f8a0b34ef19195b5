package security

import (
	"context"
	"fmt"
	"sync"

	apperrors "zerodha-oms/internal/errors"
)

// OperationType represents the type of operation.
type OperationType string

const (
	// Read operations
	OpRead OperationType = "READ"

	// Write operations (blocked in read-only mode)
	OpSubmitOrder  OperationType = "SUBMIT_ORDER"
	OpRegisterExit OperationType = "REGISTER_EXIT"
	OpModifyOrder  OperationType = "MODIFY_ORDER"
	OpCancelOrder  OperationType = "CANCEL_ORDER"
	OpForceExit    OperationType = "FORCE_EXIT"
	OpSubmitIntent OperationType = "SUBMIT_INTENT"
)

// ReadOnlyError represents an error when attempting a write operation in read-only mode.
type ReadOnlyError struct {
	Operation OperationType
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("operation %s blocked: read-only mode is enabled", e.Operation)
}

// Unwrap lets callers match with errors.ErrReadOnlyMode.
func (e *ReadOnlyError) Unwrap() error {
	return apperrors.ErrReadOnlyMode
}

// AccessController manages read-only mode and operation permissions.
// A nil *AccessController allows everything.
type AccessController struct {
	readOnly    bool
	auditLogger *AuditLogger
	mu          sync.RWMutex
}

// NewAccessController creates a new access controller.
func NewAccessController(readOnly bool, auditLogger *AuditLogger) *AccessController {
	return &AccessController{
		readOnly:    readOnly,
		auditLogger: auditLogger,
	}
}

// IsReadOnly returns whether read-only mode is enabled.
func (ac *AccessController) IsReadOnly() bool {
	if ac == nil {
		return false
	}
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.readOnly
}

// SetReadOnly sets the read-only mode.
func (ac *AccessController) SetReadOnly(readOnly bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.readOnly = readOnly
}

// CheckPermission checks if an operation is allowed.
func (ac *AccessController) CheckPermission(ctx context.Context, op OperationType) error {
	if !ac.IsReadOnly() || !isWriteOperation(op) {
		return nil
	}
	ac.auditLogger.LogReadOnlyViolation(ctx, string(op))
	return &ReadOnlyError{Operation: op}
}

// isWriteOperation returns true if the operation modifies state.
func isWriteOperation(op OperationType) bool {
	switch op {
	case OpSubmitOrder, OpRegisterExit, OpModifyOrder, OpCancelOrder, OpForceExit, OpSubmitIntent:
		return true
	default:
		return false
	}
}

// WriteOperations returns a list of all write operations.
func WriteOperations() []OperationType {
	return []OperationType{
		OpSubmitOrder,
		OpRegisterExit,
		OpModifyOrder,
		OpCancelOrder,
		OpForceExit,
		OpSubmitIntent,
	}
}

// OperationDescription returns a human-readable description of an operation.
func OperationDescription(op OperationType) string {
	switch op {
	case OpRead:
		return "Read data"
	case OpSubmitOrder:
		return "Submit entry or adjustment"
	case OpRegisterExit:
		return "Register exit"
	case OpModifyOrder:
		return "Modify order"
	case OpCancelOrder:
		return "Cancel order"
	case OpForceExit:
		return "Force exit"
	case OpSubmitIntent:
		return "Submit intent"
	default:
		return string(op)
	}
}
