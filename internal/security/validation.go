package security

import (
	"regexp"
	"strings"
	"unicode"

	apperrors "zerodha-oms/internal/errors"
)

// Validation patterns
var (
	// Trading symbols, including option contracts such as BANKNIFTY24DEC51000CE
	symbolPattern = regexp.MustCompile(`^[A-Z0-9&_-]{1,32}$`)

	// Command, intent and broker order ids
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_:.\-]{1,128}$`)

	// API key patterns for detection (not validation)
	apiKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer)[=:\s]+["']?([A-Za-z0-9_\-\.]{20,})["']?`),
		regexp.MustCompile(`(?i)([A-Za-z0-9]{32,})`), // Generic long tokens
	}

	// SQL injection patterns
	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(union\s+select|select\s+\*|drop\s+table|insert\s+into|delete\s+from|update\s+.*\s+set)`),
		regexp.MustCompile(`(?i)(--|;|'|"|\\x00)`),
		regexp.MustCompile(`(?i)(or\s+1\s*=\s*1|and\s+1\s*=\s*1)`),
	}

	// Command injection patterns
	cmdInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[;&|$\x60]`),
		regexp.MustCompile(`(?i)(rm\s+-rf|wget|curl|bash|sh\s+-c|eval|exec)`),
	}
)

// InputValidator checks fields arriving from producers before anything is
// persisted. Failures are *errors.ValidationError.
type InputValidator struct {
	strictMode bool
}

// NewInputValidator creates a new input validator. Strict mode also scans
// free text for injection patterns.
func NewInputValidator(strictMode bool) *InputValidator {
	return &InputValidator{strictMode: strictMode}
}

// ValidateSymbol validates a trading symbol.
func (v *InputValidator) ValidateSymbol(symbol string) error {
	symbol = strings.TrimSpace(symbol)

	if symbol == "" {
		return apperrors.NewValidationError("symbol", symbol, "symbol cannot be empty")
	}
	if len(symbol) > 32 {
		return apperrors.NewValidationError("symbol", symbol, "symbol too long (max 32 characters)")
	}
	if !symbolPattern.MatchString(symbol) {
		return apperrors.NewValidationError("symbol", symbol, "invalid symbol format")
	}
	return nil
}

// ValidateIdentifier validates a command, intent or order id.
func (v *InputValidator) ValidateIdentifier(field, id string) error {
	if id == "" {
		return apperrors.NewValidationError(field, id, "cannot be empty")
	}
	if !identifierPattern.MatchString(id) {
		return apperrors.NewValidationError(field, id, "invalid identifier format")
	}
	return nil
}

// ValidateQuantity validates a trade quantity.
func (v *InputValidator) ValidateQuantity(qty int) error {
	if qty <= 0 {
		return apperrors.NewValidationError("quantity", qty, "quantity must be positive")
	}
	if qty > 10000000 { // 1 crore max
		return apperrors.NewValidationError("quantity", qty, "quantity exceeds maximum allowed")
	}
	return nil
}

// ValidatePrice validates a price value.
func (v *InputValidator) ValidatePrice(price float64) error {
	if price <= 0 {
		return apperrors.NewValidationError("price", price, "price must be positive")
	}
	if price > 1000000000 { // 100 crore max
		return apperrors.NewValidationError("price", price, "price exceeds maximum allowed")
	}
	return nil
}

// ValidateText validates free-form text input.
func (v *InputValidator) ValidateText(field, text string, maxLen int) error {
	if len(text) > maxLen {
		return apperrors.NewValidationError(field, MaskSensitive(text[:maxLen])+"...", "text too long")
	}
	if v.strictMode && containsInjection(text) {
		return apperrors.NewValidationError(field, MaskSensitive(text), "potentially dangerous content detected")
	}
	return nil
}

// containsInjection checks for SQL or command injection patterns.
func containsInjection(input string) bool {
	for _, pattern := range sqlInjectionPatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	for _, pattern := range cmdInjectionPatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// SanitizeSymbol upper-cases a symbol and drops characters it cannot contain.
func SanitizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))

	var result strings.Builder
	for _, r := range symbol {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// SanitizeText removes control characters from free-form text.
func SanitizeText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// MaskSensitive masks tokens and keys embedded in a string.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if len(match) > 8 {
				return match[:4] + strings.Repeat("*", len(match)-8) + match[len(match)-4:]
			}
			return strings.Repeat("*", len(match))
		})
	}
	return result
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
