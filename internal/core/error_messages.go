package core

// # Error Codes Reference
//
// This file maps technical errors to user-friendly messages with codes for
// support reference. When users encounter errors, they can quote the code
// to support staff for faster diagnosis.
//
// Taxonomy sentinels are checked first (see sentinelMessages), then the
// ordered substring patterns, then the category fallbacks.
//
// # Quota, Lookup and Conflict (QTA, NF, CON)
//
//	QTA001 - Storage limit exceeded
//	NF001  - Resource not found (or not owned by the caller)
//	CON001 - Conflicting change, e.g. reverting an operation that is not the tip
//	CON002 - Operation already reverted
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key           Patterns: "duplicate key"
//	DB002 - Unique constraint       Patterns: "unique constraint", "violates unique"
//	DB003 - Foreign key             Patterns: "foreign key constraint", "violates foreign key"
//	DB004 - Connection refused      Patterns: "connection refused"
//	DB005 - Connection reset        Patterns: "connection reset"
//	DB006 - Timeout                 Patterns: "timeout"
//	DB007 - Deadlock                Patterns: "deadlock"
//
// # Validation Errors (VAL000-VAL099)
//
//	VAL001 - Invalid date           Patterns: "invalid date"
//	VAL002 - Invalid number         Patterns: "invalid number"
//	VAL005 - Column not found       Patterns: "column not found"
//	VAL006 - Invalid enum           Patterns: "invalid enum"
//	VAL007 - Unknown operation      Patterns: "unknown operation"
//	VAL008 - Format not exported    Patterns: "not been exported"
//	VAL000 - Any other validation failure
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large        Patterns: "file too large"
//	FILE002 - No header row         Patterns: "no header row"
//	FILE003 - Encoding error        Patterns: "encoding error"
//	FILE004 - No file               Patterns: "no file provided"
//	FILE005 - Empty file            Patterns: "empty file"
//	FILE006 - Unsupported format    Patterns: "no extractor", "no encoder"
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL002 - System busy            Patterns: "too many uploads", "too many concurrent uploads"
//	UPL004 - Request cancelled      Patterns: "context canceled"
//	UPL005 - Request timeout        Patterns: "context deadline exceeded"
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Temporary failure inside a background job
//	JOB002 - Extractor or trainer failure
//	JOB003 - Job target was deleted  Patterns: "target not found"
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Rate limited          Patterns: "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Support staff should check application
// logs for the original technical error when users report ERR000.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// sentinelMessage pairs a taxonomy error with its user message.
type sentinelMessage struct {
	target error
	msg    UserMessage
}

// sentinelMessages are checked with errors.Is before any pattern. Order
// matters: ErrAlreadyReverted wraps ErrConflict and must come first.
var sentinelMessages = []sentinelMessage{
	{ErrStorageLimitExceeded, UserMessage{
		Message: "Storage limit exceeded for your plan",
		Action:  "Delete unused files or upgrade your plan",
		Code:    "QTA001",
	}},
	{ErrAlreadyReverted, UserMessage{
		Message: "This operation has already been reverted",
		Action:  "Refresh the operation history",
		Code:    "CON002",
	}},
	{ErrConflict, UserMessage{
		Message: "The request conflicts with the current state",
		Action:  "Refresh and try again from the latest version",
		Code:    "CON001",
	}},
	{ErrNotFound, UserMessage{
		Message: "The requested resource was not found",
		Action:  "Check the identifier and your access to the project",
		Code:    "NF001",
	}},
	{ErrTooManyUploads, UserMessage{
		Message: "System is busy processing other uploads",
		Action:  "Please wait a moment and try again",
		Code:    "UPL002",
	}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// The first matching pattern wins, so more specific patterns come first.
var errorPatterns = []errorPattern{
	// Database constraint and connectivity errors.
	{"duplicate key", UserMessage{"A record with this ID already exists", "Please try again", "DB001"}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Check for duplicate entries", "DB002"}},
	{"violates unique", UserMessage{"A duplicate value was found", "Check for duplicate entries", "DB002"}},
	{"foreign key constraint", UserMessage{"Referenced record does not exist", "Refresh and try again", "DB003"}},
	{"violates foreign key", UserMessage{"Referenced record does not exist", "Refresh and try again", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to the database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},

	// Validation errors.
	{"invalid date", UserMessage{"Invalid date format detected", "Use YYYY-MM-DD, MM/DD/YYYY or RFC 3339 timestamps", "VAL001"}},
	{"invalid number", UserMessage{"Invalid number format detected", "Remove currency symbols and use standard decimal format", "VAL002"}},
	{"column not found", UserMessage{"Column not found in the dataset", "Check the column name against the dataset schema", "VAL005"}},
	{"invalid enum", UserMessage{"Value is not in the allowed list", "Check the allowed values for this field", "VAL006"}},
	{"unknown operation", UserMessage{"Unknown cleaning operation", "Use fill_missing, remove_duplicates, normalize, convert_type, filter_rows or rename_column", "VAL007"}},
	{"not been exported", UserMessage{"The dataset has not been exported in this format", "Start an export and wait for it to finish", "VAL008"}},

	// File errors.
	{"file too large", UserMessage{"File exceeds the maximum upload size", "Split the file into smaller parts", "FILE001"}},
	{"no header row", UserMessage{"The file has no header row", "Add a header row naming each column", "FILE002"}},
	{"encoding error", UserMessage{"File contains invalid characters", "Save the file as UTF-8", "FILE003"}},
	{"no file provided", UserMessage{"No file was selected", "Please select a file to upload", "FILE004"}},
	{"empty file", UserMessage{"The uploaded file is empty", "Please upload a file with data", "FILE005"}},
	{"no extractor", UserMessage{"This file format cannot be processed yet", "Upload CSV, TSV, JSON or XLSX data", "FILE006"}},
	{"no encoder", UserMessage{"This export format is not available yet", "Export as CSV, JSON or XLSX", "FILE006"}},

	// Upload and request errors.
	{"too many uploads", UserMessage{"System is busy processing other uploads", "Please wait a moment and try again", "UPL002"}},
	{"too many concurrent uploads", UserMessage{"System is busy processing other uploads", "Please wait a moment and try again", "UPL002"}},
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "UPL004"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Try a smaller file or check your connection", "UPL005"}},

	// Job errors.
	{"target not found", UserMessage{"The item this job worked on was deleted", "No action needed", "JOB003"}},

	// Rate limiting.
	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// fallbackMessages apply when no pattern matched but the error still
// carries a taxonomy category.
var fallbackMessages = []sentinelMessage{
	{ErrValidation, UserMessage{
		Message: "The request is invalid",
		Action:  "Check the request parameters",
		Code:    "VAL000",
	}},
	{ErrCapability, UserMessage{
		Message: "Processing failed",
		Action:  "Check the file contents or try a different format",
		Code:    "JOB002",
	}},
	{ErrTransient, UserMessage{
		Message: "A temporary problem interrupted processing",
		Action:  "The job will be retried automatically",
		Code:    "JOB001",
	}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	msg := MapError(fmt.Errorf("dataset %s: %w", id, ErrNotFound))
//	// msg.Code == "NF001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	for _, fm := range fallbackMessages {
		if errors.Is(err, fm.target) {
			return fm.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message. The
// original error is preserved for logging via Unwrap.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
