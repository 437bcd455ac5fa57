package update

import (
	"errors"
	"fmt"
)

// Category classifies failures for operators and for the exit code.
type Category string

const (
	// CategoryConfig covers malformed versions, settings and missing trust keys.
	CategoryConfig Category = "config"
	// CategoryFetch covers network, timeout, size limit and HTTP status failures.
	CategoryFetch Category = "fetch"
	// CategoryVerify covers checksum and signature failures.
	CategoryVerify Category = "verify"
	// CategoryApply covers filesystem, swap and space failures.
	CategoryApply Category = "apply"
	// CategoryBusy means another updater holds the device lock.
	CategoryBusy Category = "busy"
	// CategoryInternal covers everything that was not classified.
	CategoryInternal Category = "internal"
)

// Exit codes observed by the calling shell.
const (
	ExitOK       = 0
	ExitInternal = 1
	ExitConfig   = 2
	ExitFetch    = 3
	ExitVerify   = 4
	ExitApply    = 5
	ExitBusy     = 6
)

// ExitCode maps the category to the process exit status.
func (c Category) ExitCode() int {
	switch c {
	case CategoryConfig:
		return ExitConfig
	case CategoryFetch:
		return ExitFetch
	case CategoryVerify:
		return ExitVerify
	case CategoryApply:
		return ExitApply
	case CategoryBusy:
		return ExitBusy
	default:
		return ExitInternal
	}
}

// Error is a categorized pipeline failure.
type Error struct {
	// Category decides the exit code.
	Category Category
	// Op is the operation that failed.
	Op string
	// Err is the cause.
	Err error
}

// NewError wraps err with a category and operation. A nil err yields nil.
func NewError(category Category, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Category: category, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category of the outermost categorized error in the chain.
func CategoryOf(err error) Category {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	return CategoryInternal
}
