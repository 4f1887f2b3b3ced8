package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrTimeout is returned when an invocation exceeds its wall-clock
	// limit. The instance that timed out is unusable.
	ErrTimeout = errors.New("script execution timed out")

	// ErrClosed is returned when a closed or interrupted instance is used.
	ErrClosed = errors.New("engine instance is closed")
)

// ScriptError is an exception thrown by guest code, including syntax
// errors in the user script.
type ScriptError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ScriptError) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// IsStoreError reports whether the guest failed because the store did.
func (e *ScriptError) IsStoreError() bool {
	return e.Name == "StoreError"
}

var exceptionRe = regexp.MustCompile(`^(?:Uncaught )?((?:[A-Za-z_$][\w$]*)?(?:Error|Exception)): ?(.*)$`)

// parseException turns the text of an uncaught exception, as reported by
// the VM, into a ScriptError. The first line carries "Name: message" and
// any following lines are the stack.
func parseException(text string) *ScriptError {
	text = strings.TrimSpace(text)
	first, stack, _ := strings.Cut(text, "\n")
	if m := exceptionRe.FindStringSubmatch(first); m != nil {
		return &ScriptError{Name: m[1], Message: m[2], Stack: stack}
	}
	return &ScriptError{Name: "Error", Message: first, Stack: stack}
}
