package tools

import "fmt"

// ErrToolUnavailable reports a call to a name the registry does not
// hold. Nothing reaches the tool provider when this is returned.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.ToolName)
}
