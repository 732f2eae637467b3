package immunity

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateStep rejects a step that cannot be analyzed.
func ValidateStep(step *TrajectoryStep, maxBytes int) error {
	if step == nil {
		return &ValidationError{Err: ErrNilStep}
	}
	if strings.TrimSpace(step.ID) == "" {
		return &ValidationError{Field: "id", Err: ErrEmptyStepID}
	}
	if !step.Kind.IsValid() {
		return &ValidationError{Field: "kind", Err: fmt.Errorf("%w: %q", ErrUnknownStepKind, step.Kind)}
	}
	if strings.TrimSpace(step.Content) == "" {
		return &ValidationError{Field: "content", Err: ErrEmptyContent}
	}
	if maxBytes > 0 && len(step.Content) > maxBytes {
		return &ValidationError{Field: "content", Err: fmt.Errorf("%w: %d > %d bytes", ErrContentTooLarge, len(step.Content), maxBytes)}
	}
	if !utf8.ValidString(step.Content) {
		return &ValidationError{Field: "content", Err: ErrInvalidEncoding}
	}
	if step.Kind == StepKindDiff && !looksLikeDiff(step.Content) {
		return &ValidationError{Field: "content", Err: ErrMalformedDiff}
	}
	if step.Kind == StepKindCommand && strings.ContainsRune(step.Content, 0) {
		return &ValidationError{Field: "content", Err: ErrMalformedCommand}
	}
	return nil
}

func looksLikeDiff(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "@@") ||
			strings.HasPrefix(line, "diff --git ") ||
			strings.HasPrefix(line, "--- ") ||
			strings.HasPrefix(line, "+++ ") {
			return true
		}
	}
	return false
}
