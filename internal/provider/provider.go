// Package provider is the model-invocation boundary.
package provider

import (
	"context"
	"fmt"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// Result is what a model call returns on success.
type Result struct {
	Content  string
	MediaURL string
	Tokens   int
}

// Error wraps a failed model call. Retryable is advisory: the worker decides
// whether to retry, the boundary only classifies.
type Error struct {
	Provider  string
	ModelID   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s model %s: %v", e.Provider, e.ModelID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Invoker invokes an AI model with an assembled message sequence.
// secret is the caller's provider credential; implementations must not
// cache it.
type Invoker interface {
	Invoke(ctx context.Context, modelID string, messages []types.Message, secret string) (*Result, error)
}

// Fake is a deterministic Invoker for development and tests.
// Responses echo the last user message; FailFor induces retryable errors.
type Fake struct {
	// FailFor maps model ids to a number of failures before success.
	FailFor map[string]int

	// Fatal marks induced failures as non-retryable.
	Fatal bool

	calls map[string]int
}

// NewFake creates a fake invoker.
func NewFake() *Fake {
	return &Fake{FailFor: map[string]int{}, calls: map[string]int{}}
}

func (f *Fake) Invoke(ctx context.Context, modelID string, messages []types.Message, secret string) (*Result, error) {
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[modelID]++
	if remaining := f.FailFor[modelID]; remaining > 0 {
		f.FailFor[modelID] = remaining - 1
		return nil, &Error{
			Provider:  "fake",
			ModelID:   modelID,
			Retryable: !f.Fatal,
			Err:       fmt.Errorf("induced failure (%d left)", remaining-1),
		}
	}

	var last string
	tokens := 0
	for _, m := range messages {
		tokens += (len(m.Content) + 3) / 4
		if m.Role == types.MessageRoleUser {
			last = m.Content
		}
	}
	return &Result{
		Content: "echo: " + last,
		Tokens:  tokens,
	}, nil
}

// Calls reports how many times a model was invoked.
func (f *Fake) Calls(modelID string) int { return f.calls[modelID] }

// Verify interface compliance
var _ Invoker = (*Fake)(nil)
