// Package responder turns the text of administrative messages into reply
// text. The relay treats it as an opaque capability; it never interprets
// message content itself.
package responder

import (
	"context"
	"fmt"
)

type Responder interface {
	Query(ctx context.Context, text string) (string, error)
}

// Canned is a deterministic responder used when no generative backend is
// configured, and in tests.
type Canned struct{}

func (Canned) Query(_ context.Context, text string) (string, error) {
	return fmt.Sprintf("The relay heard you say: %q", text), nil
}
