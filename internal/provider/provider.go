// Package provider abstracts the LLM backend the stage adapters talk to.
package provider

import "context"

// LLM generates one completion for a prompt.
type LLM interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
