// Package openai implements orchestrator.Embedder on top of the OpenAI
// embeddings API.
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"golang.org/x/time/rate"

	"goa.design/procmem/procerrors"
	"goa.design/procmem/vecmath"
)

// EmbeddingsClient is the subset of openai.Client's Embeddings surface this
// adapter depends on, so tests can substitute a fake.
type EmbeddingsClient interface {
	New(ctx context.Context, params openai.EmbeddingNewParams) (*openai.CreateEmbeddingResponse, error)
}

// Options configures the Embedder.
type Options struct {
	// Client provides access to the embeddings API. Required.
	Client EmbeddingsClient
	// Model is the embedding model identifier, e.g. "text-embedding-3-small".
	Model string
	// RequestsPerSecond bounds outbound call volume. Zero disables limiting.
	RequestsPerSecond float64
}

// Embedder calls the OpenAI embeddings API and returns a float64 vector,
// matching orchestrator.Embedder.
type Embedder struct {
	client  EmbeddingsClient
	model   string
	limiter *rate.Limiter
}

// New constructs an Embedder.
func New(opts Options) *Embedder {
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}
	model := opts.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &Embedder{client: opts.Client, model: model, limiter: limiter}
}

// Embed returns the embedding vector for intent.
func (e *Embedder) Embed(ctx context.Context, intent string) ([]float64, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, procerrors.Wrap(procerrors.Internal, "rate limiter wait", err)
		}
	}

	resp, err := e.client.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(intent),
		},
	})
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "openai embeddings request failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, procerrors.New(procerrors.Internal, "openai embeddings response contained no data")
	}
	vec := resp.Data[0].Embedding
	if len(vec) == 0 || !vecmath.IsFinite(vec) {
		return nil, procerrors.New(procerrors.InvalidInput, "openai embedding is empty or contains non-finite values")
	}
	return vec, nil
}
