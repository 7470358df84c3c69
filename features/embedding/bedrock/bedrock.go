// Package bedrock implements orchestrator.Embedder on top of an AWS Bedrock
// embedding model (e.g. Amazon Titan Text Embeddings), invoked via
// InvokeModel rather than Converse since embedding models speak a plain
// JSON request/response shape.
package bedrock

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"golang.org/x/time/rate"

	"goa.design/procmem/procerrors"
)

// RuntimeClient is the subset of *bedrockruntime.Client this adapter
// depends on, so tests can substitute a fake.
type RuntimeClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the Embedder.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient
	// ModelID identifies the embedding model, e.g.
	// "amazon.titan-embed-text-v2:0".
	ModelID string
	// RequestsPerSecond bounds outbound call volume. Zero disables limiting.
	RequestsPerSecond float64
}

// Embedder calls a Bedrock embedding model and returns a float64 vector,
// matching orchestrator.Embedder.
type Embedder struct {
	runtime RuntimeClient
	modelID string
	limiter *rate.Limiter
}

// New constructs an Embedder.
func New(opts Options) *Embedder {
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), int(opts.RequestsPerSecond)+1)
	}
	modelID := opts.ModelID
	if modelID == "" {
		modelID = "amazon.titan-embed-text-v2:0"
	}
	return &Embedder{runtime: opts.Runtime, modelID: modelID, limiter: limiter}
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// Embed returns the embedding vector for intent.
func (e *Embedder) Embed(ctx context.Context, intent string) ([]float64, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, procerrors.Wrap(procerrors.Internal, "rate limiter wait", err)
		}
	}

	body, err := json.Marshal(titanEmbedRequest{InputText: intent})
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "marshal bedrock embedding request", err)
	}

	out, err := e.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "bedrock invoke model failed", err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, procerrors.Wrap(procerrors.Internal, "decode bedrock embedding response", err)
	}
	return resp.Embedding, nil
}
