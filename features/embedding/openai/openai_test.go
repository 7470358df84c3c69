package openai_test

import (
	"context"
	"errors"
	"testing"

	openaisdk "github.com/openai/openai-go"
	"github.com/stretchr/testify/require"

	"goa.design/procmem/features/embedding/openai"
)

type fakeClient struct {
	resp *openaisdk.CreateEmbeddingResponse
	err  error
}

func (f fakeClient) New(_ context.Context, _ openaisdk.EmbeddingNewParams) (*openaisdk.CreateEmbeddingResponse, error) {
	return f.resp, f.err
}

func TestEmbedReturnsFirstEmbeddingVector(t *testing.T) {
	resp := &openaisdk.CreateEmbeddingResponse{
		Data: []openaisdk.Embedding{{Embedding: []float64{0.1, 0.2, 0.3}}},
	}
	e := openai.New(openai.Options{Client: fakeClient{resp: resp}})
	got, err := e.Embed(context.Background(), "do something")
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 0.2, 0.3}, got)
}

func TestEmbedWrapsClientError(t *testing.T) {
	e := openai.New(openai.Options{Client: fakeClient{err: errors.New("boom")}})
	_, err := e.Embed(context.Background(), "do something")
	require.Error(t, err)
}

func TestEmbedRejectsEmptyResponse(t *testing.T) {
	e := openai.New(openai.Options{Client: fakeClient{resp: &openaisdk.CreateEmbeddingResponse{}}})
	_, err := e.Embed(context.Background(), "do something")
	require.Error(t, err)
}
