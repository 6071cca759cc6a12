package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultEmbedTimeout = 30 * time.Second
	defaultEmbedBatch   = 32
	maxEmbedBody        = 64 << 20
	maxEmbedError       = 512
)

// ErrEmbedderStatus is returned for non-2xx embedding responses.
var ErrEmbedderStatus = errors.New("unexpected embedder status")

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint:
//
//	POST {BaseURL}/v1/embeddings
//	{"model": "...", "input": ["...", ...]}
//
// answering {"data": [{"index": 0, "embedding": [...]}, ...]}.
type HTTPEmbedder struct {
	BaseURL   string
	Model     string
	Token     string
	BatchSize int
	Client    *http.Client
}

// NewHTTPEmbedder returns an embedder client for baseURL.
func NewHTTPEmbedder(baseURL, model, token string) *HTTPEmbedder {
	return &HTTPEmbedder{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Model:     model,
		Token:     token,
		BatchSize: defaultEmbedBatch,
		Client:    &http.Client{Timeout: defaultEmbedTimeout},
	}
}

type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedBatch implements Embedder, splitting texts into requests of at most
// BatchSize inputs.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	size := e.BatchSize
	if size <= 0 {
		size = defaultEmbedBatch
	}

	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += size {
		batch := texts[start:min(start+size, len(texts))]

		vectors, err := e.call(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed [%d:%d]: %w", start, start+len(batch), err)
		}

		out = append(out, vectors...)
	}

	return out, nil
}

func (e *HTTPEmbedder) call(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: e.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if e.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.Token)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxEmbedError))

		return nil, fmt.Errorf("%w: %s: %s", ErrEmbedderStatus, resp.Status, strings.TrimSpace(string(detail)))
	}

	var body embedResponse

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEmbedBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := make([][]float32, len(texts))

	for _, d := range body.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}

	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("%w: no vector for input %d", ErrEmbedding, i)
		}
	}

	return vectors, nil
}
