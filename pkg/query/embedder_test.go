package query_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/lineage/pkg/query"
)

func TestHTTPEmbedderBatchesInOrder(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		sizes []int
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}

		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		assert.Equal(t, "mini", req.Model)
		mu.Lock()
		sizes = append(sizes, len(req.Input))
		mu.Unlock()

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}

		// Reversed, to check that vectors are placed by index.
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(len(req.Input[i]))}})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)

	emb := query.NewHTTPEmbedder(srv.URL+"/", "mini", "secret")
	emb.BatchSize = 2

	vectors, err := emb.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}, {3}}, vectors)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2, 1}, sizes)
}

func TestHTTPEmbedderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model not loaded", http.StatusServiceUnavailable)
			},
			want: query.ErrEmbedderStatus,
		},
		{
			name: "missing vector",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1]}]}`))
			},
			want: query.ErrEmbedding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			_, err := query.NewHTTPEmbedder(srv.URL, "", "").EmbedBatch(context.Background(), []string{"a", "b"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}
