package embedding

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newMockServer returns a server that echoes deterministic embeddings:
// each input string i gets the vector [float64(i), 1.0].
func newMockServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"message": "invalid api key"},
			})
			return
		}

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var inputs []string
		switch v := req.Input.(type) {
		case string:
			inputs = []string{v}
		case []interface{}:
			for _, item := range v {
				inputs = append(inputs, item.(string))
			}
		}

		var resp embeddingResponse
		for i := range inputs {
			resp.Data = append(resp.Data, embeddingData{
				Embedding: []float64{float64(i), 1.0},
				Index:     i,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbed(t *testing.T) {
	srv := newMockServer(t)
	defer srv.Close()

	s := NewAPIEmbeddingService(srv.URL, "test-key", "test-model")
	vec, err := s.Embed("hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0 || vec[1] != 1.0 {
		t.Errorf("unexpected vector: %v", vec)
	}
}

func TestEmbedBatchOrder(t *testing.T) {
	srv := newMockServer(t)
	defer srv.Close()

	s := NewAPIEmbeddingService(srv.URL, "test-key", "test-model")
	texts := []string{"a", "b", "c"}
	vecs, err := s.EmbedBatch(texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float64(i) {
			t.Errorf("vector %d out of order: %v", i, v)
		}
	}
}

func TestEmbedBatchEmpty(t *testing.T) {
	s := NewAPIEmbeddingService("http://unused", "k", "m")
	vecs, err := s.EmbedBatch(nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("expected nil, got %v", vecs)
	}
}

func TestEmbedBatchTooLarge(t *testing.T) {
	s := NewAPIEmbeddingService("http://unused", "k", "m")
	texts := make([]string, 257)
	if _, err := s.EmbedBatch(texts); err == nil {
		t.Error("expected error for oversized batch")
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	srv := newMockServer(t)
	defer srv.Close()

	s := NewAPIEmbeddingService(srv.URL, "wrong-key", "test-model")
	if _, err := s.Embed("hello"); err == nil {
		t.Error("expected error for bad API key")
	}
}

func TestModelID(t *testing.T) {
	s := NewAPIEmbeddingService("http://unused", "k", "text-embedding-3-small")
	if s.ModelID() != "text-embedding-3-small" {
		t.Errorf("ModelID = %q", s.ModelID())
	}
}
