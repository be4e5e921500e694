// Package memory is the vector memory of past requests. The graph builder
// queries it for similar past decompositions and records outcomes after
// delivery. Search is best-effort: an empty result or an embedding failure
// never fails the caller.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"capsmith/internal/logging"
	"capsmith/internal/store"

	"google.golang.org/genai"
)

const blobKind = "memory"

// Config configures the memory store.
type Config struct {
	APIKey string
	Model  string
	TopK   int
}

// Entry is one remembered request with its embedding.
type Entry struct {
	RequestID   string          `json:"request_id"`
	Description string          `json:"description"`
	Template    json.RawMessage `json:"template,omitempty"`
	Outcome     string          `json:"outcome"`
	Vector      []float32       `json:"vector"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Match is one search hit.
type Match struct {
	Entry Entry
	Score float64
}

// Embedder produces a vector for a text. The production implementation is
// the Gemini API; tests substitute a deterministic one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GenAIEmbedder embeds via the Gemini embedding API.
type GenAIEmbedder struct {
	client *genai.Client
	model  string
}

// NewGenAIEmbedder creates the embedding client.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// Store is the memory store over the SQLite blob table.
type Store struct {
	embedder Embedder
	db       *store.Store
	topK     int
}

// New builds the memory store. A nil embedder disables it; Search then
// returns empty and Record is a no-op.
func New(embedder Embedder, db *store.Store, topK int) *Store {
	if topK <= 0 {
		topK = 5
	}
	return &Store{embedder: embedder, db: db, topK: topK}
}

// Record remembers a request and its outcome.
func (s *Store) Record(ctx context.Context, requestID, description string, template json.RawMessage, outcome string) error {
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, description)
	if err != nil {
		logging.Memory("record skipped for %s: %v", requestID, err)
		return nil
	}
	entry := Entry{
		RequestID:   requestID,
		Description: description,
		Template:    template,
		Outcome:     outcome,
		Vector:      vec,
		CreatedAt:   time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("memory: marshal entry: %w", err)
	}
	if err := s.db.Put(blobKind, requestID, data); err != nil {
		return fmt.Errorf("memory: persist entry: %w", err)
	}
	logging.MemoryDebug("recorded %s outcome=%s dims=%d", requestID, outcome, len(vec))
	return nil
}

// Search returns the top-k most similar past requests. Never fails hard:
// embedding or store errors yield an empty result.
func (s *Store) Search(ctx context.Context, query string, k int) []Match {
	if s.embedder == nil {
		return nil
	}
	if k <= 0 {
		k = s.topK
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		logging.Memory("search skipped: %v", err)
		return nil
	}

	ids, err := s.listIDs()
	if err != nil {
		logging.Memory("search skipped: %v", err)
		return nil
	}

	var matches []Match
	for _, id := range ids {
		data, err := s.db.Get(blobKind, id)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		score := cosine(qvec, entry.Vector)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Entry: entry, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.RequestID < matches[j].Entry.RequestID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	logging.MemoryDebug("search returned %d/%d entries", len(matches), len(ids))
	return matches
}

func (s *Store) listIDs() ([]string, error) {
	return s.db.ListBlobIDs(blobKind)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
