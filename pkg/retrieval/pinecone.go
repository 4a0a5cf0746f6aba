package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/callorch/pkg/metadata"
)

const (
	pineconeControlURL = "https://api.pinecone.io"
	pineconeAPIVersion = "2024-07"
)

// Embedder turns a query into the vector space of the index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Pinecone queries serverless indexes over REST. Index hosts are looked up once per
// index name and remembered.
type Pinecone struct {
	APIKey     string
	ControlURL string
	Client     *http.Client
	Embedder   Embedder

	hosts sync.Map // index name -> host URL
}

func NewPinecone(apiKey string, embedder Embedder) *Pinecone {
	return &Pinecone{
		APIKey:     apiKey,
		ControlURL: pineconeControlURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
		Embedder:   embedder,
	}
}

// Query embeds the text and returns the top k matches from the referenced namespace.
func (p *Pinecone) Query(ctx context.Context, ref metadata.KnowledgeRef, query string, k int) ([]Chunk, error) {
	vector, err := p.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	host, err := p.host(ctx, ref.Index)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{
		"vector":          vector,
		"topK":            k,
		"namespace":       ref.Namespace,
		"includeMetadata": true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	p.headers(req)
	var payload struct {
		Matches []struct {
			ID       string         `json:"id"`
			Score    float64        `json:"score"`
			Metadata map[string]any `json:"metadata"`
		} `json:"matches"`
	}
	if err := p.do(req, &payload); err != nil {
		return nil, fmt.Errorf("pinecone query %s: %w", ref, err)
	}
	out := make([]Chunk, 0, len(payload.Matches))
	for _, m := range payload.Matches {
		text, _ := m.Metadata["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		source, _ := m.Metadata["source"].(string)
		out = append(out, Chunk{Text: text, Page: pageValue(m.Metadata["page"]), Source: source, Score: m.Score})
	}
	return out, nil
}

func (p *Pinecone) host(ctx context.Context, index string) (string, error) {
	if v, ok := p.hosts.Load(index); ok {
		return v.(string), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ControlURL+"/indexes/"+url.PathEscape(index), nil)
	if err != nil {
		return "", err
	}
	p.headers(req)
	var payload struct {
		Host string `json:"host"`
	}
	if err := p.do(req, &payload); err != nil {
		return "", fmt.Errorf("pinecone describe %s: %w", index, err)
	}
	host := payload.Host
	if host == "" {
		return "", fmt.Errorf("pinecone describe %s: empty host", index)
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	p.hosts.Store(index, host)
	return host, nil
}

func (p *Pinecone) headers(req *http.Request) {
	req.Header.Set("Api-Key", p.APIKey)
	req.Header.Set("X-Pinecone-API-Version", pineconeAPIVersion)
}

func (p *Pinecone) do(req *http.Request, out any) error {
	c := p.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// pageValue accepts the page stored as a number or as a string.
func pageValue(v any) int {
	switch p := v.(type) {
	case float64:
		return int(p)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(p))
		return n
	}
	return 0
}

// OpenAIEmbedder calls the /embeddings endpoint.
type OpenAIEmbedder struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{APIKey: apiKey, BaseURL: baseURL, Model: model, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"input": text, "model": e.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.APIKey)
	c := e.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var payload struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	return payload.Data[0].Embedding, nil
}
