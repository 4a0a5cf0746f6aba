package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultTavilyURL = "https://api.tavily.com"

// WebResult is a web search answer with its distinct source URLs.
type WebResult struct {
	Answer  string
	Sources []string
}

// Tavily is a minimal client for the Tavily search endpoint.
type Tavily struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	Client     *http.Client
}

func NewTavily(apiKey string) *Tavily {
	return &Tavily{
		APIKey:     apiKey,
		BaseURL:    DefaultTavilyURL,
		MaxResults: 5,
		Client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Tavily) Search(ctx context.Context, query string) (WebResult, error) {
	body, err := json.Marshal(map[string]any{
		"query":          query,
		"search_depth":   "advanced",
		"include_answer": true,
		"max_results":    t.MaxResults,
	})
	if err != nil {
		return WebResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.BaseURL, "/")+"/search", bytes.NewReader(body))
	if err != nil {
		return WebResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.APIKey)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return WebResult{}, fmt.Errorf("tavily: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return WebResult{}, fmt.Errorf("tavily: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		Answer  string `json:"answer"`
		Results []struct {
			URL string `json:"url"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return WebResult{}, fmt.Errorf("tavily: decode: %w", err)
	}
	res := WebResult{Answer: strings.TrimSpace(out.Answer)}
	seen := map[string]bool{}
	for _, r := range out.Results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		res.Sources = append(res.Sources, r.URL)
		if len(res.Sources) == 5 {
			break
		}
	}
	return res, nil
}
