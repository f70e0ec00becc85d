// Package embedding turns text into vectors for the knowledge index.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" (OpenAI-compatible) or "local" (Ollama)
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New returns the provider selected by cfg.Provider.
func New(cfg Config) (Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding: endpoint is required")
	}
	switch cfg.Provider {
	case "", "local":
		return NewLocalProvider(cfg), nil
	case "api":
		return NewAPIProvider(cfg), nil
	}
	return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

// postJSON sends body to url and decodes a 200 response into out.
func postJSON(ctx context.Context, url, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// dimension remembers the width of the first vector seen, falling back to
// the configured value until then.
type dimension struct {
	configured int
	observed   atomic.Int64
}

func (d *dimension) observe(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		d.observed.CompareAndSwap(0, int64(len(vecs[0])))
	}
}

func (d *dimension) get() int {
	if n := d.observed.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}
