package embedding

import "context"

// LocalProvider calls an Ollama-compatible /api/embeddings endpoint, one
// request per text.
type LocalProvider struct {
	endpoint string
	model    string
	dim      dimension
}

// NewLocalProvider creates a LocalProvider from cfg.
func NewLocalProvider(cfg Config) *LocalProvider {
	p := &LocalProvider{endpoint: cfg.Endpoint, model: cfg.Model}
	p.dim.configured = cfg.Dimension
	return p
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns one vector per text, in input order.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var resp localResponse
		if err := postJSON(ctx, p.endpoint+"/api/embeddings", "", localRequest{Model: p.model, Prompt: text}, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Embedding)
	}
	p.dim.observe(out)
	return out, nil
}

// Dimension returns the observed vector width or the configured default.
func (p *LocalProvider) Dimension() int { return p.dim.get() }
