package embedding

import "context"

// APIProvider calls an OpenAI-compatible /embeddings endpoint, batching all
// texts into one request.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	dim      dimension
}

// NewAPIProvider creates an APIProvider from cfg.
func NewAPIProvider(cfg Config) *APIProvider {
	p := &APIProvider{endpoint: cfg.Endpoint, model: cfg.Model, apiKey: cfg.APIKey}
	p.dim.configured = cfg.Dimension
	return p
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per text, in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp apiResponse
	if err := postJSON(ctx, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		out[idx] = d.Embedding
	}
	p.dim.observe(out)
	return out, nil
}

// Dimension returns the observed vector width or the configured default.
func (p *APIProvider) Dimension() int { return p.dim.get() }
