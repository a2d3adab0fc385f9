package ollama

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

// Client talks to an Ollama server over its HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	keepAlive  string
}

// Option configures a Client.
type Option func(*Client)

// WithKeepAlive sets how long Ollama keeps a model loaded after a request,
// e.g. "10m". Empty leaves the server default.
func WithKeepAlive(d string) Option {
	return func(c *Client) { c.keepAlive = d }
}

// New creates a Client targeting the given Ollama base URL. Requests are
// bounded by their context only; generation streams can run for minutes.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// StatusError is returned when Ollama answers with a non-200 status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// do sends a JSON request and returns the response when its status is 200.
// The caller closes the body.
func (c *Client) do(ctx context.Context, op, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

type tagsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name string `json:"name"`
}

// IsRunning reports whether the server answers GET /api/tags.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.do(ctx, "tags", http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ListModels returns the names of the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.do(ctx, "tags", http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("tags: decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether name is available locally. A bare name matches
// any tag of that model ("llama2-13b" matches "llama2-13b:latest").
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PullModel downloads a model and blocks until the stream ends. onProgress
// may be nil.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.do(ctx, "pull "+name, http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeStream(resp.Body, func(p PullProgress) (bool, error) {
		if p.Error != "" {
			return true, fmt.Errorf("pull %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
		return false, nil
	})
}

// GenerateOptions are the model options honoured by /api/generate.
type GenerateOptions struct {
	NumPredict int      `json:"num_predict,omitempty"`
	Stop       []string `json:"stop,omitempty"`
}

type generateRequest struct {
	Model     string           `json:"model"`
	Prompt    string           `json:"prompt"`
	Stream    bool             `json:"stream"`
	Raw       bool             `json:"raw,omitempty"`
	KeepAlive string           `json:"keep_alive,omitempty"`
	Options   *GenerateOptions `json:"options,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate streams a raw completion of prompt. The prompt is sent verbatim,
// without the model's chat template. onChunk receives each text delta in
// order; an error from it abandons the stream and is returned unchanged.
func (c *Client) Generate(ctx context.Context, model, prompt string, opts *GenerateOptions, onChunk func(string) error) error {
	resp, err := c.do(ctx, "generate", http.MethodPost, "/api/generate", generateRequest{
		Model:     model,
		Prompt:    prompt,
		Stream:    true,
		Raw:       true,
		KeepAlive: c.keepAlive,
		Options:   opts,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeStream(resp.Body, func(chunk generateChunk) (bool, error) {
		if chunk.Error != "" {
			return true, fmt.Errorf("generate: %s", chunk.Error)
		}
		if chunk.Response != "" {
			if err := onChunk(chunk.Response); err != nil {
				return true, err
			}
		}
		return chunk.Done, nil
	})
}

// decodeStream reads NDJSON values from r until EOF or until fn reports
// done.
func decodeStream[T any](r io.Reader, fn func(T) (bool, error)) error {
	dec := json.NewDecoder(r)
	for {
		var v T
		if err := dec.Decode(&v); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		done, err := fn(v)
		if err != nil || done {
			return err
		}
	}
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one request. The result has one vector
// per input, in input order.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	resp, err := c.do(ctx, "embed", http.MethodPost, "/api/embed", embedRequest{
		Model:     model,
		Input:     texts,
		KeepAlive: c.keepAlive,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embed: decoding response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}
