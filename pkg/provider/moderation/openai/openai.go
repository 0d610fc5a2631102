// Package openai provides a moderation.Checker backed by the OpenAI
// moderations endpoint.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxgate/voxgate/pkg/provider/moderation"
)

// DefaultModel is the default moderation model.
const DefaultModel = oai.ModerationModelOmniModerationLatest

// Ensure Checker implements the moderation.Checker interface.
var _ moderation.Checker = (*Checker)(nil)

// Checker implements moderation.Checker using the OpenAI moderations API.
type Checker struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the checker.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Checker.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Keep this short: the check
// sits on the transcript path of a live call.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI moderation Checker. If model is empty,
// DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Checker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai moderation: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{timeout: 5 * time.Second}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Checker{
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Check classifies text against the configured moderation model.
func (c *Checker) Check(ctx context.Context, text string) (bool, error) {
	if text == "" {
		return false, nil
	}

	res, err := c.client.Moderations.New(ctx, oai.ModerationNewParams{
		Model: c.model,
		Input: oai.ModerationNewParamsInputUnion{
			OfString: oai.String(text),
		},
	})
	if err != nil {
		return false, fmt.Errorf("openai moderation: %w", err)
	}
	if len(res.Results) == 0 {
		return false, fmt.Errorf("openai moderation: empty result set")
	}
	return res.Results[0].Flagged, nil
}
