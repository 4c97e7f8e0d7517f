package cloudevents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/fxsml/replynode/event"
)

// ErrNoTarget is returned by Send when no target URL is configured.
var ErrNoTarget = errors.New("cloudevents: no target url")

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// TargetURL is the full URL replies are POSTed to.
	TargetURL string

	// Source is the CloudEvent source attribute (default: "replynode").
	Source string

	// Client is the HTTP client to use (default: http.DefaultClient).
	Client *http.Client

	// Headers are additional HTTP headers to include in requests.
	Headers http.Header

	// StructuredMode uses structured content mode (metadata in JSON body).
	// Default is binary mode (metadata in Ce-* headers).
	StructuredMode bool

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c PublisherConfig) parse() PublisherConfig {
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher sends replies as CloudEvents over HTTP.
type Publisher struct {
	cfg PublisherConfig
}

// NewPublisher creates a CloudEvents HTTP publisher.
func NewPublisher(cfg PublisherConfig) *Publisher {
	return &Publisher{cfg: cfg.parse()}
}

// Send POSTs the reply synchronously. Any non-2xx status is an error.
func (p *Publisher) Send(ctx context.Context, out *event.Output) error {
	if p.cfg.TargetURL == "" {
		return ErrNoTarget
	}
	e, err := FromOutput(out, p.cfg.Source)
	if err != nil {
		return fmt.Errorf("converting to CloudEvent: %w", err)
	}

	reqCtx := ctx
	if p.cfg.StructuredMode {
		reqCtx = binding.WithForceStructured(ctx)
	}

	req, err := cehttp.NewHTTPRequestFromEvent(reqCtx, p.cfg.TargetURL, e)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range p.cfg.Headers {
		req.Header[k] = v
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.cfg.Logger.Debug("Reply sent", "id", e.ID(), "url", p.cfg.TargetURL)
		return nil
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
}

var _ event.Sink = (*Publisher)(nil)
