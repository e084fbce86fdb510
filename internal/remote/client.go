// Package remote talks to the dashboard backend: it starts Google Maps
// scrapes and forwards finished result sets to the save endpoint.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/FranksOps/prospect/internal/blockpage"
	"github.com/FranksOps/prospect/pkg/httpclient"
)

const (
	DefaultScrapePath = "/api/scraper/google-maps/stream"
	DefaultSavePath   = "/api/scraper/google-maps/save"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	ScrapePath string
	SavePath   string
	// HTTP must not carry an overall timeout: scrape responses stay open for
	// the whole session.
	HTTP   *httpclient.Client
	Logger *slog.Logger
}

// ScrapeRequest is the body sent to start a scrape.
type ScrapeRequest struct {
	SearchTerm    string `json:"searchTerm"`
	MaxResults    int    `json:"maxResults"`
	ExcludeSector string `json:"excludeSector,omitempty"`
}

// Validate rejects requests the backend cannot serve.
func (r ScrapeRequest) Validate() error {
	if strings.TrimSpace(r.SearchTerm) == "" {
		return fmt.Errorf("%w: search term is empty", ErrInvalidRequest)
	}
	if r.MaxResults <= 0 {
		return fmt.Errorf("%w: max results must be positive, got %d", ErrInvalidRequest, r.MaxResults)
	}
	return nil
}

// Client is a backend client for the scraper endpoints. It is safe for
// concurrent use.
type Client struct {
	scrapeURL string
	saveURL   string
	http      *httpclient.Client
	logger    *slog.Logger
}

// New creates a Client. BaseURL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.ScrapePath == "" {
		cfg.ScrapePath = DefaultScrapePath
	}
	if cfg.SavePath == "" {
		cfg.SavePath = DefaultSavePath
	}
	if cfg.HTTP == nil {
		cfg.HTTP, err = httpclient.New(httpclient.Config{Timeout: -1})
		if err != nil {
			return nil, err
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		scrapeURL: base.JoinPath(cfg.ScrapePath).String(),
		saveURL:   base.JoinPath(cfg.SavePath).String(),
		http:      cfg.HTTP,
		logger:    cfg.Logger,
	}, nil
}

// StartScrape posts req and returns the open event stream. The caller must
// close it; cancelling ctx aborts the underlying connection.
func (c *Client) StartScrape(ctx context.Context, req ScrapeRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.logger.Debug("starting scrape", "url", c.scrapeURL, "term", req.SearchTerm, "max", req.MaxResults)

	resp, err := c.http.PostJSON(ctx, c.scrapeURL, "text/event-stream", req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Op: "scrape", Message: "request failed", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError("scrape", resp)
	}

	return resp.Body, nil
}

// statusError reads a bounded prefix of a rejected response and summarises it.
func statusError(op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, blockpage.MaxBody))
	summary := blockpage.Summarize(&blockpage.Page{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, blockpage.DefaultDetectors())

	return &Error{Kind: KindStatus, Op: op, Message: summary.String()}
}
