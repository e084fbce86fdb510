package remote

import (
	"context"
	"encoding/json"
	"io"

	"github.com/FranksOps/prospect/internal/storage"
)

type saveRequest struct {
	Data       []storage.BusinessRecord `json:"data"`
	SearchTerm string                   `json:"searchTerm"`
}

type saveResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Saved int `json:"saved"`
	} `json:"data"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Name identifies the backend in logs and metrics.
func (c *Client) Name() string { return "remote" }

// Forward sends the full result set of one finished scrape to the save
// endpoint in a single request and returns the saved count the backend
// reports. It does not retry.
func (c *Client) Forward(ctx context.Context, searchTerm string, records []storage.BusinessRecord) (int, error) {
	if records == nil {
		records = []storage.BusinessRecord{}
	}

	resp, err := c.http.PostJSON(ctx, c.saveURL, "application/json", saveRequest{
		Data:       records,
		SearchTerm: searchTerm,
	})
	if err != nil {
		return 0, &Error{Kind: KindTransport, Op: "save", Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, statusError("save", resp)
	}

	var out saveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, &Error{Kind: KindDecode, Op: "save", Message: "decode response", Cause: err}
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = out.Message
		}
		return 0, &Error{Kind: KindRejected, Op: "save", Message: msg}
	}

	c.logger.Debug("results saved", "term", searchTerm, "sent", len(records), "saved", out.Data.Saved)
	return out.Data.Saved, nil
}
