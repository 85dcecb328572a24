package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"launchpad/internal/statussync"
)

// StatusClient implements statussync.StatusReader over HTTP.
type StatusClient struct {
	c *Client
}

// NewStatusClient constructs a status reader on top of c.
func NewStatusClient(c *Client) *StatusClient {
	return &StatusClient{c: c}
}

func (s *StatusClient) Detail(ctx context.Context, id string) (statussync.EntityDetail, error) {
	req, err := s.c.get(ctx, "/entities/"+url.PathEscape(id))
	if err != nil {
		return statussync.EntityDetail{}, err
	}
	out, err := doJSON[statussync.EntityDetail](s.c, req)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return statussync.EntityDetail{}, statussync.ErrNotFound
		}
		return statussync.EntityDetail{}, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return *out, nil
}
