package remote

import (
	"context"
	"net/url"

	"launchpad/internal/ledger"
)

// FeeClient implements launch.FeeOracle over HTTP.
type FeeClient struct {
	c *Client
}

// NewFeeClient constructs a fee oracle client on top of c.
func NewFeeClient(c *Client) *FeeClient {
	return &FeeClient{c: c}
}

type feeBody struct {
	Fee ledger.Amount `json:"fee"`
}

func (f *FeeClient) Fee(ctx context.Context, service string) (ledger.Amount, error) {
	req, err := f.c.get(ctx, "/fees/"+url.PathEscape(service))
	if err != nil {
		return 0, err
	}
	out, err := doJSON[feeBody](f.c, req)
	if err != nil {
		return 0, err
	}
	return out.Fee, nil
}
