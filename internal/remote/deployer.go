package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"launchpad/internal/launch"
	"launchpad/internal/ledger"
)

// DeployerClient implements launch.DeploymentClient over HTTP. The request id
// travels as the Idempotency-Key header as well as in the body.
type DeployerClient struct {
	c *Client
}

// NewDeployerClient constructs a deployment client on top of c.
func NewDeployerClient(c *Client) *DeployerClient {
	return &DeployerClient{c: c}
}

func (d *DeployerClient) Deploy(ctx context.Context, in launch.DeployRequest) (launch.DeployResult, error) {
	req, err := d.c.post(ctx, "/deployments", in)
	if err != nil {
		return launch.DeployResult{}, err
	}
	if in.RequestID != "" {
		req.Header.Set("Idempotency-Key", in.RequestID)
	}
	raw, err := doRaw(d.c, req)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusGatewayTimeout {
			return launch.DeployResult{}, &launch.DeployError{Kind: launch.DeployUnavailable, Message: "deployment authority timed out"}
		}
		return launch.DeployResult{}, err
	}
	result, err := decodeDeployResult(raw)
	if err != nil {
		return launch.DeployResult{}, err
	}
	if result.err != nil {
		return launch.DeployResult{}, result.err
	}
	return result.ok, nil
}

// deployResult is the decoded deploy response: exactly one of ok or err.
type deployResult struct {
	ok  launch.DeployResult
	err *launch.DeployError
}

type deployErrorPayload struct {
	Message  string         `json:"message"`
	Required *ledger.Amount `json:"required"`
}

func decodeDeployResult(raw []byte) (deployResult, error) {
	tag, body, err := variant(raw)
	if err != nil {
		return deployResult{}, err
	}
	switch tag {
	case "Ok":
		var ok launch.DeployResult
		if err := json.Unmarshal(body, &ok); err != nil {
			return deployResult{}, fmt.Errorf("decode deploy result: %w", err)
		}
		if ok.EntityID == "" {
			return deployResult{}, fmt.Errorf("decode deploy result: missing entity id")
		}
		return deployResult{ok: ok}, nil
	case "Err":
		deployErr, err := decodeDeployError(body)
		if err != nil {
			return deployResult{}, err
		}
		return deployResult{err: deployErr}, nil
	default:
		return deployResult{}, fmt.Errorf("decode deploy: unknown variant %q", tag)
	}
}

func decodeDeployError(raw []byte) (*launch.DeployError, error) {
	tag, body, err := variant(raw)
	if err != nil {
		return nil, err
	}
	out := &launch.DeployError{Kind: launch.DeployErrorKind(tag)}

	// Payloads are either a bare message string or an object.
	var message string
	var payload deployErrorPayload
	if json.Unmarshal(body, &message) == nil {
		out.Message = message
	} else if err := json.Unmarshal(body, &payload); err == nil {
		out.Message = payload.Message
		if payload.Required != nil && out.Message == "" {
			out.Message = "payment below required " + payload.Required.String()
		}
	}

	switch out.Kind {
	case launch.DeployRejected, launch.DeployInvalidConfig, launch.DeployInsufficientPayment, launch.DeployUnavailable:
		return out, nil
	default:
		return nil, fmt.Errorf("decode deploy error: unknown variant %q", tag)
	}
}
