package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"launchpad/internal/ledger"

	"github.com/Masterminds/semver/v3"
)

// FeeOracle prices individual services.
type FeeOracle interface {
	Fee(ctx context.Context, service string) (ledger.Amount, error)
}

// DeploymentClient submits deployments to the remote deployment authority.
type DeploymentClient interface {
	Deploy(ctx context.Context, req DeployRequest) (DeployResult, error)
}

// DeploymentConfig describes the contract instance to create.
type DeploymentConfig struct {
	ProjectName     string          `json:"project_name"`
	TemplateVersion string          `json:"template_version"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects configs the deployment authority could never accept.
func (c DeploymentConfig) Validate() error {
	if strings.TrimSpace(c.ProjectName) == "" {
		return fmt.Errorf("%w: project name is required", ErrInvalidRequest)
	}
	if _, err := semver.NewVersion(c.TemplateVersion); err != nil {
		return fmt.Errorf("%w: template version %q: %v", ErrInvalidRequest, c.TemplateVersion, err)
	}
	if len(c.Payload) > 0 && !json.Valid(c.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidRequest)
	}
	return nil
}

// DeployRequest is one submission to the deployment authority.
// RequestID stays stable across retries of the same attempt.
type DeployRequest struct {
	RequestID string           `json:"request_id"`
	Owner     string           `json:"owner"`
	Payment   ledger.Amount    `json:"payment"`
	Config    DeploymentConfig `json:"config"`
}

// DeployResult identifies the created entity.
type DeployResult struct {
	EntityID string `json:"entity_id"`
}

// DeployErrorKind enumerates deployment authority rejections.
type DeployErrorKind string

const (
	DeployRejected            DeployErrorKind = "Rejected"
	DeployInvalidConfig       DeployErrorKind = "InvalidConfig"
	DeployInsufficientPayment DeployErrorKind = "InsufficientPayment"
	DeployUnavailable         DeployErrorKind = "Unavailable"
)

// DeployError is a typed rejection from the deployment authority.
type DeployError struct {
	Kind    DeployErrorKind
	Message string
}

func (e *DeployError) Error() string {
	if e.Message == "" {
		return "deployment rejected: " + string(e.Kind)
	}
	return e.Message
}

// Transient reports whether resubmitting may succeed.
func (e *DeployError) Transient() bool {
	return e.Kind == DeployUnavailable
}

// CostRequest names the services being paid for. An empty optional name disables it.
type CostRequest struct {
	Service   string `json:"service"`
	Secondary string `json:"secondary,omitempty"`
	Tertiary  string `json:"tertiary,omitempty"`
}

// PaymentRequest is everything needed to run one deployment payment saga.
type PaymentRequest struct {
	Owner      string           `json:"owner"`
	Token      string           `json:"token"`
	Spender    string           `json:"spender"`
	Costs      CostRequest      `json:"costs"`
	Deployment DeploymentConfig `json:"deployment"`
}

// Validate catches contract errors before any side effect happens.
func (r PaymentRequest) Validate() error {
	if strings.TrimSpace(r.Owner) == "" {
		return fmt.Errorf("%w: owner identity is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: ledger token is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Spender) == "" {
		return fmt.Errorf("%w: spender is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Costs.Service) == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidRequest)
	}
	return r.Deployment.Validate()
}
