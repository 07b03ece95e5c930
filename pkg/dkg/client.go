package dkg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/trailbound/kapp/pkg/types"
)

// CreateOptions tunes a knowledge-asset creation call
type CreateOptions struct {
	Epochs                    int
	FinalizationConfirmations int
	Replications              int
}

// Identity is the signing wallet bound to a creation call
type Identity struct {
	Address    string
	PrivateKey string
	Blockchain string
}

// PublishStatus is the nested per-operation outcome in a create response
type PublishStatus struct {
	Status       string `json:"status"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	OperationID  string `json:"operationId,omitempty"`
}

// MintStatus carries the on-chain minting result
type MintStatus struct {
	TransactionHash string `json:"transactionHash,omitempty"`
}

// CreateResponse is the envelope returned by the node for asset creation
type CreateResponse struct {
	UAL       string `json:"UAL"`
	Operation struct {
		Publish PublishStatus `json:"publish"`
		Mint    MintStatus    `json:"mintKnowledgeCollection"`
	} `json:"operation"`
}

// Client creates knowledge assets on a DKG node
type Client interface {
	CreateAsset(ctx context.Context, content json.RawMessage, opts CreateOptions, id Identity) (*CreateResponse, error)
}

type createRequest struct {
	Content json.RawMessage `json:"content"`
	Options struct {
		EpochsNum                                int `json:"epochsNum"`
		MinimumNumberOfFinalizationConfirmations int `json:"minimumNumberOfFinalizationConfirmations"`
		MinimumNumberOfNodeReplications          int `json:"minimumNumberOfNodeReplications"`
	} `json:"options"`
	Wallet struct {
		PublicKey  string `json:"publicKey"`
		PrivateKey string `json:"privateKey"`
	} `json:"wallet"`
	Blockchain string `json:"blockchain"`
}

// HTTPClient talks to a DKG publishing node over HTTP, guarded by a
// circuit breaker so a dead node fails callers fast instead of tying up
// workers for the full publish timeout.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewHTTPClient creates a client for the node at endpoint
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		// Publishing waits on chain finality; the transport timeout has to
		// sit above the 15-minute stage budget, not below it.
		http: &http.Client{Timeout: 16 * time.Minute},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "dkg",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// CreateAsset posts the content to the node's asset-creation endpoint.
// Transport and node-side failures come back as *types.DKGAPIError; a
// tripped breaker is reported as error type CIRCUIT_OPEN.
func (c *HTTPClient) CreateAsset(ctx context.Context, content json.RawMessage, opts CreateOptions, id Identity) (*CreateResponse, error) {
	reqBody := createRequest{Content: content, Blockchain: id.Blockchain}
	reqBody.Options.EpochsNum = opts.Epochs
	reqBody.Options.MinimumNumberOfFinalizationConfirmations = opts.FinalizationConfirmations
	reqBody.Options.MinimumNumberOfNodeReplications = opts.Replications
	reqBody.Wallet.PublicKey = id.Address
	reqBody.Wallet.PrivateKey = id.PrivateKey

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode create request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &types.DKGAPIError{
				ErrorType:    "CIRCUIT_OPEN",
				ErrorMessage: "dkg node circuit breaker is open",
			}
		}
		return nil, err
	}
	return result.(*CreateResponse), nil
}

func (c *HTTPClient) post(ctx context.Context, payload []byte) (*CreateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api/v1/assets", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dkg node request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read dkg response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.DKGAPIError{
			ErrorType:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			ErrorMessage: truncate(string(body), 500),
		}
	}

	var envelope CreateResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode dkg response: %w", err)
	}
	return &envelope, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
