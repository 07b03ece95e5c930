package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/trailbound/kapp/pkg/contentstore"
	"github.com/trailbound/kapp/pkg/dkg"
	"github.com/trailbound/kapp/pkg/types"
)

// finalizationConfirmations is the fixed number of node confirmations
// requested for every publish.
const finalizationConfirmations = 3

// Result is a successful publish outcome
type Result struct {
	UAL         string
	TxHash      string
	OperationID string
}

// Executor performs one publish of one asset with one wallet. It never
// mutates asset or wallet state; the worker commits the outcome.
type Executor struct {
	content contentstore.Store
	client  dkg.Client
}

// NewExecutor creates a publish executor
func NewExecutor(content contentstore.Store, client dkg.Client) *Executor {
	return &Executor{content: content, client: client}
}

// Publish loads the asset's payload, wraps it under its privacy level,
// and creates the knowledge asset on the DKG node bound to the wallet's
// signing identity.
//
// Node-reported publish errors surface as *types.DKGAPIError. A response
// without a UAL is types.ErrMissingUAL: the publish may or may not have
// landed on chain, so the caller must treat it as a failed attempt rather
// than silently retry into a duplicate.
func (e *Executor) Publish(ctx context.Context, asset *types.Asset, wallet *types.Wallet) (*Result, error) {
	rc, err := e.content.Open(asset.ContentURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open content for asset %d: %w", asset.ID, err)
	}
	payload, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read content for asset %d: %w", asset.ID, err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("stored content for asset %d is not valid JSON", asset.ID)
	}

	wrapped, err := json.Marshal(map[string]json.RawMessage{
		string(asset.Privacy): payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap content: %w", err)
	}

	blockchain := wallet.Blockchain
	if blockchain == "" {
		blockchain = asset.Blockchain
	}

	resp, err := e.client.CreateAsset(ctx, wrapped, dkg.CreateOptions{
		Epochs:                    asset.Epochs,
		FinalizationConfirmations: finalizationConfirmations,
		Replications:              asset.Replications,
	}, dkg.Identity{
		Address:    wallet.Address,
		PrivateKey: wallet.Secret,
		Blockchain: blockchain,
	})
	if err != nil {
		return nil, err
	}

	if pub := resp.Operation.Publish; pub.ErrorType != "" || pub.ErrorMessage != "" {
		return nil, &types.DKGAPIError{
			ErrorType:    pub.ErrorType,
			ErrorMessage: pub.ErrorMessage,
		}
	}
	if resp.UAL == "" {
		return nil, fmt.Errorf("asset %d: %w", asset.ID, types.ErrMissingUAL)
	}

	return &Result{
		UAL:         resp.UAL,
		TxHash:      resp.Operation.Mint.TransactionHash,
		OperationID: resp.Operation.Publish.OperationID,
	}, nil
}
