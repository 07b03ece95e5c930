package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbound/kapp/pkg/contentstore"
	"github.com/trailbound/kapp/pkg/dkg"
	"github.com/trailbound/kapp/pkg/types"
)

// scriptedClient returns canned responses and records what it was sent
type scriptedClient struct {
	resp    *dkg.CreateResponse
	err     error
	content json.RawMessage
	opts    dkg.CreateOptions
	id      dkg.Identity
}

func (c *scriptedClient) CreateAsset(ctx context.Context, content json.RawMessage, opts dkg.CreateOptions, id dkg.Identity) (*dkg.CreateResponse, error) {
	c.content = content
	c.opts = opts
	c.id = id
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func okResponse(ual, tx string) *dkg.CreateResponse {
	resp := &dkg.CreateResponse{UAL: ual}
	resp.Operation.Publish.Status = "COMPLETED"
	resp.Operation.Publish.OperationID = "op-1"
	resp.Operation.Mint.TransactionHash = tx
	return resp
}

func testSetup(t *testing.T, client dkg.Client, payload []byte) (*Executor, *types.Asset) {
	t.Helper()
	content, err := contentstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	handle, size, err := content.Save(bytes.NewReader(payload))
	require.NoError(t, err)

	asset := &types.Asset{
		ID:           1,
		ContentURL:   handle,
		ContentSize:  size,
		Privacy:      types.PrivacyPrivate,
		Epochs:       2,
		Replications: 1,
	}
	return NewExecutor(content, client), asset
}

func testWallet() *types.Wallet {
	return &types.Wallet{ID: 3, Address: "0xpub", Secret: "0xpriv", Blockchain: "otp:2043"}
}

func TestPublishSuccess(t *testing.T) {
	client := &scriptedClient{resp: okResponse("did:dkg:otp/0x1/9", "0xabc")}
	exec, asset := testSetup(t, client, []byte(`{"@type":"Thing","name":"X"}`))

	result, err := exec.Publish(context.Background(), asset, testWallet())
	require.NoError(t, err)
	assert.Equal(t, "did:dkg:otp/0x1/9", result.UAL)
	assert.Equal(t, "0xabc", result.TxHash)
	assert.Equal(t, "op-1", result.OperationID)

	// Payload is wrapped under the asset's privacy level.
	var wrapped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(client.content, &wrapped))
	require.Contains(t, wrapped, "private")
	assert.JSONEq(t, `{"@type":"Thing","name":"X"}`, string(wrapped["private"]))

	assert.Equal(t, 2, client.opts.Epochs)
	assert.Equal(t, 3, client.opts.FinalizationConfirmations)
	assert.Equal(t, 1, client.opts.Replications)
	assert.Equal(t, "0xpub", client.id.Address)
	assert.Equal(t, "0xpriv", client.id.PrivateKey)
	assert.Equal(t, "otp:2043", client.id.Blockchain)
}

func TestPublishPublicWrapping(t *testing.T) {
	client := &scriptedClient{resp: okResponse("did:dkg:otp/0x1/9", "")}
	exec, asset := testSetup(t, client, []byte(`{"a":1}`))
	asset.Privacy = types.PrivacyPublic

	_, err := exec.Publish(context.Background(), asset, testWallet())
	require.NoError(t, err)

	var wrapped map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(client.content, &wrapped))
	assert.Contains(t, wrapped, "public")
}

func TestPublishNodeError(t *testing.T) {
	resp := &dkg.CreateResponse{}
	resp.Operation.Publish.ErrorType = "RATE_LIMIT"
	resp.Operation.Publish.ErrorMessage = "node busy"
	client := &scriptedClient{resp: resp}
	exec, asset := testSetup(t, client, []byte(`{"a":1}`))

	_, err := exec.Publish(context.Background(), asset, testWallet())
	var apiErr *types.DKGAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "RATE_LIMIT", apiErr.ErrorType)
	assert.Equal(t, "node busy", apiErr.ErrorMessage)
}

func TestPublishMissingUAL(t *testing.T) {
	// A clean publish status but no UAL is still a failure.
	resp := &dkg.CreateResponse{}
	resp.Operation.Publish.Status = "COMPLETED"
	client := &scriptedClient{resp: resp}
	exec, asset := testSetup(t, client, []byte(`{"a":1}`))

	_, err := exec.Publish(context.Background(), asset, testWallet())
	assert.True(t, errors.Is(err, types.ErrMissingUAL))
}

func TestPublishClientErrorPassthrough(t *testing.T) {
	boom := &types.DKGAPIError{ErrorType: "CIRCUIT_OPEN", ErrorMessage: "open"}
	client := &scriptedClient{err: boom}
	exec, asset := testSetup(t, client, []byte(`{"a":1}`))

	_, err := exec.Publish(context.Background(), asset, testWallet())
	var apiErr *types.DKGAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "CIRCUIT_OPEN", apiErr.ErrorType)
}

func TestPublishMissingContent(t *testing.T) {
	client := &scriptedClient{resp: okResponse("did:dkg:otp/0x1/9", "")}
	exec, asset := testSetup(t, client, []byte(`{"a":1}`))
	asset.ContentURL = "file:///nonexistent/path"

	_, err := exec.Publish(context.Background(), asset, testWallet())
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
