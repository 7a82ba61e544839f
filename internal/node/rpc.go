// Package node provides the client for the Nano node's HTTP RPC endpoint and
// the types of its RPC and websocket APIs.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nanotools/nanogate/pkg/circuit"
	"github.com/nanotools/nanogate/pkg/errors"
)

// RPCInterface is the contract consumed by the gateway and the work broker.
// It exists so tests can substitute a mock node.
type RPCInterface interface {
	Call(ctx context.Context, body []byte) ([]byte, error)
	WorkGenerate(ctx context.Context, hash string) ([]byte, error)
	Send(ctx context.Context, wallet, source, destination, amount string) (*SendResponse, error)
	AccountInfo(ctx context.Context, account string) (*AccountInfoResponse, error)
}

// RPCClient issues single request/response calls against the node's RPC
// endpoint. One HTTP request is opened per call; there is no retry at this
// layer, only a circuit breaker so a dead node fails fast instead of tying up
// every inbound request for the full timeout.
type RPCClient struct {
	url            string
	httpClient     *http.Client
	circuitBreaker *circuit.Breaker
}

// NewRPCClient creates an RPC client for the node endpoint.
func NewRPCClient(url string, timeout time.Duration) *RPCClient {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &RPCClient{
		url:            url,
		httpClient:     &http.Client{Timeout: timeout},
		circuitBreaker: circuit.New(cbConfig),
	}
}

// Call posts a raw JSON payload to the node and returns the full response
// body. A socket error or a non-2xx status is a transport failure; the body
// is still returned when it was read, but callers must treat the call as
// failed regardless of its content.
func (c *RPCClient) Call(ctx context.Context, body []byte) ([]byte, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "rpc_request",
				"failed to build RPC request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "rpc_call",
				"node RPC request failed")
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "rpc_read",
				"failed to read node RPC response")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return respBody, errors.New(errors.ErrorTypeNode, "rpc_call",
				fmt.Sprintf("node returned status %d", resp.StatusCode)).
				WithContext("status_code", resp.StatusCode)
		}

		return respBody, nil
	})
}

// WorkGenerate asks the node itself to compute proof-of-work for a hash and
// returns the verbatim response body.
func (c *RPCClient) WorkGenerate(ctx context.Context, hash string) ([]byte, error) {
	body, err := json.Marshal(&WorkGenerateRequest{Action: "work_generate", Hash: hash})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "work_generate",
			"failed to marshal work_generate request")
	}
	return c.Call(ctx, body)
}

// Send issues a send RPC from the faucet wallet.
func (c *RPCClient) Send(ctx context.Context, wallet, source, destination, amount string) (*SendResponse, error) {
	body, err := json.Marshal(&SendRequest{
		Action:      "send",
		Wallet:      wallet,
		Source:      source,
		Destination: destination,
		Amount:      amount,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "send",
			"failed to marshal send request")
	}

	respBody, err := c.Call(ctx, body)
	if err != nil {
		return nil, err
	}

	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "send",
			"failed to decode send response")
	}
	if resp.Error != "" {
		return nil, errors.New(errors.ErrorTypeNode, "send",
			"node rejected send").WithContext("node_error", resp.Error)
	}
	return &resp, nil
}

// AccountInfo queries ledger state for an account. An unopened account is not
// an error at this layer: the response carries the node's error field and an
// empty frontier, which the faucet flow maps to frontier "0".
func (c *RPCClient) AccountInfo(ctx context.Context, account string) (*AccountInfoResponse, error) {
	body, err := json.Marshal(&AccountInfoRequest{Action: "account_info", Account: account})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "account_info",
			"failed to marshal account_info request")
	}

	respBody, err := c.Call(ctx, body)
	if err != nil {
		return nil, err
	}

	var resp AccountInfoResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNode, "account_info",
			"failed to decode account_info response")
	}
	return &resp, nil
}
