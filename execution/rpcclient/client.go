// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package rpcclient implements execution.Client over JSON-RPC.
package rpcclient

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/astriaorg/conductor/execution"
	"github.com/astriaorg/conductor/util/rpcclient"
	"github.com/astriaorg/conductor/util/stopwaiter"
)

type Client struct {
	stopwaiter.StopWaiter
	client *rpcclient.RpcClient
}

func NewClient(config rpcclient.ClientConfigFetcher) *Client {
	return &Client{
		client: rpcclient.NewRpcClient(config),
	}
}

func (c *Client) Start(ctx_in context.Context) error {
	c.StopWaiter.Start(ctx_in, c)
	ctx := c.GetContext()
	return c.client.Start(ctx)
}

func (c *Client) StopAndWait() {
	c.StopWaiter.StopAndWait()
	c.client.Close()
}

// The engine reports a parent mismatch as a plain error string, so it is
// matched by message and mapped back onto the sentinel.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, execution.ErrWrongParent.Error()) {
		return execution.ErrWrongParent
	}
	if strings.Contains(errStr, execution.ErrRollbackUnsupported.Error()) {
		return execution.ErrRollbackUnsupported
	}
	return err
}

func (c *Client) callContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return convertError(c.client.CallContext(ctx, result, execution.RPCNamespace+method, args...))
}

func (c *Client) InitExecutionSession(ctx context.Context) (*execution.ExecutionSessionParameters, error) {
	var params execution.ExecutionSessionParameters
	if err := c.callContext(ctx, &params, "_initExecutionSession"); err != nil {
		return nil, err
	}
	return &params, nil
}

func (c *Client) ExecuteBlock(ctx context.Context, parentHash common.Hash, transactions [][]byte, timestamp time.Time) (*execution.ExecutedBlockMetadata, error) {
	wireTxs := make([]hexutil.Bytes, len(transactions))
	for i, tx := range transactions {
		wireTxs[i] = tx
	}
	var meta execution.ExecutedBlockMetadata
	if err := c.callContext(ctx, &meta, "_executeBlock", parentHash, wireTxs, timestamp); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) UpdateCommitmentState(ctx context.Context, state *execution.CommitmentState) (*execution.CommitmentState, error) {
	var accepted execution.CommitmentState
	if err := c.callContext(ctx, &accepted, "_updateCommitmentState", state); err != nil {
		return nil, err
	}
	return &accepted, nil
}

func (c *Client) ExecutedBlockMetadataByNumber(ctx context.Context, number uint64) (*execution.ExecutedBlockMetadata, error) {
	var meta execution.ExecutedBlockMetadata
	if err := c.callContext(ctx, &meta, "_executedBlockMetadataByNumber", number); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) HeadExecutedBlockMetadata(ctx context.Context) (*execution.ExecutedBlockMetadata, error) {
	var meta execution.ExecutedBlockMetadata
	if err := c.callContext(ctx, &meta, "_headExecutedBlockMetadata"); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) RollbackToBlock(ctx context.Context, number uint64) (*execution.ExecutedBlockMetadata, error) {
	var meta execution.ExecutedBlockMetadata
	if err := c.callContext(ctx, &meta, "_rollbackToBlock", number); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *Client) ExecuteOptimisticBlock(ctx context.Context, parentHash common.Hash, transactions [][]byte, timestamp time.Time) (*execution.ExecutedBlockMetadata, error) {
	wireTxs := make([]hexutil.Bytes, len(transactions))
	for i, tx := range transactions {
		wireTxs[i] = tx
	}
	var meta execution.ExecutedBlockMetadata
	if err := c.callContext(ctx, &meta, "_executeOptimisticBlock", parentHash, wireTxs, timestamp); err != nil {
		return nil, err
	}
	return &meta, nil
}
