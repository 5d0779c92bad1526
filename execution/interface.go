// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package execution defines the conductor's view of the rollup execution
// engine: the session parameters it hands out, the commitment state it
// tracks, and the client interface used to drive it.
package execution

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/sequencerblock"
)

var (
	// ErrWrongParent is returned by ExecuteBlock when the engine's head
	// does not match the parent hash the conductor supplied.
	ErrWrongParent = errors.New("engine head does not match requested parent")
	// ErrRollbackUnsupported is returned when a divergence requires
	// rewinding the engine but the engine cannot rewind.
	ErrRollbackUnsupported = errors.New("execution engine does not support rollback")
)

// RPCNamespace is the JSON-RPC namespace the execution engine serves the
// conductor API under.
const RPCNamespace = "execution"

// ExecutedBlockMetadata identifies a block in the rollup's own chain.
type ExecutedBlockMetadata struct {
	Number     uint64      `json:"number"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parentHash"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ExecutionSessionParameters is the engine's statement of what slice of the
// sequencer and data availability chains it wants executed, and how
// sequencer heights map onto rollup block numbers.
type ExecutionSessionParameters struct {
	RollupID                  sequencerblock.RollupID `json:"rollupId"`
	RollupStartBlockNumber    uint64                  `json:"rollupStartBlockNumber"`
	RollupEndBlockNumber      uint64                  `json:"rollupEndBlockNumber"`
	SequencerChainID          string                  `json:"sequencerChainId"`
	SequencerStartBlockHeight uint64                  `json:"sequencerStartBlockHeight"`
	CelestiaChainID           string                  `json:"celestiaChainId"`
	// CelestiaSearchHeightMaxLookAhead bounds how far past the lowest
	// unsearched height the firm source may scan in one pass.
	CelestiaSearchHeightMaxLookAhead uint64 `json:"celestiaSearchHeightMaxLookAhead"`
}

// CommitmentState is the pair of chain pointers the conductor maintains:
// the optimistic soft head and the finalized firm head. Firm never
// advances past soft.
type CommitmentState struct {
	Soft ExecutedBlockMetadata `json:"soft"`
	Firm ExecutedBlockMetadata `json:"firm"`
	// LowestCelestiaSearchHeight is where the firm source resumes
	// scanning the data availability chain after a restart.
	LowestCelestiaSearchHeight uint64 `json:"lowestCelestiaSearchHeight"`
}

// Validate checks the directional invariant between the two pointers.
func (s *CommitmentState) Validate() error {
	if s.Firm.Number > s.Soft.Number {
		return errors.Errorf("firm commitment %d is ahead of soft commitment %d", s.Firm.Number, s.Soft.Number)
	}
	return nil
}

// Client drives an execution engine. All calls are synchronous; the
// conductor never has more than one ExecuteBlock in flight.
type Client interface {
	// InitExecutionSession opens a session and returns the parameters the
	// engine wants this conductor run to follow.
	InitExecutionSession(ctx context.Context) (*ExecutionSessionParameters, error)

	// ExecuteBlock derives a rollup block from transactions on top of the
	// block identified by parentHash. Returns ErrWrongParent if the
	// engine's head is not parentHash.
	ExecuteBlock(ctx context.Context, parentHash common.Hash, transactions [][]byte, timestamp time.Time) (*ExecutedBlockMetadata, error)

	// UpdateCommitmentState informs the engine of new soft and firm
	// pointers and returns the state the engine accepted.
	UpdateCommitmentState(ctx context.Context, state *CommitmentState) (*CommitmentState, error)

	// ExecutedBlockMetadataByNumber fetches metadata for a block the
	// engine already executed.
	ExecutedBlockMetadataByNumber(ctx context.Context, number uint64) (*ExecutedBlockMetadata, error)

	// HeadExecutedBlockMetadata fetches the engine's current head.
	HeadExecutedBlockMetadata(ctx context.Context) (*ExecutedBlockMetadata, error)
}

// RollbackClient is implemented by engines that can rewind their chain.
// The conductor only uses it to recover from a soft/firm divergence.
type RollbackClient interface {
	// RollbackToBlock discards everything above number and returns the
	// metadata of the new head.
	RollbackToBlock(ctx context.Context, number uint64) (*ExecutedBlockMetadata, error)
}

// OptimisticClient is implemented by engines that accept blocks ahead of
// soft commitment for latency-sensitive work. Failures on this surface
// never affect the conductor's main loop.
type OptimisticClient interface {
	ExecuteOptimisticBlock(ctx context.Context, parentHash common.Hash, transactions [][]byte, timestamp time.Time) (*ExecutedBlockMetadata, error)
}
