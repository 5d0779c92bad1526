// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package sequencerblock

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/merkle"
)

// DropReason classifies why a filtered block failed normalization.
type DropReason string

const (
	// DropBadProof means a Merkle proof did not verify against the
	// committed root.
	DropBadProof DropReason = "bad-proof"
	// DropWrongRollup means the block's transaction payload was built for
	// a different rollup id than the one this conductor serves.
	DropWrongRollup DropReason = "wrong-rollup"
	// DropMissingIDsProof means the rollup ids listing was absent,
	// unverifiable, or inconsistent with the payload.
	DropMissingIDsProof DropReason = "missing-ids-proof"
)

// DropError is returned by Normalize when a block must be discarded. The
// block sources log it and continue; it is never fatal to the conductor.
type DropError struct {
	Reason DropReason
	Detail string
}

func (e *DropError) Error() string {
	return "block dropped (" + string(e.Reason) + "): " + e.Detail
}

func dropf(reason DropReason, format string, args ...interface{}) error {
	return &DropError{Reason: reason, Detail: errors.Errorf(format, args...).Error()}
}

// AsDropError unwraps err to a DropError if it is one.
func AsDropError(err error) (*DropError, bool) {
	var drop *DropError
	if errors.As(err, &drop) {
		return drop, true
	}
	return nil, false
}

// dataTreeLeaf is how a root is inserted into the block's data tree: the
// tree is built over the sha256 digests of its entries.
func dataTreeLeaf(root common.Hash) []byte {
	digest := sha256.Sum256(root[:])
	return digest[:]
}

// rollupTransactionsLeaf is the leaf the rollup transactions tree holds for
// one rollup: the rollup id followed by the root of a tree over the raw
// transactions.
func rollupTransactionsLeaf(id RollupID, transactions [][]byte) []byte {
	txRoot := merkle.Root(transactions)
	leaf := make([]byte, 0, common.HashLength*2)
	leaf = append(leaf, id[:]...)
	leaf = append(leaf, txRoot[:]...)
	return leaf
}

func containsRollupID(ids []RollupID, id RollupID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Normalize verifies every commitment in a filtered block and converts it
// into a CandidateBlock for rollupID. It checks, in order, that
//
//  1. the rollup transactions root is committed to by the header's data
//     hash,
//  2. the listed rollup ids reproduce the rollup ids root and that root is
//     committed to by the data hash,
//  3. the transaction payload, if present, belongs to rollupID and its
//     proof links it to the rollup transactions root,
//  4. the payload's presence is consistent with the rollup ids listing, so
//     a relayer cannot silently withhold a rollup's data.
//
// On failure it returns a DropError and the block must be discarded.
func Normalize(origin Origin, raw *FilteredBlock, rollupID RollupID, celestiaHeight uint64) (*CandidateBlock, error) {
	header := &raw.Header

	if !raw.RollupTransactionsProof.Verify(dataTreeLeaf(header.RollupTransactionsRoot), header.DataHash) {
		return nil, dropf(DropBadProof, "rollup transactions root not committed by data hash at height %d", header.Height)
	}

	idLeaves := make([][]byte, len(raw.AllRollupIDs))
	for i, id := range raw.AllRollupIDs {
		idLeaves[i] = id.Bytes()
	}
	reconstructedIDsRoot := merkle.Root(idLeaves)
	if reconstructedIDsRoot != header.RollupIDsRoot {
		return nil, dropf(DropMissingIDsProof, "rollup ids listing does not reproduce the rollup ids root at height %d", header.Height)
	}
	if !raw.RollupIDsProof.Verify(dataTreeLeaf(header.RollupIDsRoot), header.DataHash) {
		return nil, dropf(DropMissingIDsProof, "rollup ids root not committed by data hash at height %d", header.Height)
	}

	listed := containsRollupID(raw.AllRollupIDs, rollupID)

	var transactions [][]byte
	if payload := raw.RollupTransactions; payload != nil {
		if payload.RollupID != rollupID {
			return nil, dropf(DropWrongRollup, "payload is for rollup %s, serving %s", payload.RollupID, rollupID)
		}
		if !listed {
			return nil, dropf(DropMissingIDsProof, "payload present but rollup %s absent from the ids listing at height %d", rollupID, header.Height)
		}
		transactions = make([][]byte, len(payload.Transactions))
		for i, tx := range payload.Transactions {
			transactions[i] = tx
		}
		leaf := rollupTransactionsLeaf(rollupID, transactions)
		if !payload.Proof.Verify(leaf, header.RollupTransactionsRoot) {
			return nil, dropf(DropBadProof, "transaction payload not committed by the rollup transactions root at height %d", header.Height)
		}
	} else if listed {
		return nil, dropf(DropMissingIDsProof, "rollup %s listed at height %d but its payload was withheld", rollupID, header.Height)
	}

	return &CandidateBlock{
		Origin:         origin,
		BlockHash:      header.BlockHash(),
		Header:         *header,
		RollupID:       rollupID,
		Transactions:   transactions,
		CelestiaHeight: celestiaHeight,
	}, nil
}
