// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package blocktest builds sequencer blocks with valid commitments for use
// in tests. It plays the role of the sequencer: it assembles the rollup
// transactions tree, the rollup ids tree, and the data tree, and can emit
// the filtered view any one rollup would receive.
package blocktest

import (
	"bytes"
	"crypto/sha256"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/astriaorg/conductor/merkle"
	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/util/testhelpers"
)

// Block holds a fully committed sequencer block and every proof a filtered
// view of it may need.
type Block struct {
	Header                  sequencerblock.SequencerBlockHeader
	RollupIDs               []sequencerblock.RollupID
	Transactions            map[sequencerblock.RollupID][][]byte
	PayloadProofs           map[sequencerblock.RollupID]merkle.Proof
	RollupTransactionsProof merkle.Proof
	RollupIDsProof          merkle.Proof
}

// New builds a block at the given height carrying txs for each listed
// rollup. Rollups map to their transaction payloads; a rollup with an
// empty payload is still listed and committed.
func New(t *testing.T, chainID string, height uint64, txs map[sequencerblock.RollupID][][]byte) *Block {
	t.Helper()

	ids := make([]sequencerblock.RollupID, 0, len(txs))
	for id := range txs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	txLeaves := make([][]byte, len(ids))
	idLeaves := make([][]byte, len(ids))
	for i, id := range ids {
		txRoot := merkle.Root(txs[id])
		leaf := append(append([]byte{}, id[:]...), txRoot[:]...)
		txLeaves[i] = leaf
		idLeaves[i] = id.Bytes()
	}
	txsRoot := merkle.Root(txLeaves)
	idsRoot := merkle.Root(idLeaves)

	txsRootDigest := sha256.Sum256(txsRoot[:])
	idsRootDigest := sha256.Sum256(idsRoot[:])
	dataLeaves := [][]byte{txsRootDigest[:], idsRootDigest[:]}
	dataHash := merkle.Root(dataLeaves)

	txsProof, err := merkle.Prove(dataLeaves, 0)
	testhelpers.RequireImpl(t, err)
	idsProof, err := merkle.Prove(dataLeaves, 1)
	testhelpers.RequireImpl(t, err)

	payloadProofs := make(map[sequencerblock.RollupID]merkle.Proof, len(ids))
	for i, id := range ids {
		proof, err := merkle.Prove(txLeaves, uint64(i))
		testhelpers.RequireImpl(t, err)
		payloadProofs[id] = proof
	}

	return &Block{
		Header: sequencerblock.SequencerBlockHeader{
			ChainID:                chainID,
			Height:                 height,
			Time:                   time.Unix(1700000000+int64(height), 0).UTC(),
			DataHash:               dataHash,
			ProposerAddress:        hexutil.Bytes{0xde, 0xad, 0xbe, 0xef},
			RollupTransactionsRoot: txsRoot,
			RollupIDsRoot:          idsRoot,
		},
		RollupIDs:               ids,
		Transactions:            txs,
		PayloadProofs:           payloadProofs,
		RollupTransactionsProof: txsProof,
		RollupIDsProof:          idsProof,
	}
}

// Filtered returns the view of the block a conductor serving target would
// receive. If target is not committed in the block the payload is nil.
func (b *Block) Filtered(target sequencerblock.RollupID) *sequencerblock.FilteredBlock {
	filtered := &sequencerblock.FilteredBlock{
		Header:                  b.Header,
		RollupTransactionsProof: b.RollupTransactionsProof,
		AllRollupIDs:            append([]sequencerblock.RollupID{}, b.RollupIDs...),
		RollupIDsProof:          b.RollupIDsProof,
	}
	if proof, ok := b.PayloadProofs[target]; ok {
		payload := &sequencerblock.RollupTransactions{
			RollupID: target,
			Proof:    proof,
		}
		for _, tx := range b.Transactions[target] {
			payload.Transactions = append(payload.Transactions, hexutil.Bytes(tx))
		}
		filtered.RollupTransactions = payload
	}
	return filtered
}
