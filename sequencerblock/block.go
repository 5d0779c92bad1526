// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package sequencerblock defines the block types shared by the soft and firm
// block sources and the verification that turns an untrusted filtered block
// into a candidate the executor may act on.
package sequencerblock

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/merkle"
)

// RollupID identifies one rollup within the shared sequencer network.
type RollupID = common.Hash

func RollupIDFromBytes(b []byte) (RollupID, error) {
	if len(b) != common.HashLength {
		return RollupID{}, errors.Errorf("rollup id must be %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// SequencerBlockHeader is the subset of a sequencer block header that the
// conductor verifies against. DataHash commits, through the data tree, to
// both RollupTransactionsRoot and RollupIDsRoot.
type SequencerBlockHeader struct {
	ChainID                string        `json:"chain_id"`
	Height                 uint64        `json:"height"`
	Time                   time.Time     `json:"time"`
	DataHash               common.Hash   `json:"data_hash"`
	ProposerAddress        hexutil.Bytes `json:"proposer_address"`
	RollupTransactionsRoot common.Hash   `json:"rollup_transactions_root"`
	RollupIDsRoot          common.Hash   `json:"rollup_ids_root"`
}

// BlockHash computes the canonical hash of the header. Integer fields are
// encoded big-endian at fixed width so the hash does not depend on any
// serialization format.
func (h *SequencerBlockHeader) BlockHash() common.Hash {
	var scratch [8]byte
	hasher := sha256.New()
	hasher.Write([]byte(h.ChainID))
	binary.BigEndian.PutUint64(scratch[:], h.Height)
	hasher.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(h.Time.UnixNano()))
	hasher.Write(scratch[:])
	hasher.Write(h.DataHash[:])
	hasher.Write(h.ProposerAddress)
	return common.BytesToHash(hasher.Sum(nil))
}

// RollupTransactions carries the transactions a sequencer block holds for a
// single rollup, together with the proof tying them to the block's
// rollup transactions root.
type RollupTransactions struct {
	RollupID     RollupID        `json:"rollup_id"`
	Transactions []hexutil.Bytes `json:"transactions"`
	Proof        merkle.Proof    `json:"proof"`
}

// FilteredBlock is a sequencer block narrowed down to a single rollup's
// data, as received from the sequencer feed or reconstructed from blobs.
// RollupTransactions is nil when the block carries nothing for the rollup.
// Nothing in a FilteredBlock is trusted until Normalize has verified it.
type FilteredBlock struct {
	Header                  SequencerBlockHeader `json:"header"`
	RollupTransactions      *RollupTransactions  `json:"rollup_transactions,omitempty"`
	RollupTransactionsProof merkle.Proof         `json:"rollup_transactions_proof"`
	AllRollupIDs            []RollupID           `json:"all_rollup_ids"`
	RollupIDsProof          merkle.Proof         `json:"rollup_ids_proof"`
}

// Origin records which source produced a candidate block.
type Origin uint8

const (
	SoftOrigin Origin = iota
	FirmOrigin
)

func (o Origin) String() string {
	switch o {
	case SoftOrigin:
		return "soft"
	case FirmOrigin:
		return "firm"
	default:
		return "unknown"
	}
}

// CandidateBlock is a verified block ready for the executor. All proofs
// were checked during normalization, so the executor treats its contents
// as authentic for the given origin.
type CandidateBlock struct {
	Origin       Origin
	BlockHash    common.Hash
	Header       SequencerBlockHeader
	RollupID     RollupID
	Transactions [][]byte

	// CelestiaHeight is the data availability height the block was
	// recovered from. Zero for soft candidates.
	CelestiaHeight uint64
}

func (b *CandidateBlock) Height() uint64 {
	return b.Header.Height
}
