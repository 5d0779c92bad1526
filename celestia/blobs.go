// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package celestia

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/merkle"
	"github.com/astriaorg/conductor/sequencerblock"
)

// The relayer writes two namespaces per sequencer block: a metadata blob
// under the header namespace and, for every rollup with data in the block,
// a payload blob under that rollup's namespace. The pair is joined by the
// sequencer block hash.

// SubmittedMetadata is the header-namespace blob.
type SubmittedMetadata struct {
	BlockHash               common.Hash                       `json:"block_hash"`
	Header                  sequencerblock.SequencerBlockHeader `json:"header"`
	RollupIDs               []sequencerblock.RollupID         `json:"rollup_ids"`
	RollupTransactionsProof merkle.Proof                      `json:"rollup_transactions_proof"`
	RollupIDsProof          merkle.Proof                      `json:"rollup_ids_proof"`
}

// SubmittedRollupData is the rollup-namespace blob.
type SubmittedRollupData struct {
	SequencerBlockHash common.Hash                   `json:"sequencer_block_hash"`
	RollupID           sequencerblock.RollupID       `json:"rollup_id"`
	Transactions       []hexutil.Bytes               `json:"transactions"`
	Proof              merkle.Proof                  `json:"proof"`
}

func decodeMetadataBlob(data []byte) (*SubmittedMetadata, error) {
	var meta SubmittedMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "undecodable metadata blob")
	}
	return &meta, nil
}

func decodeRollupDataBlob(data []byte) (*SubmittedRollupData, error) {
	var payload SubmittedRollupData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, "undecodable rollup data blob")
	}
	return &payload, nil
}

// filteredBlock joins a metadata blob with this rollup's payload blob, if
// any, into the untrusted filtered view that Normalize verifies.
func filteredBlock(meta *SubmittedMetadata, payload *SubmittedRollupData) *sequencerblock.FilteredBlock {
	filtered := &sequencerblock.FilteredBlock{
		Header:                  meta.Header,
		RollupTransactionsProof: meta.RollupTransactionsProof,
		AllRollupIDs:            meta.RollupIDs,
		RollupIDsProof:          meta.RollupIDsProof,
	}
	if payload != nil {
		filtered.RollupTransactions = &sequencerblock.RollupTransactions{
			RollupID:     payload.RollupID,
			Transactions: payload.Transactions,
			Proof:        payload.Proof,
		}
	}
	return filtered
}
