// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package celestia

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	openrpc "github.com/celestiaorg/celestia-openrpc"
	"github.com/celestiaorg/celestia-openrpc/types/blob"
	"github.com/celestiaorg/celestia-openrpc/types/core"
	"github.com/celestiaorg/celestia-openrpc/types/header"
	"github.com/celestiaorg/celestia-openrpc/types/share"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/sequencerblock/blocktest"
	"github.com/astriaorg/conductor/util/testhelpers"
)

const (
	testSequencerChain = "sequencer-test-0"
	testCelestiaChain  = "celestia-test-0"
	headerNamespaceHex = "0000deadbeef"
	rollupNamespaceHex = "0000cafebabe"
)

var testRollupID = sequencerblock.RollupID{0x01}

func testDAConfig() DAConfig {
	cfg := DefaultDAConfig
	cfg.HeaderNamespaceId = headerNamespaceHex
	cfg.RollupNamespaceId = rollupNamespaceHex
	cfg.BlockTime = time.Millisecond
	return cfg
}

// fakeDA serves blobs per DA height through an injected openrpc client.
type fakeDA struct {
	head        uint64
	headerBlobs map[uint64][][]byte
	rollupBlobs map[uint64][][]byte
	getAllCalls int
}

func (f *fakeDA) install(t *testing.T, r *Reader) {
	t.Helper()
	client := &openrpc.Client{}
	client.Header.NetworkHead = func(ctx context.Context) (*header.ExtendedHeader, error) {
		return &header.ExtendedHeader{
			RawHeader: header.RawHeader{ChainID: testCelestiaChain, Height: int64(f.head)},
			Commit:    &core.Commit{Height: int64(f.head)},
		}, nil
	}
	client.Blob.GetAll = func(ctx context.Context, height uint64, namespaces []share.Namespace) ([]*blob.Blob, error) {
		f.getAllCalls++
		if len(namespaces) != 1 {
			return nil, errors.New("expected exactly one namespace per query")
		}
		var payloads [][]byte
		switch {
		case bytes.Equal(namespaces[0], r.headerNamespace):
			payloads = f.headerBlobs[height]
		case bytes.Equal(namespaces[0], r.rollupNamespace):
			payloads = f.rollupBlobs[height]
		default:
			return nil, errors.New("query for unexpected namespace")
		}
		if len(payloads) == 0 {
			return nil, errors.New("blob: not found")
		}
		blobs := make([]*blob.Blob, len(payloads))
		for i, payload := range payloads {
			b, err := blob.NewBlobV0(namespaces[0], payload)
			if err != nil {
				return nil, err
			}
			blobs[i] = b
		}
		return blobs, nil
	}
	r.client = client
}

func (f *fakeDA) post(t *testing.T, daHeight uint64, block *blocktest.Block, includePayload bool) {
	t.Helper()
	meta := &SubmittedMetadata{
		BlockHash:               block.Header.BlockHash(),
		Header:                  block.Header,
		RollupIDs:               block.RollupIDs,
		RollupTransactionsProof: block.RollupTransactionsProof,
		RollupIDsProof:          block.RollupIDsProof,
	}
	encodedMeta, err := json.Marshal(meta)
	testhelpers.RequireImpl(t, err)
	if f.headerBlobs == nil {
		f.headerBlobs = make(map[uint64][][]byte)
		f.rollupBlobs = make(map[uint64][][]byte)
	}
	f.headerBlobs[daHeight] = append(f.headerBlobs[daHeight], encodedMeta)

	proof, ok := block.PayloadProofs[testRollupID]
	if !ok || !includePayload {
		return
	}
	payload := &SubmittedRollupData{
		SequencerBlockHash: block.Header.BlockHash(),
		RollupID:           testRollupID,
		Proof:              proof,
	}
	for _, tx := range block.Transactions[testRollupID] {
		payload.Transactions = append(payload.Transactions, hexutil.Bytes(tx))
	}
	encodedPayload, err := json.Marshal(payload)
	testhelpers.RequireImpl(t, err)
	f.rollupBlobs[daHeight] = append(f.rollupBlobs[daHeight], encodedPayload)
}

func newTestReader(t *testing.T, startSeqHeight uint64, searchBase uint64, lookAhead uint64) *Reader {
	t.Helper()
	reader, err := NewReader(testDAConfig(), testRollupID, testSequencerChain, testCelestiaChain, startSeqHeight, searchBase, lookAhead)
	testhelpers.RequireImpl(t, err)
	return reader
}

func blockWithTxs(t *testing.T, height uint64, txs ...[]byte) *blocktest.Block {
	t.Helper()
	return blocktest.New(t, testSequencerChain, height, map[sequencerblock.RollupID][][]byte{
		testRollupID: txs,
	})
}

func collect(t *testing.T, reader *Reader, count int) []*sequencerblock.CandidateBlock {
	t.Helper()
	var out []*sequencerblock.CandidateBlock
	for len(out) < count {
		select {
		case candidate := <-reader.Blocks():
			out = append(out, candidate)
		case <-time.After(5 * time.Second):
			testhelpers.FailImpl(t, "timed out collecting firm candidates, got", len(out), "of", count)
		}
	}
	return out
}

func TestReaderRecoversBlocksInOrder(t *testing.T) {
	testhelpers.InitTestLog(t, log.LevelTrace)
	reader := newTestReader(t, 1, 1, 100)

	fake := &fakeDA{head: 4}
	// Two sequencer blocks posted at DA height 2, one at height 4,
	// nothing anywhere else.
	fake.post(t, 2, blockWithTxs(t, 1, []byte("tx-1")), true)
	fake.post(t, 2, blockWithTxs(t, 2, []byte("tx-2")), true)
	fake.post(t, 4, blockWithTxs(t, 3, []byte("tx-3")), true)
	fake.install(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	testhelpers.RequireImpl(t, reader.Start(ctx))
	defer reader.StopAndWait()

	candidates := collect(t, reader, 3)
	for i, candidate := range candidates {
		if candidate.Height() != uint64(i+1) {
			testhelpers.FailImpl(t, "candidate", i, "height", candidate.Height())
		}
		if candidate.Origin != sequencerblock.FirmOrigin {
			testhelpers.FailImpl(t, "origin", candidate.Origin)
		}
	}
	if candidates[0].CelestiaHeight != 2 || candidates[2].CelestiaHeight != 4 {
		testhelpers.FailImpl(t, "celestia heights", candidates[0].CelestiaHeight, candidates[2].CelestiaHeight)
	}
}

func TestReaderEmitsEmptyBlockWhenRollupNotListed(t *testing.T) {
	testhelpers.InitTestLog(t, log.LevelTrace)
	reader := newTestReader(t, 1, 1, 100)

	other := sequencerblock.RollupID{0x02}
	block := blocktest.New(t, testSequencerChain, 1, map[sequencerblock.RollupID][][]byte{
		other: {[]byte("not-ours")},
	})
	fake := &fakeDA{head: 1}
	fake.post(t, 1, block, false)
	fake.install(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	testhelpers.RequireImpl(t, reader.Start(ctx))
	defer reader.StopAndWait()

	candidates := collect(t, reader, 1)
	if len(candidates[0].Transactions) != 0 {
		testhelpers.FailImpl(t, "expected an empty block")
	}
}

func TestReaderDropsCensoredBlock(t *testing.T) {
	logHandler := testhelpers.InitTestLog(t, log.LevelTrace)
	reader := newTestReader(t, 1, 1, 100)

	fake := &fakeDA{head: 2}
	// Height 1 lists our rollup but its payload blob is withheld; height 2
	// is complete. The cursor must not advance past the censored block.
	fake.post(t, 1, blockWithTxs(t, 1, []byte("tx-1")), false)
	fake.post(t, 2, blockWithTxs(t, 2, []byte("tx-2")), true)
	fake.install(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	testhelpers.RequireImpl(t, reader.Start(ctx))
	defer reader.StopAndWait()

	select {
	case candidate := <-reader.Blocks():
		testhelpers.FailImpl(t, "unexpected candidate at height", candidate.Height())
	case <-time.After(200 * time.Millisecond):
	}
	if !logHandler.WasLogged("failed verification") {
		testhelpers.FailImpl(t, "withheld payload was not logged")
	}
}

func TestReaderBoundsSearchWindow(t *testing.T) {
	testhelpers.InitTestLog(t, log.LevelTrace)
	const lookAhead = 5
	reader := newTestReader(t, 1, 1, lookAhead)

	// A large DA chain with no blobs at all: the reader must stop at the
	// look-ahead bound instead of chasing the head.
	fake := &fakeDA{head: 1000}
	fake.install(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := reader.scanOnce(ctx)
	if wait != reader.config.BlockTime {
		testhelpers.FailImpl(t, "unexpected wait", wait)
	}
	// Two namespace queries per height.
	if fake.getAllCalls > 2*lookAhead {
		testhelpers.FailImpl(t, "queried beyond the search window:", fake.getAllCalls, "calls")
	}
	if reader.scanned != 1+lookAhead {
		testhelpers.FailImpl(t, "scanned cursor", reader.scanned)
	}
}

// TestReaderHoldsHeightWhenBlockOutrunsCursor: a recovered block too far
// ahead of the emit cursor must not be lost; the scan cursor stays on its
// DA height until the buffer can take it.
func TestReaderHoldsHeightWhenBlockOutrunsCursor(t *testing.T) {
	testhelpers.InitTestLog(t, log.LevelTrace)
	reader := newTestReader(t, 1, 1, 5)

	fake := &fakeDA{head: 1}
	far := blockWithTxs(t, 1+maxBufferedCandidates, []byte("tx-far"))
	fake.post(t, 1, far, true)
	fake.install(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader.scanOnce(ctx)
	if reader.scanned != 1 {
		testhelpers.FailImpl(t, "scan cursor passed a held height:", reader.scanned)
	}

	// Once the emit cursor catches up, the same DA height yields the block.
	reader.nextHeight = 1 + maxBufferedCandidates
	reader.scanOnce(ctx)
	if reader.scanned != 2 {
		testhelpers.FailImpl(t, "scan cursor after the buffer drained:", reader.scanned)
	}
	select {
	case candidate := <-reader.Blocks():
		if candidate.Height() != 1+maxBufferedCandidates {
			testhelpers.FailImpl(t, "candidate height", candidate.Height())
		}
	case <-time.After(5 * time.Second):
		testhelpers.FailImpl(t, "held block was never emitted")
	}
}

func TestReaderSearchBaseFollowsMatches(t *testing.T) {
	testhelpers.InitTestLog(t, log.LevelTrace)
	reader := newTestReader(t, 1, 1, 5)

	fake := &fakeDA{head: 8}
	fake.post(t, 4, blockWithTxs(t, 1, []byte("tx-1")), true)
	fake.post(t, 8, blockWithTxs(t, 2, []byte("tx-2")), true)
	fake.install(t, reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	testhelpers.RequireImpl(t, reader.Start(ctx))
	defer reader.StopAndWait()

	// DA height 8 is outside the initial window [1, 6) but inside the
	// window once the match at height 4 moved the base.
	candidates := collect(t, reader, 2)
	if candidates[1].CelestiaHeight != 8 {
		testhelpers.FailImpl(t, "celestia height", candidates[1].CelestiaHeight)
	}
}
