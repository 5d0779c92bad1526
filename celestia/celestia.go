// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package celestia recovers firm blocks from the data availability
// network. The reader scans DA heights in a bounded window, reconstructs
// sequencer blocks from header and rollup blobs, verifies them, and emits
// candidates in strict sequencer height order.
package celestia

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	openrpc "github.com/celestiaorg/celestia-openrpc"
	"github.com/celestiaorg/celestia-openrpc/types/blob"
	"github.com/celestiaorg/celestia-openrpc/types/share"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/util/stopwaiter"
)

var (
	scannedHeightsCounter     = metrics.NewRegisteredCounter("conductor/celestia/heights/scanned", nil)
	recoveredBlocksCounter    = metrics.NewRegisteredCounter("conductor/celestia/blocks/recovered", nil)
	droppedBlobsCounter       = metrics.NewRegisteredCounter("conductor/celestia/blobs/dropped", nil)
	verificationFailuresGauge = metrics.NewRegisteredGauge("conductor/celestia/verification/failures", nil)
	searchBaseGauge           = metrics.NewRegisteredGauge("conductor/celestia/search/base", nil)
)

// consecutive verification failures before the reader escalates from
// warnings to an error log
const verificationFailureEscalation = 5

const maxBufferedCandidates = 64

type DAConfig struct {
	Rpc               string        `koanf:"rpc"`
	AuthToken         string        `koanf:"auth-token"`
	HeaderNamespaceId string        `koanf:"header-namespace-id"`
	RollupNamespaceId string        `koanf:"rollup-namespace-id"`
	BlockTime         time.Duration `koanf:"block-time"`
	Queue             int           `koanf:"queue"`
}

var DefaultDAConfig = DAConfig{
	Rpc:               "",
	AuthToken:         "",
	HeaderNamespaceId: "",
	RollupNamespaceId: "",
	BlockTime:         6 * time.Second,
	Queue:             32,
}

func DAConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".rpc", DefaultDAConfig.Rpc, "rpc endpoint of the celestia node")
	f.String(prefix+".auth-token", DefaultDAConfig.AuthToken, "auth token for the celestia node")
	f.String(prefix+".header-namespace-id", DefaultDAConfig.HeaderNamespaceId, "hex namespace id the relayer posts block metadata under")
	f.String(prefix+".rollup-namespace-id", DefaultDAConfig.RollupNamespaceId, "hex namespace id the relayer posts this rollup's data under")
	f.Duration(prefix+".block-time", DefaultDAConfig.BlockTime, "expected celestia block cadence, used as the scan interval")
	f.Int(prefix+".queue", DefaultDAConfig.Queue, "size of the ordered firm candidate queue")
}

func namespaceFromHex(id string) (share.Namespace, error) {
	nsBytes, err := hex.DecodeString(id)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid namespace id %q", id)
	}
	return share.NewBlobNamespaceV0(nsBytes)
}

// Reader is the firm block source.
type Reader struct {
	stopwaiter.StopWaiter

	config DAConfig
	client *openrpc.Client

	headerNamespace share.Namespace
	rollupNamespace share.Namespace

	rollupID         sequencerblock.RollupID
	sequencerChainID string
	celestiaChainID  string
	lookAhead        uint64

	// nextHeight is the next sequencer height to emit; searchBase the
	// lowest DA height that may still hold its blobs; scanned the next DA
	// height to query.
	nextHeight uint64
	searchBase uint64
	scanned    uint64

	buffered             map[uint64]*sequencerblock.CandidateBlock
	verificationFailures int64

	out chan *sequencerblock.CandidateBlock
}

// NewReader prepares a firm source. startSequencerHeight is the first
// sequencer height to emit; searchBase the DA height to resume scanning
// from; lookAhead bounds how many DA heights past searchBase one search
// may touch.
func NewReader(
	config DAConfig,
	rollupID sequencerblock.RollupID,
	sequencerChainID string,
	celestiaChainID string,
	startSequencerHeight uint64,
	searchBase uint64,
	lookAhead uint64,
) (*Reader, error) {
	headerNamespace, err := namespaceFromHex(config.HeaderNamespaceId)
	if err != nil {
		return nil, err
	}
	rollupNamespace, err := namespaceFromHex(config.RollupNamespaceId)
	if err != nil {
		return nil, err
	}
	if searchBase == 0 {
		searchBase = 1
	}
	if lookAhead == 0 {
		return nil, errors.New("celestia search look-ahead must be positive")
	}
	return &Reader{
		config:           config,
		headerNamespace:  headerNamespace,
		rollupNamespace:  rollupNamespace,
		rollupID:         rollupID,
		sequencerChainID: sequencerChainID,
		celestiaChainID:  celestiaChainID,
		lookAhead:        lookAhead,
		nextHeight:       startSequencerHeight,
		searchBase:       searchBase,
		scanned:          searchBase,
		buffered:         make(map[uint64]*sequencerblock.CandidateBlock),
		out:              make(chan *sequencerblock.CandidateBlock, config.Queue),
	}, nil
}

// Blocks is the ordered stream of verified firm candidates.
func (r *Reader) Blocks() <-chan *sequencerblock.CandidateBlock {
	return r.out
}

func (r *Reader) Start(ctx context.Context) error {
	r.StopWaiter.Start(ctx, r)
	r.LaunchThread(func(ctx context.Context) {
		if err := r.ensureConnected(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error("giving up connecting to celestia node", "err", err)
			}
			return
		}
		for {
			wait := r.scanOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	})
	return nil
}

func (r *Reader) ensureConnected(ctx context.Context) error {
	if r.client != nil {
		return nil
	}
	waitDuration := time.Second
	for {
		client, err := openrpc.NewClient(ctx, r.config.Rpc, r.config.AuthToken)
		if err == nil {
			head, err := client.Header.NetworkHead(ctx)
			if err != nil {
				return errors.Wrap(err, "fetching celestia network head")
			}
			if r.celestiaChainID != "" && head.RawHeader.ChainID != r.celestiaChainID {
				return errors.Errorf("celestia node is on chain %q, session expects %q", head.RawHeader.ChainID, r.celestiaChainID)
			}
			r.client = client
			log.Info("connected to celestia node", "chain", head.RawHeader.ChainID, "head", head.Height())
			return nil
		}
		log.Warn("unable to connect to celestia node, retrying", "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitDuration):
		}
		if waitDuration < 15*time.Second {
			waitDuration += time.Second
		}
	}
}

// scanOnce advances through unqueried DA heights inside the search window
// and returns how long to wait before the next pass. A match moves the
// window forward; an exhausted window waits for new DA blocks.
func (r *Reader) scanOnce(ctx context.Context) time.Duration {
	head, err := r.client.Header.NetworkHead(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("failed to fetch celestia network head", "err", err)
		}
		return r.config.BlockTime
	}
	daHead := uint64(head.Height())

	for r.scanned < r.searchBase+r.lookAhead && r.scanned <= daHead {
		if ctx.Err() != nil {
			return r.config.BlockTime
		}
		deferred, err := r.processHeight(ctx, r.scanned)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("failed to process celestia height, will retry", "height", r.scanned, "err", err)
			}
			return r.config.BlockTime
		}
		if deferred {
			// The reorder buffer cannot hold everything posted at this DA
			// height yet. The cursor stays here so the height is queried
			// again once the executor drains the buffer.
			return r.config.BlockTime
		}
		scannedHeightsCounter.Inc(1)
		r.scanned++
	}
	return r.config.BlockTime
}

func isBlobNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "blob: not found")
}

func (r *Reader) getAll(ctx context.Context, height uint64, namespace share.Namespace) ([]*blob.Blob, error) {
	blobs, err := r.client.Blob.GetAll(ctx, height, []share.Namespace{namespace})
	if isBlobNotFound(err) {
		return nil, nil
	}
	return blobs, err
}

// processHeight reconstructs every sequencer block posted at one DA height
// and feeds the results through the reorder buffer. It reports deferred
// when a block did not fit the buffer, meaning the height must be
// revisited before the scan cursor may pass it.
func (r *Reader) processHeight(ctx context.Context, height uint64) (deferred bool, err error) {
	headerBlobs, err := r.getAll(ctx, height, r.headerNamespace)
	if err != nil {
		return false, errors.Wrap(err, "fetching header blobs")
	}
	if len(headerBlobs) == 0 {
		return false, nil
	}
	rollupBlobs, err := r.getAll(ctx, height, r.rollupNamespace)
	if err != nil {
		return false, errors.Wrap(err, "fetching rollup blobs")
	}

	payloads := make(map[common.Hash]*SubmittedRollupData)
	for _, b := range rollupBlobs {
		payload, err := decodeRollupDataBlob(b.Data)
		if err != nil {
			log.Warn("dropping undecodable rollup blob", "da_height", height, "err", err)
			droppedBlobsCounter.Inc(1)
			continue
		}
		if payload.RollupID != r.rollupID {
			continue
		}
		payloads[payload.SequencerBlockHash] = payload
	}

	for _, b := range headerBlobs {
		meta, err := decodeMetadataBlob(b.Data)
		if err != nil {
			log.Warn("dropping undecodable metadata blob", "da_height", height, "err", err)
			droppedBlobsCounter.Inc(1)
			continue
		}
		if r.reconstruct(ctx, height, meta, payloads[meta.BlockHash]) {
			deferred = true
		}
	}
	return deferred, nil
}

// reconstruct verifies one recovered block and hands it to the reorder
// buffer. It reports true when the block is too far ahead of the emit
// cursor to buffer, so the caller must hold the DA height for a re-scan.
func (r *Reader) reconstruct(ctx context.Context, daHeight uint64, meta *SubmittedMetadata, payload *SubmittedRollupData) bool {
	if meta.Header.ChainID != r.sequencerChainID {
		log.Warn("dropping metadata blob from wrong sequencer chain", "chain", meta.Header.ChainID, "expected", r.sequencerChainID)
		droppedBlobsCounter.Inc(1)
		return false
	}
	if meta.BlockHash != meta.Header.BlockHash() {
		r.recordVerificationFailure(daHeight, "metadata blob's claimed block hash does not match its header", nil)
		return false
	}
	seqHeight := meta.Header.Height
	if seqHeight < r.nextHeight {
		log.Trace("skipping stale block from celestia", "height", seqHeight, "cursor", r.nextHeight)
		return false
	}
	if seqHeight >= r.nextHeight+maxBufferedCandidates {
		log.Warn("celestia block too far ahead of cursor, holding this DA height", "height", seqHeight, "cursor", r.nextHeight)
		return true
	}

	candidate, err := sequencerblock.Normalize(sequencerblock.FirmOrigin, filteredBlock(meta, payload), r.rollupID, daHeight)
	if err != nil {
		r.recordVerificationFailure(daHeight, "block recovered from celestia failed verification", err)
		return false
	}
	r.verificationFailures = 0
	verificationFailuresGauge.Update(0)

	r.buffered[seqHeight] = candidate
	r.drain(ctx)
	return false
}

func (r *Reader) drain(ctx context.Context) {
	for {
		candidate, ok := r.buffered[r.nextHeight]
		if !ok {
			return
		}
		delete(r.buffered, r.nextHeight)
		select {
		case r.out <- candidate:
		case <-ctx.Done():
			return
		}
		recoveredBlocksCounter.Inc(1)
		r.nextHeight++
		// Later heights cannot have been posted below this DA height, so
		// the search window moves up with every emitted block.
		if candidate.CelestiaHeight > r.searchBase {
			r.searchBase = candidate.CelestiaHeight
			searchBaseGauge.Update(int64(r.searchBase))
		}
	}
}

func (r *Reader) recordVerificationFailure(daHeight uint64, msg string, err error) {
	r.verificationFailures++
	verificationFailuresGauge.Update(r.verificationFailures)
	droppedBlobsCounter.Inc(1)
	logger := log.Warn
	if r.verificationFailures >= verificationFailureEscalation {
		logger = log.Error
	}
	if drop, ok := sequencerblock.AsDropError(err); ok {
		logger(msg, "da_height", daHeight, "reason", drop.Reason, "detail", drop.Detail, "consecutive", r.verificationFailures)
		return
	}
	logger(msg, "da_height", daHeight, "err", err, "consecutive", r.verificationFailures)
}
