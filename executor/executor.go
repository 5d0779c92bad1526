// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package executor reconciles the soft and firm block streams into one
// ordered sequence of engine calls. Firm blocks always take priority; soft
// execution is gated when it runs too far ahead of firm confirmation.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/astriaorg/conductor/commitment"
	"github.com/astriaorg/conductor/execution"
	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/util/sharedmetrics"
	"github.com/astriaorg/conductor/util/stopwaiter"
)

// CommitLevel selects which block streams the executor consumes.
type CommitLevel int

const (
	SoftAndFirm CommitLevel = iota
	SoftOnly
	FirmOnly
)

func ParseCommitLevel(s string) (CommitLevel, error) {
	switch s {
	case "soft-and-firm":
		return SoftAndFirm, nil
	case "soft-only":
		return SoftOnly, nil
	case "firm-only":
		return FirmOnly, nil
	default:
		return 0, errors.Errorf("unknown commit level %q", s)
	}
}

type Config struct {
	CommitLevel string `koanf:"commit-level"`
	// MaxSpread caps how many blocks soft may run ahead of firm. Zero
	// derives the cap from the session's celestia look-ahead.
	MaxSpread           uint64        `koanf:"max-spread"`
	EnableRollback      bool          `koanf:"enable-rollback"`
	SessionPollInterval time.Duration `koanf:"session-poll-interval"`
}

var DefaultConfig = Config{
	CommitLevel:         "soft-and-firm",
	MaxSpread:           0,
	EnableRollback:      false,
	SessionPollInterval: time.Second,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".commit-level", DefaultConfig.CommitLevel, "which streams to execute: soft-and-firm, soft-only or firm-only")
	f.Uint64(prefix+".max-spread", DefaultConfig.MaxSpread, "maximum blocks soft execution may run ahead of firm (0 derives it from the session)")
	f.Bool(prefix+".enable-rollback", DefaultConfig.EnableRollback, "rewind the execution engine on soft/firm divergence instead of halting")
	f.Duration(prefix+".session-poll-interval", DefaultConfig.SessionPollInterval, "how often to poll for the next execution session")
}

// sequencer blocks per celestia block, used to derive the default spread
const sequencerBlocksPerCelestiaBlock = 6

type pendingBlock struct {
	sequencerBlockHash common.Hash
	meta               execution.ExecutedBlockMetadata
}

// Executor drives the execution engine from the two candidate streams.
type Executor struct {
	stopwaiter.StopWaiter

	config      Config
	commitLevel CommitLevel
	client      execution.Client
	store       *commitment.Store

	sessionMutex sync.RWMutex
	session      *execution.ExecutionSessionParameters

	softBlocks <-chan *sequencerblock.CandidateBlock
	firmBlocks <-chan *sequencerblock.CandidateBlock

	// blocks executed soft, waiting for their firm counterpart, keyed by
	// rollup block number
	pendingFinalization map[uint64]pendingBlock

	// soft pointer recorded at startup; firm catching up to it ends the
	// syncing phase
	syncTarget uint64

	maxSpread uint64
	status    atomic.Int32
	executing atomic.Bool

	fatalErrChan chan<- error
}

// NewExecutor wires an executor. softBlocks and firmBlocks may be nil
// according to the commit level. The store must already hold a valid
// state (see EnsureInitialState).
func NewExecutor(
	config Config,
	client execution.Client,
	store *commitment.Store,
	session *execution.ExecutionSessionParameters,
	softBlocks <-chan *sequencerblock.CandidateBlock,
	firmBlocks <-chan *sequencerblock.CandidateBlock,
	fatalErrChan chan<- error,
) (*Executor, error) {
	commitLevel, err := ParseCommitLevel(config.CommitLevel)
	if err != nil {
		return nil, err
	}
	if commitLevel != FirmOnly && softBlocks == nil {
		return nil, errors.New("commit level requires a soft block stream")
	}
	if commitLevel != SoftOnly && firmBlocks == nil {
		return nil, errors.New("commit level requires a firm block stream")
	}
	if commitLevel == SoftOnly {
		firmBlocks = nil
	}
	if commitLevel == FirmOnly {
		softBlocks = nil
	}
	e := &Executor{
		config:              config,
		commitLevel:         commitLevel,
		client:              client,
		store:               store,
		session:             session,
		softBlocks:          softBlocks,
		firmBlocks:          firmBlocks,
		pendingFinalization: make(map[uint64]pendingBlock),
		fatalErrChan:        fatalErrChan,
	}
	e.maxSpread = e.deriveMaxSpread()
	e.status.Store(int32(StatusUninitialized))
	return e, nil
}

func (e *Executor) deriveMaxSpread() uint64 {
	if e.config.MaxSpread > 0 {
		return e.config.MaxSpread
	}
	lookAhead := e.session.CelestiaSearchHeightMaxLookAhead
	if lookAhead == 0 {
		lookAhead = 1
	}
	return lookAhead * sequencerBlocksPerCelestiaBlock
}

// EnsureInitialState loads the durable commitment state, creating it from
// the engine's head on a first run, and reconciles it with the engine if a
// crash left the engine one block ahead of the durable record.
func EnsureInitialState(ctx context.Context, client execution.Client, store *commitment.Store) (*execution.CommitmentState, error) {
	state, err := store.Load()
	if errors.Is(err, commitment.ErrNoState) {
		head, headErr := client.HeadExecutedBlockMetadata(ctx)
		if headErr != nil {
			return nil, errors.Wrap(headErr, "fetching engine head for initial state")
		}
		state = &execution.CommitmentState{
			Soft:                       *head,
			Firm:                       *head,
			LowestCelestiaSearchHeight: 1,
		}
		if err := store.Put(state); err != nil {
			return nil, err
		}
		log.Info("created initial commitment state from engine head", "number", head.Number, "hash", head.Hash)
		return state, nil
	}
	if err != nil {
		return nil, err
	}

	head, headErr := client.HeadExecutedBlockMetadata(ctx)
	if headErr != nil {
		return nil, errors.Wrap(headErr, "fetching engine head to reconcile commitment state")
	}
	switch {
	case head.Number == state.Soft.Number:
		if head.Hash != state.Soft.Hash {
			return nil, errors.Errorf("engine head %s disagrees with recorded soft commitment %s at block %d", head.Hash, state.Soft.Hash, head.Number)
		}
	case head.Number == state.Soft.Number+1 && head.ParentHash == state.Soft.Hash:
		// Crash after execution but before the durable write. The engine's
		// extra block links to our soft pointer, so adopt it.
		log.Warn("engine is one block ahead of durable state, adopting engine head", "number", head.Number)
		state.Soft = *head
		if err := store.Put(state); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("engine head %d cannot be reconciled with recorded soft commitment %d", head.Number, state.Soft.Number)
	}
	return state, nil
}

// Status reports the executor's current reconciliation state.
func (e *Executor) Status() Status {
	return Status(e.status.Load())
}

func (e *Executor) setStatus(s Status) {
	old := Status(e.status.Swap(int32(s)))
	if old != s {
		log.Info("executor status changed", "from", old, "to", s)
	}
}

// Session returns the parameters of the current execution session.
func (e *Executor) Session() *execution.ExecutionSessionParameters {
	e.sessionMutex.RLock()
	defer e.sessionMutex.RUnlock()
	session := *e.session
	return &session
}

func (e *Executor) Start(ctx context.Context) {
	e.StopWaiter.Start(ctx, e)
	e.LaunchThread(e.run)
}

func (e *Executor) halt(err error) {
	e.setStatus(StatusHalted)
	log.Error("executor halted", "err", err)
	if e.fatalErrChan != nil {
		select {
		case e.fatalErrChan <- err:
		default:
		}
	}
}

func (e *Executor) run(ctx context.Context) {
	state := e.store.State()
	e.syncTarget = state.Soft.Number
	sharedmetrics.UpdateCommitmentGauges(state.Soft.Number, state.Firm.Number)

	if e.firmBlocks != nil && state.Firm.Number < e.syncTarget {
		e.setStatus(StatusSyncing)
	} else {
		e.setStatus(StatusFollowing)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// Firm blocks take priority over soft blocks.
		if e.firmBlocks != nil {
			select {
			case blk := <-e.firmBlocks:
				if err := e.handleFirm(ctx, blk); err != nil {
					e.halt(err)
					return
				}
				continue
			default:
			}
		}

		softBlocks := e.softBlocks
		if softBlocks != nil && e.firmBlocks != nil && (e.Status() == StatusSyncing || e.spreadExceeded()) {
			// Soft execution pauses until firm catches up.
			softBlocks = nil
		}

		// A nil channel blocks forever, which is exactly what a disabled
		// or gated stream should do here.
		select {
		case <-ctx.Done():
			return
		case blk := <-e.firmBlocks:
			if err := e.handleFirm(ctx, blk); err != nil {
				e.halt(err)
				return
			}
		case blk := <-softBlocks:
			if err := e.handleSoft(ctx, blk); err != nil {
				e.halt(err)
				return
			}
		}
	}
}

func (e *Executor) spreadExceeded() bool {
	state := e.store.State()
	return state.Soft.Number-state.Firm.Number >= e.maxSpread
}

func (e *Executor) handleSoft(ctx context.Context, blk *sequencerblock.CandidateBlock) error {
	state := e.store.State()
	number := state.Soft.Number + 1
	if e.commitLevel == SoftOnly {
		if err := e.maybeRotateSession(ctx, number); err != nil {
			return err
		}
	} else if end := e.session.RollupEndBlockNumber; end != 0 && number > end {
		// The firm stream still has to confirm the outgoing session's
		// blocks under that session's height mapping, so the rotation
		// happens on the firm path. Soft stops at the boundary; the
		// dropped heights are executed from firm content instead.
		log.Debug("soft block past the session end, waiting for firm confirmation", "number", number, "sessionEnd", end)
		return nil
	}
	expectedHeight, err := RollupNumberToSequencerHeight(e.session, number)
	if err != nil {
		return err
	}
	if blk.Height() < expectedHeight {
		log.Debug("skipping stale soft block", "height", blk.Height(), "expected", expectedHeight)
		return nil
	}
	if blk.Height() > expectedHeight {
		// After a rollback the feed cursor is ahead of the rewound chain;
		// the gap is filled through the firm path.
		log.Warn("soft block ahead of commitment state, dropping", "height", blk.Height(), "expected", expectedHeight)
		return nil
	}

	meta, err := e.executeBlock(ctx, state.Soft.Hash, blk)
	if err != nil {
		return errors.Wrapf(err, "executing soft block at height %d", blk.Height())
	}
	if meta.Number != number {
		return errors.Errorf("engine produced block %d, expected %d", meta.Number, number)
	}
	newState, err := e.store.AdvanceSoft(meta)
	if err != nil {
		return errors.Wrap(err, "advancing soft commitment")
	}
	if _, err := e.client.UpdateCommitmentState(ctx, newState); err != nil {
		return errors.Wrap(err, "pushing soft commitment to engine")
	}

	e.pendingFinalization[number] = pendingBlock{sequencerBlockHash: blk.BlockHash, meta: *meta}
	e.prunePendingLocked(newState.Firm.Number)
	sharedmetrics.RecordExecutedBlock()
	sharedmetrics.UpdateCommitmentGauges(newState.Soft.Number, newState.Firm.Number)
	log.Debug("executed soft block", "number", number, "height", blk.Height(), "txs", len(blk.Transactions))
	return nil
}

func (e *Executor) handleFirm(ctx context.Context, blk *sequencerblock.CandidateBlock) error {
	state := e.store.State()
	number := state.Firm.Number + 1
	if err := e.maybeRotateSession(ctx, number); err != nil {
		return err
	}
	expectedHeight, err := RollupNumberToSequencerHeight(e.session, number)
	if err != nil {
		return err
	}
	if blk.Height() < expectedHeight {
		log.Debug("skipping stale firm block", "height", blk.Height(), "expected", expectedHeight)
		return nil
	}
	if blk.Height() > expectedHeight {
		return errors.Errorf("firm stream out of order: height %d, expected %d", blk.Height(), expectedHeight)
	}

	if number > state.Soft.Number {
		// Firm has caught up with soft; execute directly and move both
		// pointers together.
		meta, err := e.executeBlock(ctx, state.Firm.Hash, blk)
		if err != nil {
			return errors.Wrapf(err, "executing firm block at height %d", blk.Height())
		}
		if meta.Number != number {
			return errors.Errorf("engine produced block %d, expected %d", meta.Number, number)
		}
		newState, err := e.store.AdvanceBoth(meta, blk.CelestiaHeight)
		if err != nil {
			return errors.Wrap(err, "advancing commitments")
		}
		if _, err := e.client.UpdateCommitmentState(ctx, newState); err != nil {
			return errors.Wrap(err, "pushing commitment to engine")
		}
		sharedmetrics.RecordExecutedBlock()
		sharedmetrics.RecordConfirmedBlock()
		e.afterFirmAdvance(newState)
		log.Debug("executed firm block", "number", number, "height", blk.Height())
		return nil
	}

	pend, executed := e.pendingFinalization[number]
	if executed && pend.sequencerBlockHash == blk.BlockHash {
		newState, err := e.store.AdvanceFirm(&pend.meta, blk.CelestiaHeight)
		if err != nil {
			return errors.Wrap(err, "advancing firm commitment")
		}
		if _, err := e.client.UpdateCommitmentState(ctx, newState); err != nil {
			return errors.Wrap(err, "pushing firm commitment to engine")
		}
		delete(e.pendingFinalization, number)
		sharedmetrics.RecordConfirmedBlock()
		e.afterFirmAdvance(newState)
		log.Debug("confirmed soft block as firm", "number", number)
		return nil
	}
	if executed {
		return e.handleDivergence(ctx, blk, number)
	}

	// Executed before a restart: the soft result is no longer cached, so
	// ask the engine what it built at this number.
	meta, err := e.client.ExecutedBlockMetadataByNumber(ctx, number)
	if err != nil {
		return errors.Wrapf(err, "fetching executed block %d to confirm firm", number)
	}
	newState, err := e.store.AdvanceFirm(meta, blk.CelestiaHeight)
	if err != nil {
		return errors.Wrap(err, "advancing firm commitment")
	}
	if _, err := e.client.UpdateCommitmentState(ctx, newState); err != nil {
		return errors.Wrap(err, "pushing firm commitment to engine")
	}
	sharedmetrics.RecordConfirmedBlock()
	e.afterFirmAdvance(newState)
	log.Debug("confirmed uncached block as firm", "number", number)
	return nil
}

// handleDivergence fires when the finalized sequencer block at a number
// differs from the soft block executed there. The soft chain above the
// divergence point is invalid.
func (e *Executor) handleDivergence(ctx context.Context, blk *sequencerblock.CandidateBlock, number uint64) error {
	sharedmetrics.RecordDivergence()
	log.Error("soft/firm divergence detected", "number", number, "height", blk.Height())

	if !e.config.EnableRollback {
		return errors.Errorf("soft/firm divergence at block %d and rollback is disabled", number)
	}
	rollbackClient, ok := e.client.(execution.RollbackClient)
	if !ok {
		return errors.Wrapf(execution.ErrRollbackUnsupported, "soft/firm divergence at block %d", number)
	}

	parent, err := rollbackClient.RollbackToBlock(ctx, number-1)
	if err != nil {
		return errors.Wrapf(err, "rolling back to block %d", number-1)
	}
	reset := &execution.CommitmentState{
		Soft:                       *parent,
		Firm:                       *parent,
		LowestCelestiaSearchHeight: e.store.State().LowestCelestiaSearchHeight,
	}
	if err := e.store.Put(reset); err != nil {
		return errors.Wrap(err, "resetting commitment state after rollback")
	}
	if _, err := e.client.UpdateCommitmentState(ctx, reset); err != nil {
		return errors.Wrap(err, "pushing reset commitment to engine")
	}
	for n := range e.pendingFinalization {
		if n >= number {
			delete(e.pendingFinalization, n)
		}
	}

	meta, err := e.executeBlock(ctx, parent.Hash, blk)
	if err != nil {
		return errors.Wrapf(err, "re-executing firm block %d after rollback", number)
	}
	if meta.Number != number {
		return errors.Errorf("engine produced block %d, expected %d", meta.Number, number)
	}
	newState, err := e.store.AdvanceBoth(meta, blk.CelestiaHeight)
	if err != nil {
		return errors.Wrap(err, "advancing commitments after rollback")
	}
	if _, err := e.client.UpdateCommitmentState(ctx, newState); err != nil {
		return errors.Wrap(err, "pushing commitment to engine")
	}
	sharedmetrics.RecordExecutedBlock()
	sharedmetrics.RecordConfirmedBlock()
	e.afterFirmAdvance(newState)
	log.Warn("recovered from divergence by rollback", "number", number)
	return nil
}

func (e *Executor) afterFirmAdvance(state *execution.CommitmentState) {
	sharedmetrics.UpdateCommitmentGauges(state.Soft.Number, state.Firm.Number)
	e.prunePendingLocked(state.Firm.Number)
	if e.Status() == StatusSyncing && state.Firm.Number >= e.syncTarget {
		e.setStatus(StatusFollowing)
	}
}

// prunePendingLocked discards cache entries at or below the firm pointer.
func (e *Executor) prunePendingLocked(firmNumber uint64) {
	for n := range e.pendingFinalization {
		if n <= firmNumber {
			delete(e.pendingFinalization, n)
		}
	}
}

// maybeRotateSession waits for a fresh session when number falls past the
// current session's end. Only the firm path reaches it while a firm stream
// exists, so every block of the outgoing session has been confirmed under
// its own height mapping before the mapping is replaced.
func (e *Executor) maybeRotateSession(ctx context.Context, number uint64) error {
	end := e.session.RollupEndBlockNumber
	if end == 0 || number <= end {
		return nil
	}
	e.setStatus(StatusWaitingForSession)
	log.Info("execution session exhausted, waiting for the next session", "end", end, "next", number)
	for {
		params, err := e.client.InitExecutionSession(ctx)
		if err == nil {
			if params.RollupStartBlockNumber == number {
				e.sessionMutex.Lock()
				e.session = params
				e.sessionMutex.Unlock()
				e.maxSpread = e.deriveMaxSpread()
				e.setStatus(StatusFollowing)
				log.Info("entered next execution session", "start", params.RollupStartBlockNumber, "end", params.RollupEndBlockNumber)
				return nil
			}
			log.Warn("engine offered a non-contiguous session, retrying", "offered", params.RollupStartBlockNumber, "needed", number)
		} else {
			log.Warn("failed to fetch next execution session, retrying", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.config.SessionPollInterval):
		}
	}
}

// executeBlock is the only path to the engine's ExecuteBlock. At most one
// execution may be in flight.
func (e *Executor) executeBlock(ctx context.Context, parentHash common.Hash, blk *sequencerblock.CandidateBlock) (*execution.ExecutedBlockMetadata, error) {
	if !e.executing.CompareAndSwap(false, true) {
		return nil, errors.New("concurrent block execution attempted")
	}
	defer e.executing.Store(false)
	meta, err := e.client.ExecuteBlock(ctx, parentHash, blk.Transactions, blk.Header.Time)
	if errors.Is(err, execution.ErrWrongParent) {
		head, headErr := e.client.HeadExecutedBlockMetadata(ctx)
		if headErr == nil {
			return nil, errors.Wrapf(err, "engine head is %d (%s), wanted parent %s", head.Number, head.Hash, parentHash)
		}
		return nil, err
	}
	return meta, err
}
