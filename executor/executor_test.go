// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package executor

import (
	"context"
	"crypto/sha256"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/commitment"
	"github.com/astriaorg/conductor/execution"
	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/sequencerblock/blocktest"
	"github.com/astriaorg/conductor/util/testhelpers"
)

const (
	testChainID    = "sequencer-test-0"
	seqStartHeight = 100
	rollupStart    = 1
	genesisNumber  = 0
)

var testRollupID = sequencerblock.RollupID{0x01}

func Require(t *testing.T, err error, printables ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, printables...)
}

// mockEngine is an in-memory execution engine. Block hashes are derived
// from the parent hash and transaction contents, so executing different
// content at the same number yields a different hash.
type mockEngine struct {
	mutex             sync.Mutex
	params            execution.ExecutionSessionParameters
	chain             []execution.ExecutedBlockMetadata
	committed         *execution.CommitmentState
	executeCalls      int
	rollbackCalls     int
	supportsRollback  bool
	nextSessionParams *execution.ExecutionSessionParameters
}

func newMockEngine(params execution.ExecutionSessionParameters) *mockEngine {
	genesis := execution.ExecutedBlockMetadata{
		Number:    genesisNumber,
		Hash:      common.HexToHash("0x9e"),
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	return &mockEngine{
		params: params,
		chain:  []execution.ExecutedBlockMetadata{genesis},
	}
}

func (m *mockEngine) head() execution.ExecutedBlockMetadata {
	return m.chain[len(m.chain)-1]
}

func (m *mockEngine) InitExecutionSession(ctx context.Context) (*execution.ExecutionSessionParameters, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.nextSessionParams != nil {
		params := *m.nextSessionParams
		return &params, nil
	}
	params := m.params
	return &params, nil
}

func (m *mockEngine) ExecuteBlock(ctx context.Context, parentHash common.Hash, transactions [][]byte, timestamp time.Time) (*execution.ExecutedBlockMetadata, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.executeCalls++
	head := m.head()
	if parentHash != head.Hash {
		return nil, execution.ErrWrongParent
	}
	hasher := sha256.New()
	hasher.Write(parentHash[:])
	for _, tx := range transactions {
		hasher.Write(tx)
	}
	meta := execution.ExecutedBlockMetadata{
		Number:     head.Number + 1,
		Hash:       common.BytesToHash(hasher.Sum(nil)),
		ParentHash: parentHash,
		Timestamp:  timestamp,
	}
	m.chain = append(m.chain, meta)
	result := meta
	return &result, nil
}

func (m *mockEngine) UpdateCommitmentState(ctx context.Context, state *execution.CommitmentState) (*execution.CommitmentState, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	accepted := *state
	m.committed = &accepted
	result := accepted
	return &result, nil
}

func (m *mockEngine) ExecutedBlockMetadataByNumber(ctx context.Context, number uint64) (*execution.ExecutedBlockMetadata, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, meta := range m.chain {
		if meta.Number == number {
			result := meta
			return &result, nil
		}
	}
	return nil, errors.Errorf("no block at number %d", number)
}

func (m *mockEngine) HeadExecutedBlockMetadata(ctx context.Context) (*execution.ExecutedBlockMetadata, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	head := m.head()
	return &head, nil
}

func (m *mockEngine) RollbackToBlock(ctx context.Context, number uint64) (*execution.ExecutedBlockMetadata, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.supportsRollback {
		return nil, execution.ErrRollbackUnsupported
	}
	m.rollbackCalls++
	for i, meta := range m.chain {
		if meta.Number == number {
			m.chain = m.chain[:i+1]
			result := meta
			return &result, nil
		}
	}
	return nil, errors.Errorf("cannot roll back to unknown block %d", number)
}

func (m *mockEngine) calls() (execute int, rollback int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.executeCalls, m.rollbackCalls
}

func testSession() execution.ExecutionSessionParameters {
	return execution.ExecutionSessionParameters{
		RollupID:                         testRollupID,
		RollupStartBlockNumber:           rollupStart,
		SequencerChainID:                 testChainID,
		SequencerStartBlockHeight:        seqStartHeight,
		CelestiaChainID:                  "celestia-test-0",
		CelestiaSearchHeightMaxLookAhead: 50,
	}
}

type harness struct {
	engine   *mockEngine
	client   execution.Client
	store    *commitment.Store
	executor *Executor
	soft     chan *sequencerblock.CandidateBlock
	firm     chan *sequencerblock.CandidateBlock
	fatal    chan error
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, config Config, sessionParams execution.ExecutionSessionParameters, withRollback bool) *harness {
	t.Helper()
	testhelpers.InitTestLog(t, log.LevelTrace)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := newMockEngine(sessionParams)
	engine.supportsRollback = withRollback
	var client execution.Client = engine

	store := commitment.NewStore(filepath.Join(t.TempDir(), "commitment-state.json"))
	_, err := EnsureInitialState(ctx, client, store)
	Require(t, err)

	soft := make(chan *sequencerblock.CandidateBlock, 16)
	firm := make(chan *sequencerblock.CandidateBlock, 16)
	fatal := make(chan error, 1)
	session := sessionParams
	exec, err := NewExecutor(config, client, store, &session, soft, firm, fatal)
	Require(t, err)
	exec.Start(ctx)
	t.Cleanup(exec.StopAndWait)

	return &harness{
		engine:   engine,
		client:   client,
		store:    store,
		executor: exec,
		soft:     soft,
		firm:     firm,
		fatal:    fatal,
		cancel:   cancel,
	}
}

func candidate(t *testing.T, block *blocktest.Block, origin sequencerblock.Origin, celestiaHeight uint64) *sequencerblock.CandidateBlock {
	t.Helper()
	cand, err := sequencerblock.Normalize(origin, block.Filtered(testRollupID), testRollupID, celestiaHeight)
	Require(t, err)
	return cand
}

func blockAt(t *testing.T, height uint64, txs ...[]byte) *blocktest.Block {
	t.Helper()
	return blocktest.New(t, testChainID, height, map[sequencerblock.RollupID][][]byte{
		testRollupID: txs,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	testhelpers.FailImpl(t, "timed out waiting for", what)
}

// TestSoftThenFirmConfirmation covers the main flow: soft execution
// followed by firm confirmation of identical content, without
// re-execution, including an empty block.
func TestSoftThenFirmConfirmation(t *testing.T) {
	h := newHarness(t, DefaultConfig, testSession(), false)

	block100 := blockAt(t, 100, []byte("tx-a"), []byte("tx-b"), []byte("tx-c"))
	block101 := blockAt(t, 101) // empty for this rollup, still a block

	h.soft <- candidate(t, block100, sequencerblock.SoftOrigin, 0)
	h.soft <- candidate(t, block101, sequencerblock.SoftOrigin, 0)
	waitFor(t, "soft executions", func() bool {
		return h.store.State().Soft.Number == 2
	})
	executes, _ := h.engine.calls()
	if executes != 2 {
		testhelpers.FailImpl(t, "execute calls", executes)
	}

	h.firm <- candidate(t, block100, sequencerblock.FirmOrigin, 150)
	h.firm <- candidate(t, block101, sequencerblock.FirmOrigin, 151)
	waitFor(t, "firm confirmations", func() bool {
		return h.store.State().Firm.Number == 2
	})

	// Confirmation must not re-execute.
	executes, _ = h.engine.calls()
	if executes != 2 {
		testhelpers.FailImpl(t, "execute calls after confirmation", executes)
	}
	state := h.store.State()
	if state.Soft.Hash != state.Firm.Hash {
		testhelpers.FailImpl(t, "soft and firm diverged on identical content")
	}
	if state.LowestCelestiaSearchHeight != 151 {
		testhelpers.FailImpl(t, "search height", state.LowestCelestiaSearchHeight)
	}
	if h.executor.Status() != StatusFollowing {
		testhelpers.FailImpl(t, "status", h.executor.Status())
	}
}

// TestFirmWithoutSoftAdvancesBoth covers firm blocks arriving for heights
// soft never reached, e.g. in firm-only mode after a long outage.
func TestFirmWithoutSoftAdvancesBoth(t *testing.T) {
	config := DefaultConfig
	config.CommitLevel = "firm-only"
	h := newHarness(t, config, testSession(), false)

	h.firm <- candidate(t, blockAt(t, 100, []byte("tx")), sequencerblock.FirmOrigin, 7)
	waitFor(t, "firm execution", func() bool {
		return h.store.State().Firm.Number == 1
	})
	state := h.store.State()
	if state.Soft.Number != 1 || state.Soft.Hash != state.Firm.Hash {
		testhelpers.FailImpl(t, "soft pointer should track firm in firm-only mode")
	}
}

// TestSpreadGatesSoftExecution verifies soft execution pauses once it runs
// max-spread blocks ahead of firm and resumes after a confirmation.
func TestSpreadGatesSoftExecution(t *testing.T) {
	config := DefaultConfig
	config.MaxSpread = 2
	h := newHarness(t, config, testSession(), false)

	blocks := make([]*blocktest.Block, 4)
	for i := range blocks {
		blocks[i] = blockAt(t, uint64(100+i), []byte{byte(i)})
		h.soft <- candidate(t, blocks[i], sequencerblock.SoftOrigin, 0)
	}

	waitFor(t, "gated soft execution", func() bool {
		return h.store.State().Soft.Number == 2
	})
	// Give the loop a chance to (incorrectly) run further.
	time.Sleep(100 * time.Millisecond)
	if got := h.store.State().Soft.Number; got != 2 {
		testhelpers.FailImpl(t, "soft ran past the spread gate, number", got)
	}

	h.firm <- candidate(t, blocks[0], sequencerblock.FirmOrigin, 40)
	waitFor(t, "soft resumed after confirmation", func() bool {
		return h.store.State().Soft.Number == 3
	})
}

// TestDivergenceHaltsWithoutRollback: firm content conflicting with an
// executed soft block is fatal when rollback is disabled.
func TestDivergenceHaltsWithoutRollback(t *testing.T) {
	h := newHarness(t, DefaultConfig, testSession(), false)

	h.soft <- candidate(t, blockAt(t, 100, []byte("seen-by-soft")), sequencerblock.SoftOrigin, 0)
	waitFor(t, "soft execution", func() bool {
		return h.store.State().Soft.Number == 1
	})

	h.firm <- candidate(t, blockAt(t, 100, []byte("different-content")), sequencerblock.FirmOrigin, 9)
	select {
	case err := <-h.fatal:
		if err == nil {
			testhelpers.FailImpl(t, "nil fatal error")
		}
	case <-time.After(5 * time.Second):
		testhelpers.FailImpl(t, "no fatal error on divergence")
	}
	waitFor(t, "halted status", func() bool {
		return h.executor.Status() == StatusHalted
	})
	// The firm pointer must not have advanced onto conflicting content.
	if h.store.State().Firm.Number != genesisNumber {
		testhelpers.FailImpl(t, "firm advanced through a divergence")
	}
}

// TestDivergenceRollback covers the rollback path end to end: soft block 2
// executed empty, firm block 2 arrives with a transaction soft never saw,
// the engine rewinds and re-executes from firm content.
func TestDivergenceRollback(t *testing.T) {
	config := DefaultConfig
	config.EnableRollback = true
	h := newHarness(t, config, testSession(), true)

	block100 := blockAt(t, 100, []byte("tx-1"), []byte("tx-2"), []byte("tx-3"))
	block101soft := blockAt(t, 101) // empty as seen from the feed
	h.soft <- candidate(t, block100, sequencerblock.SoftOrigin, 0)
	h.soft <- candidate(t, block101soft, sequencerblock.SoftOrigin, 0)
	waitFor(t, "soft executions", func() bool {
		return h.store.State().Soft.Number == 2
	})

	h.firm <- candidate(t, block100, sequencerblock.FirmOrigin, 150)
	waitFor(t, "firm confirmation of block 1", func() bool {
		return h.store.State().Firm.Number == 1
	})

	// The DA view of height 101 carries a transaction the feed omitted.
	block101firm := blockAt(t, 101, []byte("censored-tx"))
	h.firm <- candidate(t, block101firm, sequencerblock.FirmOrigin, 152)

	waitFor(t, "rollback recovery", func() bool {
		state := h.store.State()
		return state.Firm.Number == 2 && state.Soft.Number == 2 && state.Soft.Hash == state.Firm.Hash
	})
	_, rollbacks := h.engine.calls()
	if rollbacks != 1 {
		testhelpers.FailImpl(t, "rollback calls", rollbacks)
	}
	if h.executor.Status() != StatusFollowing {
		testhelpers.FailImpl(t, "status after recovery", h.executor.Status())
	}

	// The engine's head must be the firm content, not the soft content.
	head, err := h.client.HeadExecutedBlockMetadata(context.Background())
	Require(t, err)
	if head.Hash != h.store.State().Firm.Hash {
		testhelpers.FailImpl(t, "engine head does not match firm commitment")
	}
}

// TestConfirmationAfterRestart: the pending cache is empty after a
// restart, so firm confirmation re-derives metadata from the engine.
func TestConfirmationAfterRestart(t *testing.T) {
	h := newHarness(t, DefaultConfig, testSession(), false)

	block100 := blockAt(t, 100, []byte("tx"))
	h.soft <- candidate(t, block100, sequencerblock.SoftOrigin, 0)
	waitFor(t, "soft execution", func() bool {
		return h.store.State().Soft.Number == 1
	})

	// Restart: a fresh executor starts with an empty pending cache, so the
	// engine is the only source of truth for what was built at this number.
	h.executor.StopAndWait()
	session := testSession()
	restarted, err := NewExecutor(DefaultConfig, h.client, h.store, &session, h.soft, h.firm, h.fatal)
	Require(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	restarted.Start(ctx)
	t.Cleanup(restarted.StopAndWait)

	h.firm <- candidate(t, block100, sequencerblock.FirmOrigin, 33)
	waitFor(t, "firm confirmation via engine lookup", func() bool {
		return h.store.State().Firm.Number == 1
	})
	executes, _ := h.engine.calls()
	if executes != 1 {
		testhelpers.FailImpl(t, "confirmation re-executed the block, calls:", executes)
	}
}

// TestSessionRotation: when the session range is exhausted, soft execution
// stops at the boundary while firm still confirms the outgoing session's
// blocks under its height mapping; the firm block past the boundary
// rotates to the follow-up session and execution resumes under it.
func TestSessionRotation(t *testing.T) {
	params := testSession()
	params.RollupEndBlockNumber = 1
	h := newHarness(t, DefaultConfig, params, false)

	block100 := blockAt(t, 100, []byte("tx-1"))
	block101 := blockAt(t, 101, []byte("tx-2"))
	h.soft <- candidate(t, block100, sequencerblock.SoftOrigin, 0)
	waitFor(t, "last soft block of the session", func() bool {
		return h.store.State().Soft.Number == 1
	})

	next := testSession()
	next.RollupStartBlockNumber = 2
	next.SequencerStartBlockHeight = 101
	h.engine.mutex.Lock()
	h.engine.nextSessionParams = &next
	h.engine.mutex.Unlock()

	// The feed keeps producing past the boundary; those blocks must not
	// execute before firm reaches the end of the outgoing session.
	h.soft <- candidate(t, block101, sequencerblock.SoftOrigin, 0)
	time.Sleep(100 * time.Millisecond)
	if got := h.store.State().Soft.Number; got != 1 {
		testhelpers.FailImpl(t, "soft ran past the session end, number", got)
	}

	h.firm <- candidate(t, block100, sequencerblock.FirmOrigin, 20)
	waitFor(t, "firm confirmation under the outgoing session", func() bool {
		return h.store.State().Firm.Number == 1
	})
	select {
	case err := <-h.fatal:
		testhelpers.FailImpl(t, "fatal error confirming the outgoing session:", err)
	default:
	}

	h.firm <- candidate(t, block101, sequencerblock.FirmOrigin, 21)
	waitFor(t, "execution under the next session", func() bool {
		state := h.store.State()
		return state.Firm.Number == 2 && state.Soft.Number == 2
	})
	if h.executor.Session().RollupStartBlockNumber != 2 {
		testhelpers.FailImpl(t, "session was not rotated")
	}

	// Soft resumes with the new height mapping.
	h.soft <- candidate(t, blockAt(t, 102, []byte("tx-3")), sequencerblock.SoftOrigin, 0)
	waitFor(t, "soft execution under the next session", func() bool {
		return h.store.State().Soft.Number == 3
	})
}

// TestSessionRotationSoftOnly: with no firm stream the soft path performs
// the rotation itself.
func TestSessionRotationSoftOnly(t *testing.T) {
	config := DefaultConfig
	config.CommitLevel = "soft-only"
	params := testSession()
	params.RollupEndBlockNumber = 1
	h := newHarness(t, config, params, false)

	h.soft <- candidate(t, blockAt(t, 100, []byte("tx-1")), sequencerblock.SoftOrigin, 0)
	waitFor(t, "last block of the session", func() bool {
		return h.store.State().Soft.Number == 1
	})

	next := testSession()
	next.RollupStartBlockNumber = 2
	next.SequencerStartBlockHeight = 101
	h.engine.mutex.Lock()
	h.engine.nextSessionParams = &next
	h.engine.mutex.Unlock()

	h.soft <- candidate(t, blockAt(t, 101, []byte("tx-2")), sequencerblock.SoftOrigin, 0)
	waitFor(t, "execution under the next session", func() bool {
		return h.store.State().Soft.Number == 2
	})
	if h.executor.Session().RollupStartBlockNumber != 2 {
		testhelpers.FailImpl(t, "session was not rotated")
	}
}

// TestSyncingGatesSoftUntilFirmCatchesUp: after a restart with firm behind
// soft, the executor drains only the firm stream until the recorded soft
// pointer is confirmed, then resumes soft execution.
func TestSyncingGatesSoftUntilFirmCatchesUp(t *testing.T) {
	testhelpers.InitTestLog(t, log.LevelTrace)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := newMockEngine(testSession())
	var client execution.Client = engine
	store := commitment.NewStore(filepath.Join(t.TempDir(), "commitment-state.json"))
	state, err := EnsureInitialState(ctx, client, store)
	Require(t, err)

	// The previous run executed block 1 soft but never saw its firm
	// counterpart.
	block100 := blockAt(t, 100, []byte("tx-1"))
	cand100 := candidate(t, block100, sequencerblock.SoftOrigin, 0)
	meta1, err := engine.ExecuteBlock(ctx, state.Soft.Hash, cand100.Transactions, cand100.Header.Time)
	Require(t, err)
	Require(t, store.Put(&execution.CommitmentState{
		Soft:                       *meta1,
		Firm:                       state.Firm,
		LowestCelestiaSearchHeight: 1,
	}))

	soft := make(chan *sequencerblock.CandidateBlock, 16)
	firm := make(chan *sequencerblock.CandidateBlock, 16)
	fatal := make(chan error, 1)
	session := testSession()
	exec, err := NewExecutor(DefaultConfig, client, store, &session, soft, firm, fatal)
	Require(t, err)
	exec.Start(ctx)
	t.Cleanup(exec.StopAndWait)

	waitFor(t, "syncing status", func() bool {
		return exec.Status() == StatusSyncing
	})

	soft <- candidate(t, blockAt(t, 101, []byte("tx-2")), sequencerblock.SoftOrigin, 0)
	time.Sleep(100 * time.Millisecond)
	if got := store.State().Soft.Number; got != 1 {
		testhelpers.FailImpl(t, "soft executed while syncing, number", got)
	}

	firm <- candidate(t, block100, sequencerblock.FirmOrigin, 30)
	waitFor(t, "firm caught up to the recorded soft pointer", func() bool {
		return store.State().Firm.Number == 1
	})
	waitFor(t, "following status", func() bool {
		return exec.Status() == StatusFollowing
	})
	waitFor(t, "soft execution resumed", func() bool {
		return store.State().Soft.Number == 2
	})
}

func TestEnsureInitialState(t *testing.T) {
	testhelpers.InitTestLog(t, log.LevelTrace)
	ctx := context.Background()
	engine := newMockEngine(testSession())
	store := commitment.NewStore(filepath.Join(t.TempDir(), "commitment-state.json"))

	state, err := EnsureInitialState(ctx, engine, store)
	Require(t, err)
	if state.Soft.Number != genesisNumber || state.Firm.Number != genesisNumber {
		testhelpers.FailImpl(t, "initial pointers", state.Soft.Number, state.Firm.Number)
	}

	// Engine executes one block past the durable record; the record is
	// fast-forwarded because the extra block links to the soft pointer.
	_, err = engine.ExecuteBlock(ctx, state.Soft.Hash, [][]byte{[]byte("tx")}, time.Unix(1700000001, 0))
	Require(t, err)
	state, err = EnsureInitialState(ctx, engine, store)
	Require(t, err)
	if state.Soft.Number != genesisNumber+1 {
		testhelpers.FailImpl(t, "state was not fast-forwarded:", state.Soft.Number)
	}

	// An unrelated engine cannot be reconciled.
	otherEngine := newMockEngine(testSession())
	otherEngine.chain[0].Hash = common.HexToHash("0xff")
	if _, err := EnsureInitialState(ctx, otherEngine, store); err == nil {
		testhelpers.FailImpl(t, "reconciled against a foreign chain")
	}
}

func TestHeightNumberMapping(t *testing.T) {
	params := testSession()
	number, err := SequencerHeightToRollupNumber(&params, 100)
	Require(t, err)
	if number != 1 {
		testhelpers.FailImpl(t, "number", number)
	}
	height, err := RollupNumberToSequencerHeight(&params, 5)
	Require(t, err)
	if height != 104 {
		testhelpers.FailImpl(t, "height", height)
	}
	if _, err := SequencerHeightToRollupNumber(&params, 99); err == nil {
		testhelpers.FailImpl(t, "accepted a height below the session start")
	}
	if _, err := RollupNumberToSequencerHeight(&params, 0); err == nil {
		testhelpers.FailImpl(t, "accepted a number below the session start")
	}
}
