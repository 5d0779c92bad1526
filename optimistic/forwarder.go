// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package optimistic forwards soft block candidates to engines that accept
// speculative execution ahead of commitment. The forwarder is best effort:
// it never blocks the main reconciliation loop and its failures never
// affect commitment state.
package optimistic

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	flag "github.com/spf13/pflag"

	"github.com/astriaorg/conductor/commitment"
	"github.com/astriaorg/conductor/execution"
	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/util/stopwaiter"
)

var (
	forwardedCounter = metrics.NewRegisteredCounter("conductor/optimistic/forwarded", nil)
	failedCounter    = metrics.NewRegisteredCounter("conductor/optimistic/failed", nil)
	droppedCounter   = metrics.NewRegisteredCounter("conductor/optimistic/dropped", nil)
)

type Config struct {
	Enable bool `koanf:"enable"`
	// QueueSize bounds how many soft candidates may wait for optimistic
	// execution. When the queue is full new candidates are dropped.
	QueueSize int `koanf:"queue-size"`
}

var DefaultConfig = Config{
	Enable:    false,
	QueueSize: 16,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".enable", DefaultConfig.Enable, "forward soft blocks to the engine's optimistic execution surface")
	f.Int(prefix+".queue-size", DefaultConfig.QueueSize, "soft candidates buffered for optimistic execution before dropping")
}

// Forwarder feeds soft candidates to an OptimisticClient. It chains blocks
// on the hashes the engine returns, falling back to the durable soft
// pointer whenever a call fails.
type Forwarder struct {
	stopwaiter.StopWaiter

	client execution.OptimisticClient
	store  *commitment.Store
	blocks chan *sequencerblock.CandidateBlock

	parentHash  common.Hash
	parentValid bool
}

func NewForwarder(config Config, client execution.OptimisticClient, store *commitment.Store) *Forwarder {
	return &Forwarder{
		client: client,
		store:  store,
		blocks: make(chan *sequencerblock.CandidateBlock, config.QueueSize),
	}
}

// Offer hands a soft candidate to the forwarder. It never blocks; when the
// queue is full the candidate is dropped.
func (f *Forwarder) Offer(blk *sequencerblock.CandidateBlock) {
	select {
	case f.blocks <- blk:
	default:
		droppedCounter.Inc(1)
		log.Debug("optimistic execution queue full, dropping block", "height", blk.Height())
	}
}

func (f *Forwarder) Start(ctx context.Context) {
	f.StopWaiter.Start(ctx, f)
	f.LaunchThread(f.run)
}

func (f *Forwarder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case blk := <-f.blocks:
			f.forward(ctx, blk)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, blk *sequencerblock.CandidateBlock) {
	if !f.parentValid {
		f.parentHash = f.store.State().Soft.Hash
		f.parentValid = true
	}
	meta, err := f.client.ExecuteOptimisticBlock(ctx, f.parentHash, blk.Transactions, blk.Header.Time)
	if err != nil {
		failedCounter.Inc(1)
		f.parentValid = false
		log.Debug("optimistic execution failed", "height", blk.Height(), "err", err)
		return
	}
	f.parentHash = meta.Hash
	forwardedCounter.Inc(1)
	log.Trace("forwarded block for optimistic execution", "height", blk.Height(), "number", meta.Number)
}
