// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package conductor assembles the block sources, the executor and the
// execution engine client into one runnable service.
package conductor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"github.com/astriaorg/conductor/celestia"
	"github.com/astriaorg/conductor/commitment"
	"github.com/astriaorg/conductor/execution"
	execrpc "github.com/astriaorg/conductor/execution/rpcclient"
	"github.com/astriaorg/conductor/executor"
	"github.com/astriaorg/conductor/optimistic"
	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/sequencerclient"
	"github.com/astriaorg/conductor/util/rpcclient"
	"github.com/astriaorg/conductor/util/stopwaiter"
)

const sessionRetryInterval = 2 * time.Second

type Conductor struct {
	stopwaiter.StopWaiter

	config       *Config
	engineClient *execrpc.Client
	store        *commitment.Store
	fatalErrChan chan error

	executor       *executor.Executor
	sequencer      *sequencerclient.Client
	celestiaReader *celestia.Reader
	forwarder      *optimistic.Forwarder
	statusServer   *StatusServer
}

func NewConductor(config *Config, fatalErrChan chan error) (*Conductor, error) {
	if _, err := executor.ParseCommitLevel(config.Executor.CommitLevel); err != nil {
		return nil, err
	}
	clientConfig := config.Execution
	engineClient := execrpc.NewClient(func() *rpcclient.ClientConfig { return &clientConfig })
	return &Conductor{
		config:       config,
		engineClient: engineClient,
		store:        commitment.NewStore(config.StateFile),
		fatalErrChan: fatalErrChan,
	}, nil
}

func (c *Conductor) Start(ctx context.Context) error {
	c.StopWaiter.Start(ctx, c)

	if err := c.engineClient.Start(ctx); err != nil {
		return errors.Wrap(err, "connecting to the execution engine")
	}
	session, err := c.initSession(ctx)
	if err != nil {
		return err
	}
	log.Info("opened execution session",
		"rollupId", session.RollupID,
		"rollupStart", session.RollupStartBlockNumber,
		"rollupEnd", session.RollupEndBlockNumber,
		"sequencerStart", session.SequencerStartBlockHeight,
	)

	state, err := executor.EnsureInitialState(ctx, c.engineClient, c.store)
	if err != nil {
		return errors.Wrap(err, "establishing initial commitment state")
	}
	log.Info("commitment state",
		"soft", state.Soft.Number,
		"firm", state.Firm.Number,
		"celestiaSearchHeight", state.LowestCelestiaSearchHeight,
	)

	commitLevel, err := executor.ParseCommitLevel(c.config.Executor.CommitLevel)
	if err != nil {
		return err
	}

	var softBlocks <-chan *sequencerblock.CandidateBlock
	if commitLevel != executor.FirmOnly {
		softStart, err := executor.RollupNumberToSequencerHeight(session, state.Soft.Number+1)
		if err != nil {
			return err
		}
		c.sequencer = sequencerclient.NewClient(c.config.Sequencer, session.RollupID, session.SequencerChainID, softStart)
		if err := c.sequencer.Start(ctx); err != nil {
			return errors.Wrap(err, "starting the sequencer feed client")
		}
		softBlocks = c.sequencer.Blocks()
	}

	var firmBlocks <-chan *sequencerblock.CandidateBlock
	if commitLevel != executor.SoftOnly {
		firmStart, err := executor.RollupNumberToSequencerHeight(session, state.Firm.Number+1)
		if err != nil {
			return err
		}
		c.celestiaReader, err = celestia.NewReader(
			c.config.Celestia,
			session.RollupID,
			session.SequencerChainID,
			session.CelestiaChainID,
			firmStart,
			state.LowestCelestiaSearchHeight,
			session.CelestiaSearchHeightMaxLookAhead,
		)
		if err != nil {
			return errors.Wrap(err, "building the celestia reader")
		}
		if err := c.celestiaReader.Start(ctx); err != nil {
			return errors.Wrap(err, "starting the celestia reader")
		}
		firmBlocks = c.celestiaReader.Blocks()
	}

	if c.config.Optimistic.Enable && softBlocks != nil {
		c.forwarder = optimistic.NewForwarder(c.config.Optimistic, c.engineClient, c.store)
		c.forwarder.Start(ctx)
		softBlocks = c.teeSoftBlocks(softBlocks)
	}

	c.executor, err = executor.NewExecutor(c.config.Executor, c.engineClient, c.store, session, softBlocks, firmBlocks, c.fatalErrChan)
	if err != nil {
		return err
	}
	c.executor.Start(ctx)

	if c.config.StatusServer.Enable {
		c.statusServer, err = NewStatusServer(c.config.StatusServer, c.executor, c.store)
		if err != nil {
			return errors.Wrap(err, "starting the status server")
		}
	}
	return nil
}

// initSession polls the engine until it hands out session parameters. The
// engine may legitimately not be ready yet when the conductor starts.
func (c *Conductor) initSession(ctx context.Context) (*execution.ExecutionSessionParameters, error) {
	for {
		session, err := c.engineClient.InitExecutionSession(ctx)
		if err == nil {
			return session, nil
		}
		log.Warn("execution session not available yet, retrying", "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sessionRetryInterval):
		}
	}
}

// teeSoftBlocks copies each soft candidate to the optimistic forwarder
// before handing it to the executor.
func (c *Conductor) teeSoftBlocks(src <-chan *sequencerblock.CandidateBlock) <-chan *sequencerblock.CandidateBlock {
	out := make(chan *sequencerblock.CandidateBlock, c.config.Sequencer.Queue)
	c.LaunchThread(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case blk := <-src:
				c.forwarder.Offer(blk)
				select {
				case out <- blk:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return out
}

func (c *Conductor) StopAndWait() {
	if c.sequencer != nil {
		c.sequencer.StopAndWait()
	}
	if c.celestiaReader != nil {
		c.celestiaReader.StopAndWait()
	}
	c.StopWaiter.StopAndWait()
	if c.executor != nil {
		c.executor.StopAndWait()
	}
	if c.forwarder != nil {
		c.forwarder.StopAndWait()
	}
	if c.statusServer != nil {
		c.statusServer.StopAndWait()
	}
	c.engineClient.StopAndWait()
}
