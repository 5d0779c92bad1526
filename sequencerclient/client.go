// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

// Package sequencerclient streams soft blocks from the sequencer's
// websocket feed. Blocks may arrive out of order; the client buffers them
// and releases verified candidates in strict height order.
package sequencerclient

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gobwas/ws"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/astriaorg/conductor/sequencerblock"
	"github.com/astriaorg/conductor/util/stopwaiter"
)

var (
	receivedBlocksCounter  = metrics.NewRegisteredCounter("conductor/sequencerclient/blocks/received", nil)
	droppedBlocksCounter   = metrics.NewRegisteredCounter("conductor/sequencerclient/blocks/dropped", nil)
	staleBlocksCounter     = metrics.NewRegisteredCounter("conductor/sequencerclient/blocks/stale", nil)
	connectionGauge        = metrics.NewRegisteredGauge("conductor/sequencerclient/connected", nil)
	pendingBlocksGauge     = metrics.NewRegisteredGauge("conductor/sequencerclient/blocks/pending", nil)
	sourceErrorsCounter    = metrics.NewRegisteredCounter("conductor/sequencerclient/errors", nil)
	feedReconnectedCounter = metrics.NewRegisteredCounter("conductor/sequencerclient/reconnects", nil)
)

type Config struct {
	URL         string        `koanf:"url"`
	Timeout     time.Duration `koanf:"timeout"`
	IdleTimeout time.Duration `koanf:"idle-timeout"`
	Queue       int           `koanf:"queue"`
	// MaxPendingBlocks bounds the reorder buffer. Blocks further ahead of
	// the cursor than this are dropped and re-fetched later through
	// reconnection or the firm source.
	MaxPendingBlocks int `koanf:"max-pending-blocks"`
}

var DefaultConfig = Config{
	URL:              "",
	Timeout:          10 * time.Second,
	IdleTimeout:      time.Minute,
	Queue:            64,
	MaxPendingBlocks: 256,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".url", DefaultConfig.URL, "websocket url of the sequencer block feed")
	f.Duration(prefix+".timeout", DefaultConfig.Timeout, "websocket dial timeout")
	f.Duration(prefix+".idle-timeout", DefaultConfig.IdleTimeout, "duration after which a silent feed connection is reset")
	f.Int(prefix+".queue", DefaultConfig.Queue, "size of the ordered candidate queue")
	f.Int(prefix+".max-pending-blocks", DefaultConfig.MaxPendingBlocks, "maximum out-of-order blocks buffered ahead of the cursor")
}

// FeedMessage is one frame of the sequencer feed.
type FeedMessage struct {
	Version int                             `json:"version"`
	Blocks  []*sequencerblock.FilteredBlock `json:"blocks"`
}

const feedMessageVersion = 1

// Client connects to the feed, verifies each block, and emits candidates
// on Blocks() in strictly increasing height order starting at the height
// given to NewClient.
type Client struct {
	stopwaiter.StopWaiter

	config   Config
	rollupID sequencerblock.RollupID
	chainID  string

	nextHeight uint64
	pending    map[uint64]*sequencerblock.FilteredBlock
	out        chan *sequencerblock.CandidateBlock

	connMutex    sync.Mutex
	conn         net.Conn
	shuttingDown atomic.Bool
	retryCount   atomic.Int64
}

// NewClient prepares a feed client serving rollupID. chainID is the
// sequencer chain the feed must belong to; blocks for other chains are
// dropped. startHeight is the first height the client will emit.
func NewClient(config Config, rollupID sequencerblock.RollupID, chainID string, startHeight uint64) *Client {
	return &Client{
		config:     config,
		rollupID:   rollupID,
		chainID:    chainID,
		nextHeight: startHeight,
		pending:    make(map[uint64]*sequencerblock.FilteredBlock),
		out:        make(chan *sequencerblock.CandidateBlock, config.Queue),
	}
}

// Blocks is the ordered stream of verified soft candidates.
func (c *Client) Blocks() <-chan *sequencerblock.CandidateBlock {
	return c.out
}

func (c *Client) Start(ctx context.Context) error {
	c.StopWaiter.Start(ctx, c)
	earlyFrameData, err := c.connect(c.GetContext())
	if err != nil {
		return err
	}
	c.startBackgroundReader(earlyFrameData)
	return nil
}

func (c *Client) isShuttingDown() bool {
	return c.shuttingDown.Load()
}

func (c *Client) connect(ctx context.Context) (earlyFrameData io.Reader, err error) {
	if len(c.config.URL) == 0 {
		return nil, errors.New("no sequencer feed url configured")
	}

	log.Info("connecting to sequencer block feed", "url", c.config.URL)
	timeoutDialer := ws.Dialer{
		Timeout: c.config.Timeout,
	}

	if c.isShuttingDown() {
		return nil, nil
	}

	conn, br, _, err := timeoutDialer.Dial(ctx, c.config.URL)
	if err != nil {
		connectionGauge.Update(0)
		return nil, errors.Wrap(err, "unable to connect to sequencer feed")
	}

	if br != nil {
		// Depending on how long the client takes to read the response, there may be
		// data after the WebSocket upgrade response in a single read from the socket,
		// ie WebSocket frames sent by the server. If this happens, Dial returns
		// a non-nil bufio.Reader so that data isn't lost. But beware, this buffered
		// reader is still hooked up to the socket; trying to read past what had already
		// been buffered will do a blocking read on the socket, so we have to wrap it
		// in a LimitedReader.
		earlyFrameData = io.LimitReader(br, int64(br.Buffered()))
	}

	c.connMutex.Lock()
	c.conn = conn
	c.connMutex.Unlock()
	connectionGauge.Update(1)
	log.Info("connected to sequencer block feed")
	return earlyFrameData, nil
}

func (c *Client) startBackgroundReader(earlyFrameData io.Reader) {
	c.LaunchThread(func(ctx context.Context) {
		for {
			if ctx.Err() != nil {
				return
			}

			msg, op, err := c.readData(ctx, earlyFrameData)
			if err != nil {
				if c.isShuttingDown() {
					return
				}
				if !errors.Is(err, context.Canceled) {
					log.Error("error reading from sequencer feed", "err", err)
					sourceErrorsCounter.Inc(1)
				}
				_ = c.closeConn()
				earlyFrameData = c.retryConnect(ctx)
				continue
			}

			if msg == nil {
				continue
			}
			if op != ws.OpText && op != ws.OpBinary {
				continue
			}

			var feed FeedMessage
			if err := json.Unmarshal(msg, &feed); err != nil {
				log.Error("error unmarshalling feed message", "len", len(msg), "err", err)
				sourceErrorsCounter.Inc(1)
				continue
			}
			if feed.Version != feedMessageVersion {
				log.Error("unexpected feed message version", "version", feed.Version)
				continue
			}
			if len(feed.Blocks) > 0 {
				log.Debug("received feed batch", "count", len(feed.Blocks), "first", feed.Blocks[0].Header.Height)
			}
			for _, block := range feed.Blocks {
				c.enqueue(ctx, block)
			}
		}
	})
}

// enqueue admits one raw block into the reorder buffer and flushes every
// buffered block that is now next in line.
func (c *Client) enqueue(ctx context.Context, block *sequencerblock.FilteredBlock) {
	receivedBlocksCounter.Inc(1)
	height := block.Header.Height
	if block.Header.ChainID != c.chainID {
		log.Warn("dropping feed block from wrong sequencer chain", "chain", block.Header.ChainID, "expected", c.chainID)
		droppedBlocksCounter.Inc(1)
		return
	}
	if height < c.nextHeight {
		log.Trace("dropping stale feed block", "height", height, "cursor", c.nextHeight)
		staleBlocksCounter.Inc(1)
		return
	}
	if height >= c.nextHeight+uint64(c.config.MaxPendingBlocks) {
		log.Warn("feed block too far ahead of cursor, dropping", "height", height, "cursor", c.nextHeight)
		droppedBlocksCounter.Inc(1)
		return
	}
	c.pending[height] = block
	pendingBlocksGauge.Update(int64(len(c.pending)))

	for {
		next, ok := c.pending[c.nextHeight]
		if !ok {
			return
		}
		delete(c.pending, c.nextHeight)
		pendingBlocksGauge.Update(int64(len(c.pending)))
		c.release(ctx, next)
		c.nextHeight++
	}
}

func (c *Client) release(ctx context.Context, block *sequencerblock.FilteredBlock) {
	candidate, err := sequencerblock.Normalize(sequencerblock.SoftOrigin, block, c.rollupID, 0)
	if err != nil {
		// The cursor still advances: a bad block at a height does not
		// stall the stream, the firm source will recover the height.
		if drop, ok := sequencerblock.AsDropError(err); ok {
			log.Warn("dropping unverifiable feed block", "height", block.Header.Height, "reason", drop.Reason, "detail", drop.Detail)
		} else {
			log.Warn("dropping unverifiable feed block", "height", block.Header.Height, "err", err)
		}
		droppedBlocksCounter.Inc(1)
		return
	}
	select {
	case c.out <- candidate:
	case <-ctx.Done():
	}
}

func (c *Client) retryConnect(ctx context.Context) io.Reader {
	maxWaitDuration := 15 * time.Second
	waitDuration := 500 * time.Millisecond

	for !c.isShuttingDown() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(waitDuration):
		}

		c.retryCount.Add(1)
		earlyFrameData, err := c.connect(ctx)
		if err == nil {
			feedReconnectedCounter.Inc(1)
			return earlyFrameData
		}

		if waitDuration < maxWaitDuration {
			waitDuration += 500 * time.Millisecond
		}
	}
	return nil
}

func (c *Client) closeConn() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	connectionGauge.Update(0)
	return err
}

func (c *Client) StopAndWait() {
	c.shuttingDown.Store(true)
	_ = c.closeConn()
	c.StopWaiter.StopAndWait()
}

// RetryCount reports how many reconnect attempts have been made.
func (c *Client) RetryCount() int64 {
	return c.retryCount.Load()
}
