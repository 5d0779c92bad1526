// Copyright 2024, Astria Org, Inc.
// For license information, see https://github.com/astriaorg/conductor/blob/main/LICENSE

package sequencerclient

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

type chainedReader struct {
	readers []io.Reader
}

func (cr *chainedReader) Read(b []byte) (n int, err error) {
	for _, r := range cr.readers {
		n, err = r.Read(b)
		if errors.Is(err, io.EOF) || n == 0 {
			continue
		}
		break
	}
	return
}

func (cr *chainedReader) add(r io.Reader) *chainedReader {
	if r != nil {
		cr.readers = append(cr.readers, r)
	}
	return cr
}

// readData reads one complete websocket frame from the feed connection,
// answering control frames along the way. An idle connection times out so
// a dead peer is detected even without TCP resets.
func (c *Client) readData(ctx context.Context, earlyFrameData io.Reader) ([]byte, ws.OpCode, error) {
	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()
	if conn == nil {
		return nil, 0, errors.New("no feed connection")
	}

	controlHandler := wsutil.ControlFrameHandler(conn, ws.StateClientSide)
	reader := wsutil.Reader{
		Source:          (&chainedReader{}).add(earlyFrameData).add(conn),
		State:           ws.StateClientSide,
		CheckUTF8:       true,
		SkipHeaderCheck: false,
		OnIntermediate:  controlHandler,
	}

	// Remove timeout when leaving this function
	defer func() {
		err := conn.SetReadDeadline(time.Time{})
		if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			log.Error("error removing read deadline", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, 0, nil
		default:
		}

		err := conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
		if err != nil {
			return nil, 0, err
		}

		header, err := reader.NextFrame()
		if header.OpCode.IsControl() {
			// Control packet may be returned even if err set
			if err2 := controlHandler(header, &reader); err2 != nil {
				return nil, 0, err2
			}

			// Discard any data after control packet
			if err2 := reader.Discard(); err2 != nil {
				return nil, 0, err2
			}

			return nil, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}

		if header.OpCode != ws.OpText &&
			header.OpCode != ws.OpBinary {
			if err := reader.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}

		data, err := io.ReadAll(&reader)

		return data, header.OpCode, err
	}
}
