package replica

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/systemshift/fzone/internal/codec"
	"github.com/systemshift/fzone/internal/dag"
)

// Client issues channel-head and blob requests over one SSH connection.
// Requests may run concurrently; each one opens its own channel.
type Client struct {
	conn ssh.Conn
	repo *dag.Repository
	log  *logrus.Logger
}

// NewClient wraps an established SSH connection. Fetched blobs are
// committed to and indexed in repo.
func NewClient(conn ssh.Conn, repo *dag.Repository, logger *logrus.Logger) *Client {
	return &Client{conn: conn, repo: repo, log: loggerOrDiscard(logger)}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// FetchHead asks the peer for the head of channel key. A peer without a
// head for key returns an empty list.
func (c *Client) FetchHead(ctx context.Context, key string) ([]string, error) {
	buf := &cappedBuffer{max: maxHeadResponse}
	if _, err := c.exchange(ctx, ChannelHeadType, key, buf); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, nil
	}

	var resp headResponse
	if err := codec.Unmarshal(buf.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed head response for %q: %w", dag.ErrTransport, key, err)
	}
	for _, ref := range resp.Refs {
		if !dag.ValidHash(ref) {
			return nil, fmt.Errorf("%w: head response for %q names invalid hash %q", dag.ErrTransport, key, ref)
		}
	}
	return resp.Refs, nil
}

// FetchBlob retrieves hash from the peer, verifies the bytes against it,
// commits the object and indexes it. It returns the number of bytes
// received. An empty response is reported as dag.ErrNotFound and a
// digest mismatch as dag.ErrIntegrity; in both cases nothing is kept.
// An object that fails to index is not kept either.
func (c *Client) FetchBlob(ctx context.Context, hash string) (int64, error) {
	if !dag.ValidHash(hash) {
		return 0, fmt.Errorf("fetch blob: invalid hash %q", hash)
	}

	st, err := c.repo.Store.Stage()
	if err != nil {
		return 0, err
	}
	defer st.Abandon()

	n, err := c.exchange(ctx, BlobType, hash, st)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: peer has no object %s", dag.ErrNotFound, hash)
	}

	if _, err := c.repo.Store.CommitUnindexed(st, hash); err != nil {
		return n, err
	}
	if err := c.repo.IndexObject(ctx, hash); err != nil {
		if derr := c.repo.DiscardUnindexed(context.WithoutCancel(ctx), hash); derr != nil {
			c.log.WithError(derr).WithField("hash", hash).Warn("discard unindexed object")
		}
		return n, err
	}
	c.log.WithFields(logrus.Fields{"hash": hash, "bytes": n}).Debug("fetched object")
	return n, nil
}

// exchange runs one request: open a channel of type typ carrying param,
// copy the response stream into w, and confirm the peer completed it.
func (c *Client) exchange(ctx context.Context, typ, param string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %s %q: %w", dag.ErrTransport, typ, param, err)
	}

	ch, reqs, err := c.conn.OpenChannel(typ, []byte(param))
	if err != nil {
		return 0, fmt.Errorf("%w: open %s channel: %w", dag.ErrTransport, typ, err)
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	completed := make(chan bool, 1)
	go func() {
		ok := false
		for req := range reqs {
			if req.Type == exitStatusRequest {
				var msg exitStatusMsg
				ok = ssh.Unmarshal(req.Payload, &msg) == nil && msg.Status == 0
			}
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
		completed <- ok
	}()

	ew := &errWriter{w: w}
	n, copyErr := io.Copy(ew, ch)
	ch.Close()
	ok := <-completed

	switch {
	case ew.err != nil:
		return n, ew.err
	case ctx.Err() != nil:
		return n, fmt.Errorf("%w: %s %q: %w", dag.ErrTransport, typ, param, ctx.Err())
	case copyErr != nil:
		return n, fmt.Errorf("%w: %s %q: %w", dag.ErrTransport, typ, param, copyErr)
	case !ok:
		return n, fmt.Errorf("%w: %s %q: stream ended before the response completed", dag.ErrTransport, typ, param)
	}
	return n, nil
}

// errWriter remembers a write error so it can be told apart from a read
// error on the channel.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

type cappedBuffer struct {
	bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.max {
		return 0, fmt.Errorf("%w: response exceeds %d bytes", dag.ErrTransport, b.max)
	}
	return b.Buffer.Write(p)
}

func loggerOrDiscard(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
