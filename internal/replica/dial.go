package replica

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/systemshift/fzone/internal/dag"
)

const defaultDialTimeout = 30 * time.Second

// DialConfig holds client-side connection settings.
type DialConfig struct {
	User string

	// Signer authenticates the client. Nil means no client key, which
	// only a server without authorized keys accepts.
	Signer ssh.Signer

	// HostKeyCallback verifies the server. Required.
	HostKeyCallback ssh.HostKeyCallback

	Timeout time.Duration
	Logger  *logrus.Logger
}

// Dial connects to a peer at addr and returns a Client that stores
// fetched objects in repo.
func Dial(ctx context.Context, addr string, repo *dag.Repository, cfg DialConfig) (*Client, error) {
	if cfg.HostKeyCallback == nil {
		return nil, fmt.Errorf("dial %s: no host key callback", addr)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	user := cfg.User
	if user == "" {
		user = "fzone"
	}

	sc := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         timeout,
	}
	if cfg.Signer != nil {
		sc.Auth = []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)}
	}

	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", dag.ErrTransport, addr, err)
	}

	// The handshake has no context of its own.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(timeout))
	conn, chans, reqs, err := ssh.NewClientConn(nc, addr, sc)
	stopped := stop()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %w", dag.ErrTransport, addr, err)
	}
	if !stopped {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %w", dag.ErrTransport, addr, ctx.Err())
	}
	nc.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)
	go func() {
		for nch := range chans {
			nch.Reject(ssh.Prohibited, "client does not serve channels")
		}
	}()

	logger := loggerOrDiscard(cfg.Logger)
	logger.WithField("peer", addr).Debug("connected")
	return NewClient(conn, repo, logger), nil
}
