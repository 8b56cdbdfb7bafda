package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/systemshift/fzone/internal/codec"
	"github.com/systemshift/fzone/internal/dag"
)

// ServerConfig configures a Server. Repo and HostKey are required.
type ServerConfig struct {
	Repo    *dag.Repository
	HostKey ssh.Signer

	// AuthorizedKeys lists the client keys allowed to connect. When it is
	// empty any client may connect.
	AuthorizedKeys []ssh.PublicKey

	Logger *logrus.Logger
}

// Server answers channel-head and blob requests from a Repository. It
// only reads from the repository.
type Server struct {
	repo    *dag.Repository
	config  *ssh.ServerConfig
	log     *logrus.Logger
	metrics serverMetrics

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[ssh.Conn]struct{}
	wg        sync.WaitGroup
}

// NewServer builds a Server from cfg.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Repo == nil {
		return nil, fmt.Errorf("replica server: no repository")
	}
	if cfg.HostKey == nil {
		return nil, fmt.Errorf("replica server: no host key")
	}

	sc := &ssh.ServerConfig{}
	if len(cfg.AuthorizedKeys) == 0 {
		sc.NoClientAuth = true
	} else {
		allowed := make(map[string]struct{}, len(cfg.AuthorizedKeys))
		for _, k := range cfg.AuthorizedKeys {
			allowed[string(k.Marshal())] = struct{}{}
		}
		sc.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if _, ok := allowed[string(key.Marshal())]; ok {
				return &ssh.Permissions{Extensions: map[string]string{"fingerprint": ssh.FingerprintSHA256(key)}}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", meta.User())
		}
	}
	sc.AddHostKey(cfg.HostKey)

	return &Server{
		repo:      cfg.Repo,
		config:    sc,
		log:       loggerOrDiscard(cfg.Logger),
		metrics:   newServerMetrics(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[ssh.Conn]struct{}),
	}, nil
}

// Metrics returns the server's prometheus collectors.
func (s *Server) Metrics() []prometheus.Collector {
	return collectorsFromFields(s.metrics)
}

// Serve accepts connections on l until ctx is done or Close is called,
// then waits for open connections to finish.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("replica server: closed")
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			delete(s.listeners, l)
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, nc); err != nil {
				s.log.WithError(err).WithField("peer", nc.RemoteAddr().String()).Warn("connection failed")
			}
		}()
	}
}

// ServeConn runs the SSH handshake on nc and serves its channels until
// the peer disconnects.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) error {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: handshake: %w", dag.ErrTransport, err)
	}
	if !s.track(sconn) {
		sconn.Close()
		return nil
	}
	defer s.untrack(sconn)

	log := s.log.WithField("peer", sconn.RemoteAddr().String())
	log.WithField("user", sconn.User()).Debug("peer connected")

	go ssh.DiscardRequests(reqs)
	stop := context.AfterFunc(ctx, func() { sconn.Close() })
	defer stop()

	var wg sync.WaitGroup
	for nch := range chans {
		typ := nch.ChannelType()
		if typ != ChannelHeadType && typ != BlobType {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		param := string(nch.ExtraData())
		ch, chReqs, err := nch.Accept()
		if err != nil {
			log.WithError(err).Warn("accept channel")
			continue
		}
		go ssh.DiscardRequests(chReqs)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleChannel(ctx, log, typ, param, ch)
		}()
	}
	wg.Wait()
	log.Debug("peer disconnected")
	return nil
}

func (s *Server) handleChannel(ctx context.Context, log *logrus.Entry, typ, param string, ch ssh.Channel) {
	defer ch.Close()

	var err error
	switch typ {
	case ChannelHeadType:
		s.metrics.HeadRequests.Inc()
		err = s.serveHead(ctx, param, ch)
	case BlobType:
		s.metrics.BlobRequests.Inc()
		err = s.serveBlob(param, ch)
	}
	if err != nil {
		s.metrics.Failed.Inc()
		log.WithError(err).WithFields(logrus.Fields{"type": typ, "param": param}).Warn("request failed")
		return
	}

	if _, err := ch.SendRequest(exitStatusRequest, false, ssh.Marshal(exitStatusMsg{Status: 0})); err != nil {
		log.WithError(err).Debug("send exit status")
		return
	}
	ch.CloseWrite()
}

func (s *Server) serveHead(ctx context.Context, key string, w io.Writer) error {
	refs := []string{}
	head, err := s.repo.ChannelRoot(ctx, key)
	switch {
	case err == nil:
		refs = append(refs, head)
	case errors.Is(err, dag.ErrNotFound):
	default:
		return err
	}
	data, err := codec.Marshal(headResponse{Refs: refs})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// serveBlob streams a finalized object. A malformed or unknown hash gets
// an empty response.
func (s *Server) serveBlob(hash string, w io.Writer) error {
	f, err := s.repo.Store.OpenFinalized(hash)
	if errors.Is(err, dag.ErrNotFound) {
		s.metrics.BlobNotFound.Inc()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	s.metrics.BytesServed.Add(float64(n))
	return err
}

func (s *Server) track(c ssh.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c ssh.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops every listener and drops every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var closers []io.Closer
	for l := range s.listeners {
		closers = append(closers, l)
	}
	for c := range s.conns {
		closers = append(closers, c)
	}
	s.mu.Unlock()

	var mErr *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr.ErrorOrNil()
}
