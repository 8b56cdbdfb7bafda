package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// DialFunc connects to the peer at addr.
type DialFunc func(ctx context.Context, addr string) (*Client, error)

// Syncer periodically pulls from a fixed set of peers in the background.
type Syncer struct {
	puller   *Puller
	dial     DialFunc
	peers    []string
	interval time.Duration
	log      *logrus.Logger

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewSyncer creates a syncer that pulls from every peer once per interval.
func NewSyncer(puller *Puller, dial DialFunc, peers []string, interval time.Duration, logger *logrus.Logger) *Syncer {
	return &Syncer{
		puller:   puller,
		dial:     dial,
		peers:    peers,
		interval: interval,
		log:      loggerOrDiscard(logger),
		doneCh:   make(chan struct{}),
	}
}

// PullFrom runs one pass against the peer at addr.
func (s *Syncer) PullFrom(ctx context.Context, addr string) (*Result, error) {
	c, err := s.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return s.puller.Run(ctx, c)
}

// PullAll runs one pass against every peer in turn. A failing peer does
// not stop the others; all failures are returned together.
func (s *Syncer) PullAll(ctx context.Context) error {
	var mErr *multierror.Error
	for _, addr := range s.peers {
		if ctx.Err() != nil {
			return multierror.Append(mErr, ctx.Err()).ErrorOrNil()
		}
		if _, err := s.PullFrom(ctx, addr); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("%s: %w", addr, err))
		}
	}
	return mErr.ErrorOrNil()
}

// Start launches the background pull loop.
func (s *Syncer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.PullAll(ctx); err != nil && ctx.Err() == nil {
					s.log.WithError(err).Warn("sync failed")
				}
			}
		}
	}()
}

// Stop cancels any pass in progress and waits for the loop to exit.
// Stopping a syncer that was never started does nothing.
func (s *Syncer) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.doneCh
}
