package replica

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/fzone/internal/dag"
)

// Fetcher is the peer side of a synchronization pass. *Client
// implements it over SSH.
type Fetcher interface {
	// FetchHead returns the peer's head for key; empty when it has none.
	FetchHead(ctx context.Context, key string) ([]string, error)
	// FetchBlob retrieves, verifies, commits and indexes hash, returning
	// the number of bytes received.
	FetchBlob(ctx context.Context, hash string) (int64, error)
}

// Result summarizes one synchronization pass.
type Result struct {
	Channels int
	Roots    []string
	Fetched  []string
	Bytes    int64
	Elapsed  time.Duration
}

// Puller drives synchronization passes into a Repository.
type Puller struct {
	repo    *dag.Repository
	log     *logrus.Logger
	metrics pullerMetrics
}

// NewPuller returns a Puller writing into repo.
func NewPuller(repo *dag.Repository, logger *logrus.Logger) *Puller {
	return &Puller{repo: repo, log: loggerOrDiscard(logger), metrics: newPullerMetrics()}
}

// Metrics returns the puller's prometheus collectors.
func (p *Puller) Metrics() []prometheus.Collector {
	return collectorsFromFields(p.metrics)
}

// Run performs one pass against f: ask for the head of every locally
// known channel, then fetch the missing closure of those heads one
// object at a time, re-querying the index after every fetch. Any failed
// head request or fetch aborts the pass; objects fetched before the
// failure stay indexed.
func (p *Puller) Run(ctx context.Context, f Fetcher) (*Result, error) {
	start := time.Now()
	p.metrics.Passes.Inc()

	res, err := p.run(ctx, f)
	res.Elapsed = time.Since(start)
	if err != nil {
		p.metrics.FailedPasses.Inc()
		return res, err
	}
	p.log.WithFields(logrus.Fields{
		"channels": res.Channels,
		"roots":    len(res.Roots),
		"fetched":  len(res.Fetched),
		"bytes":    res.Bytes,
		"elapsed":  res.Elapsed,
	}).Info("pull complete")
	return res, nil
}

func (p *Puller) run(ctx context.Context, f Fetcher) (*Result, error) {
	res := &Result{}

	keys, err := p.repo.Channels(ctx)
	if err != nil {
		return res, err
	}
	res.Channels = len(keys)

	res.Roots, err = p.fetchHeads(ctx, f, keys)
	if err != nil {
		return res, err
	}

	fetched := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		missing, err := p.repo.BlobsToFetch(ctx, res.Roots)
		if err != nil {
			return res, err
		}
		if len(missing) == 0 {
			return res, nil
		}

		next := missing[0]
		if fetched[next] {
			return res, fmt.Errorf("%w: %s still missing after it was fetched", dag.ErrIndexConsistency, next)
		}
		n, err := f.FetchBlob(ctx, next)
		if err != nil {
			if errors.Is(err, dag.ErrIntegrity) {
				p.metrics.IntegrityFailures.Inc()
			}
			return res, fmt.Errorf("fetch %s: %w", next, err)
		}
		fetched[next] = true
		res.Fetched = append(res.Fetched, next)
		res.Bytes += n
		p.metrics.BlobsFetched.Inc()
		p.metrics.BytesFetched.Add(float64(n))
	}
}

// fetchHeads requests every channel head concurrently and returns the
// union of the answers, sorted. One failed request fails them all: a
// silently missing head would leave that channel's history out of the
// closure.
func (p *Puller) fetchHeads(ctx context.Context, f Fetcher, keys []string) ([]string, error) {
	var (
		mu    sync.Mutex
		roots = make(map[string]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			heads, err := f.FetchHead(gctx, key)
			if err != nil {
				return fmt.Errorf("head of %q: %w", key, err)
			}
			p.log.WithFields(logrus.Fields{"key": key, "heads": heads}).Debug("received channel head")
			mu.Lock()
			for _, h := range heads {
				roots[h] = struct{}{}
			}
			mu.Unlock()
			p.metrics.HeadsReceived.Add(float64(len(heads)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(roots))
	for h := range roots {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}
