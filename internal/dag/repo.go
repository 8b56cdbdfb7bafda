package dag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	stagingDirName   = "tmp"
	unindexedDirName = "new"
	finalizedDirName = "cur"
	indexFileName    = "index.sqlite"

	staleStagingAge = time.Hour
)

// Verifier checks a channel entry before it is recorded. A non-nil error
// rejects the entry and aborts indexing.
type Verifier interface {
	Verify(m *Message) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(m *Message) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(m *Message) error { return f(m) }

// Config describes where a repository keeps its objects and which index
// it records them in. It is built once and passed to NewRepository.
type Config struct {
	StagingDir   string
	UnindexedDir string
	FinalizedDir string

	Index Index

	// Verifier, if set, is applied to every channel entry.
	Verifier Verifier

	Logger *logrus.Logger
}

// DefaultConfig lays the storage areas out under root. Index is left
// for the caller to set.
func DefaultConfig(root string) Config {
	return Config{
		StagingDir:   filepath.Join(root, stagingDirName),
		UnindexedDir: filepath.Join(root, unindexedDirName),
		FinalizedDir: filepath.Join(root, finalizedDirName),
	}
}

// Repository owns all writes to an ObjectStore and its Index.
type Repository struct {
	Store    *ObjectStore
	Index    Index
	verifier Verifier
	log      *logrus.Logger
}

// NewRepository builds a Repository from cfg.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Index == nil {
		return nil, fmt.Errorf("repository: no index configured")
	}
	store, err := NewObjectStore(cfg.StagingDir, cfg.UnindexedDir, cfg.FinalizedDir)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Repository{
		Store:    store,
		Index:    cfg.Index,
		verifier: cfg.Verifier,
		log:      logger,
	}, nil
}

// OpenRepository opens or creates a repository at root with the default
// layout and a SQLite index.
func OpenRepository(ctx context.Context, root string, logger *logrus.Logger, verifier Verifier) (*Repository, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create repository dir: %w", err)
	}
	index, err := OpenSQLiteIndex(ctx, filepath.Join(root, indexFileName), logger)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig(root)
	cfg.Index = index
	cfg.Verifier = verifier
	cfg.Logger = logger

	repo, err := NewRepository(cfg)
	if err != nil {
		index.Close()
		return nil, err
	}
	if n, err := repo.Store.CleanStaging(staleStagingAge); err != nil {
		repo.log.WithError(err).Warn("clean staging area")
	} else if n > 0 {
		repo.log.WithField("count", n).Info("removed stale staging files")
	}
	return repo, nil
}

// Close releases the index.
func (r *Repository) Close() error {
	return r.Index.Close()
}

// AddObject moves the file at path into the store as an unindexed
// object and returns its hash. When expected is non-empty the content
// must hash to it; on a mismatch the file is left where it is.
func (r *Repository) AddObject(path, expected string) (string, error) {
	if expected != "" {
		hash, err := HashFile(path)
		if err != nil {
			return "", err
		}
		if hash != expected {
			return "", fmt.Errorf("%w: %s: expected %s, got %s", ErrIntegrity, path, expected, hash)
		}
	}
	st, err := r.Store.StageFile(path)
	if err != nil {
		return "", err
	}
	defer st.Abandon()
	return r.Store.CommitUnindexed(st, expected)
}

// putUnindexed commits data unless an identical object is already
// finalized.
func (r *Repository) putUnindexed(data []byte) (string, error) {
	if hash := HashBytes(data); r.Store.HasFinalized(hash) {
		return hash, nil
	}
	st, err := r.Store.Stage()
	if err != nil {
		return "", err
	}
	defer st.Abandon()
	if _, err := st.Write(data); err != nil {
		return "", fmt.Errorf("write staging file: %w", err)
	}
	return r.Store.CommitUnindexed(st, "")
}

// Put stores and indexes data, returning its hash.
func (r *Repository) Put(ctx context.Context, data []byte) (string, error) {
	hash, err := r.putUnindexed(data)
	if err != nil {
		return "", err
	}
	if err := r.IndexObject(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// PutMessage encodes, stores and indexes m.
func (r *Repository) PutMessage(ctx context.Context, m *Message) (string, error) {
	data, err := EncodeMessage(m)
	if err != nil {
		return "", err
	}
	return r.Put(ctx, data)
}

// IndexObject processes a committed object: channel bookkeeping for
// entries, link recording, finalization. The whole pipeline, including
// indexing of the rebuilt channel manifest, runs in one index
// transaction. Indexing a finished object only finalizes a leftover
// unindexed copy.
//
// Objects move to the finalized area only after the transaction
// commits, so a rolled back attempt leaves them unindexed for a retry.
func (r *Repository) IndexObject(ctx context.Context, hash string) error {
	var indexed []string
	err := r.Index.Update(ctx, func(tx IndexTx) error {
		indexed = indexed[:0]
		return r.indexObject(tx, hash, &indexed)
	})
	if err != nil {
		return err
	}
	for _, h := range indexed {
		if err := r.Store.Finalize(h); err != nil {
			return fmt.Errorf("%w: %w", ErrIndexConsistency, err)
		}
	}
	return nil
}

// indexObject records hash in tx and appends every object it marks
// finished, or finds finished but still unindexed, to indexed.
func (r *Repository) indexObject(tx IndexTx, hash string, indexed *[]string) error {
	finished, err := tx.IsFinished(hash)
	if err != nil {
		return err
	}
	if finished {
		if r.Store.HasUnindexed(hash) {
			*indexed = append(*indexed, hash)
		}
		return nil
	}

	data, err := r.Store.ReadUnindexed(hash)
	if errors.Is(err, ErrNotFound) {
		// Finalized without a finished mark; re-index it in place.
		data, err = r.Store.ReadFinalized(hash)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexConsistency, err)
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		return fmt.Errorf("%w: object %s: %w", ErrIndexConsistency, hash, err)
	}

	if msg.IsEntry() {
		if err := r.recordEntry(tx, hash, msg, indexed); err != nil {
			return err
		}
	}

	for _, ref := range msg.Header.Refs {
		if err := tx.AddLink(hash, ref); err != nil {
			return err
		}
	}

	if err := tx.MarkFinished(hash); err != nil {
		return err
	}
	*indexed = append(*indexed, hash)

	r.log.WithFields(logrus.Fields{"hash": hash, "refs": len(msg.Header.Refs)}).Debug("indexed object")
	return nil
}

// recordEntry appends a channel entry, rebuilds and indexes the
// channel manifest, and moves the head. The manifest carries no
// sigheader, so the nested indexObject call never comes back here.
func (r *Repository) recordEntry(tx IndexTx, hash string, msg *Message, indexed *[]string) error {
	if r.verifier != nil {
		if err := r.verifier.Verify(msg); err != nil {
			if derr := r.Store.discardUnindexed(hash); derr != nil {
				r.log.WithError(derr).WithField("hash", hash).Warn("discard rejected entry")
			}
			return fmt.Errorf("%w: entry %s rejected: %w", ErrIntegrity, hash, err)
		}
	}

	key := msg.SigHeader.Key
	if err := tx.AddChannelEntry(key, hash, msg.SigHeader.Time); err != nil {
		return err
	}
	entries, err := tx.ListChannelEntries(key)
	if err != nil {
		return err
	}

	data, err := EncodeMessage(NewManifest(entries))
	if err != nil {
		return err
	}
	manifest, err := r.putUnindexed(data)
	if err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	if err := r.indexObject(tx, manifest, indexed); err != nil {
		return fmt.Errorf("index manifest %s: %w", manifest, err)
	}

	if err := tx.SetChannelRoot(key, hash); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"key":      key,
		"head":     hash,
		"manifest": manifest,
		"entries":  len(entries),
	}).Debug("channel updated")
	return nil
}

// IndexPending indexes every object left in the unindexed area, and
// every finalized object the index does not mark finished, for example
// after a crash between commit and indexing. A failing object does not
// stop the others; the failures are returned together with the number
// of objects indexed.
func (r *Repository) IndexPending(ctx context.Context) (int, error) {
	hashes, err := r.pendingObjects(ctx)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		mErr *multierror.Error
	)
	for _, hash := range hashes {
		if err := r.IndexObject(ctx, hash); err != nil {
			if ctx.Err() != nil {
				return n, multierror.Append(mErr, err).ErrorOrNil()
			}
			r.log.WithError(err).WithField("hash", hash).Warn("index pending object")
			mErr = multierror.Append(mErr, fmt.Errorf("index %s: %w", hash, err))
			continue
		}
		n++
	}
	return n, mErr.ErrorOrNil()
}

func (r *Repository) pendingObjects(ctx context.Context) ([]string, error) {
	hashes, err := r.Store.ListUnindexed()
	if err != nil {
		return nil, err
	}
	finalized, err := r.Store.ListFinalized()
	if err != nil {
		return nil, err
	}
	err = r.Index.View(ctx, func(tx IndexTx) error {
		for _, hash := range finalized {
			finished, err := tx.IsFinished(hash)
			if err != nil {
				return err
			}
			if !finished && !r.Store.HasUnindexed(hash) {
				hashes = append(hashes, hash)
			}
		}
		return nil
	})
	return hashes, err
}

// DiscardUnindexed removes the unindexed copy of hash unless the index
// marks it finished. A fetcher calls it when indexing a fetched object
// fails so the object is not left committed but unindexed.
func (r *Repository) DiscardUnindexed(ctx context.Context, hash string) error {
	var finished bool
	err := r.Index.View(ctx, func(tx IndexTx) error {
		var err error
		finished, err = tx.IsFinished(hash)
		return err
	})
	if err != nil {
		return err
	}
	if finished {
		return nil
	}
	return r.Store.discardUnindexed(hash)
}

// Subscribe records interest in a channel so the next pull asks peers
// for its head.
func (r *Repository) Subscribe(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("subscribe: empty channel key")
	}
	return r.Index.Update(ctx, func(tx IndexTx) error {
		return tx.AddChannel(key)
	})
}

// Channels returns every known channel key.
func (r *Repository) Channels(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.Index.View(ctx, func(tx IndexTx) error {
		var err error
		keys, err = tx.ListChannels()
		return err
	})
	return keys, err
}

// ChannelRoot returns the head of key, or ErrNotFound.
func (r *Repository) ChannelRoot(ctx context.Context, key string) (string, error) {
	var (
		hash string
		ok   bool
	)
	err := r.Index.View(ctx, func(tx IndexTx) error {
		var err error
		hash, ok, err = tx.GetChannelRoot(key)
		return err
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: channel %q has no head", ErrNotFound, key)
	}
	return hash, nil
}

// ChannelEntries returns the entries recorded for key.
func (r *Repository) ChannelEntries(ctx context.Context, key string) ([]ChannelEntry, error) {
	var entries []ChannelEntry
	err := r.Index.View(ctx, func(tx IndexTx) error {
		var err error
		entries, err = tx.ListChannelEntries(key)
		return err
	})
	return entries, err
}

// BlobsToFetch returns the missing part of the closure of roots.
func (r *Repository) BlobsToFetch(ctx context.Context, roots []string) ([]string, error) {
	var hashes []string
	err := r.Index.View(ctx, func(tx IndexTx) error {
		var err error
		hashes, err = tx.FindBlobsToFetch(roots)
		return err
	})
	return hashes, err
}

// Links returns the hashes referenced by an indexed object.
func (r *Repository) Links(ctx context.Context, hash string) ([]string, error) {
	var targets []string
	err := r.Index.View(ctx, func(tx IndexTx) error {
		var err error
		targets, err = tx.LinksFrom(hash)
		return err
	})
	return targets, err
}

// ObjectState is the lifecycle position of an object.
type ObjectState string

const (
	StateMissing   ObjectState = "missing"
	StateUnindexed ObjectState = "unindexed"
	StateFinalized ObjectState = "finalized"
)

// ObjectStat describes an object in the repository.
type ObjectStat struct {
	Hash     string
	State    ObjectState
	Finished bool
	Size     int64
}

// Stat reports where hash is in the object lifecycle.
func (r *Repository) Stat(ctx context.Context, hash string) (*ObjectStat, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("invalid object hash %q", hash)
	}
	st := &ObjectStat{Hash: hash, State: StateMissing}
	switch {
	case r.Store.HasFinalized(hash):
		st.State = StateFinalized
		size, err := r.Store.FinalizedSize(hash)
		if err != nil {
			return nil, err
		}
		st.Size = size
	case r.Store.HasUnindexed(hash):
		st.State = StateUnindexed
	}
	err := r.Index.View(ctx, func(tx IndexTx) error {
		var err error
		st.Finished, err = tx.IsFinished(hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
