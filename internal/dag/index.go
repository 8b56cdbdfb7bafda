package dag

import "context"

// ChannelEntry is one signed entry recorded for a channel.
type ChannelEntry struct {
	Hash string
	Time int64
}

// Index tracks reference links, channel entries and heads, and which
// objects have finished indexing. All access goes through a transaction
// scope; a multi-step Update is observed by readers as a whole or not
// at all.
type Index interface {
	// View runs fn in a read transaction.
	View(ctx context.Context, fn func(tx IndexTx) error) error

	// Update runs fn in a write transaction, committed when fn returns
	// nil and rolled back otherwise.
	Update(ctx context.Context, fn func(tx IndexTx) error) error

	Close() error
}

// IndexTx is the set of operations available inside a transaction. It
// must not be used after the transaction function returns.
type IndexTx interface {
	// AddChannel records interest in a channel without adding an entry.
	AddChannel(key string) error

	// AddChannelEntry records an entry for key. Recording the same
	// (key, hash) twice is a no-op.
	AddChannelEntry(key, hash string, t int64) error

	// ListChannelEntries returns the entries of key ordered by time,
	// then by the order they were recorded.
	ListChannelEntries(key string) ([]ChannelEntry, error)

	SetChannelRoot(key, hash string) error

	// GetChannelRoot returns the head of key, or ok=false when the
	// channel has no head.
	GetChannelRoot(key string) (hash string, ok bool, err error)

	// ListChannels returns every known channel key, sorted.
	ListChannels() ([]string, error)

	AddLink(from, to string) error

	// LinksFrom returns the targets linked from hash, sorted.
	LinksFrom(hash string) ([]string, error)

	MarkFinished(hash string) error
	IsFinished(hash string) (bool, error)

	// FindBlobsToFetch returns every hash reachable from roots over
	// links, roots included, that is not finished. The result is sorted
	// ascending and computed from the current state on every call.
	FindBlobsToFetch(roots []string) ([]string, error)
}
