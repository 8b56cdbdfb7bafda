package dag

import "errors"

var (
	// ErrIntegrity means a computed digest did not match the expected
	// hash. Nothing is committed under either name when it is returned.
	ErrIntegrity = errors.New("integrity error")

	// ErrNotFound means a requested object or channel head is absent.
	ErrNotFound = errors.New("not found")

	// ErrTransport means a request failed at the protocol layer: the
	// channel could not be opened, the connection was lost, or the
	// exchange was cancelled before the peer completed its response.
	ErrTransport = errors.New("transport error")

	// ErrIndexConsistency means the index was asked to process a hash
	// with no stored object, the object could not be decoded, or an
	// index transaction failed.
	ErrIndexConsistency = errors.New("index consistency error")
)
