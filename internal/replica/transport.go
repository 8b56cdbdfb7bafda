// Package replica carries the pull replication protocol over SSH.
//
// A peer serves two channel types on one SSH connection. The request
// parameter travels as the channel-open extra data and the response is
// the raw byte stream up to end of stream:
//
//	channel-head  <key>   -> CBOR {r: []} or {r: [head]}
//	blob          <hash>  -> finalized object bytes, empty if absent
//
// The server marks a complete response with an "exit-status" channel
// request (status 0) before closing its side. A stream that ends without
// it was cut short and is reported as dag.ErrTransport.
package replica

const (
	ChannelHeadType = "channel-head"
	BlobType        = "blob"

	exitStatusRequest = "exit-status"

	// maxHeadResponse bounds the size of a channel-head answer.
	maxHeadResponse = 64 << 10
)

type exitStatusMsg struct {
	Status uint32
}

// headResponse always carries r, even when empty.
type headResponse struct {
	Refs []string `cbor:"r"`
}
