package weave

import "errors"

var (
	// ErrBadFrame rejects a malformed or truncated update frame as a
	// whole; nothing from it is applied.
	ErrBadFrame = errors.New("malformed update frame")

	// ErrSiteCollision means a remote frame carried writes under this
	// replica's own site id with clocks we never issued. Two live
	// replicas share a site id; the embedding application must assign
	// unique ids.
	ErrSiteCollision = errors.New("site id used by another live replica")

	// ErrClosed is returned by operations on a closed document.
	ErrClosed = errors.New("document is closed")

	// ErrBadHandshake means the first record of a sync connection was
	// not a well-formed handshake.
	ErrBadHandshake = errors.New("bad handshake record")
)
