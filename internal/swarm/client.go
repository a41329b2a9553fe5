// Package swarm drives peer-swarm playback of whole rendition files.
package swarm

import (
	"context"

	"swarmplay/internal/media"
)

// JoinRequest describes how to join the swarm of one rendition file.
type JoinRequest struct {
	Locator     string // magnet URI
	TorrentURL  string // .torrent file, used when ByFile is set
	ByFile      bool
	WebSeeds    []string // plain HTTP copies of the file
	Trackers    []string
	ReceiveOnly bool // never upload (cellular)
}

type Stats struct {
	Down  int64 // cumulative bytes received
	Up    int64 // cumulative bytes sent
	Peers int
}

// Download is one joined swarm.
type Download interface {
	File() media.File
	Pause()
	Resume()
	Stats() Stats
	Drop()
}

// Client joins swarms. Join returns once the file metadata is known.
// It fails with types.ErrIncorrectDescriptor when the locator cannot be resolved and with
// types.ErrOriginUnreachable when a file-based descriptor cannot be fetched.
type Client interface {
	Join(ctx context.Context, req JoinRequest) (Download, error)
}
