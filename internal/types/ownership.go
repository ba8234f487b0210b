// SPDX-License-Identifier: MIT

package types

// OwnershipState tags library entities by how they entered the library.
// Only owned entities participate in the download lifecycle.
type OwnershipState string

const (
	OwnershipOwned      OwnershipState = "owned"
	OwnershipDiscovered OwnershipState = "discovered"
	OwnershipIgnored    OwnershipState = "ignored"
)

func (s OwnershipState) IsValid() bool {
	switch s {
	case OwnershipOwned, OwnershipDiscovered, OwnershipIgnored:
		return true
	default:
		return false
	}
}

// TrackDownloadState parallels DownloadStatus on the track row itself.
type TrackDownloadState string

const (
	TrackNotNeeded   TrackDownloadState = "not_needed"
	TrackPending     TrackDownloadState = "pending"
	TrackDownloading TrackDownloadState = "downloading"
	TrackDownloaded  TrackDownloadState = "downloaded"
	TrackFailed      TrackDownloadState = "failed"
)

func (s TrackDownloadState) IsValid() bool {
	switch s {
	case TrackNotNeeded, TrackPending, TrackDownloading, TrackDownloaded, TrackFailed:
		return true
	default:
		return false
	}
}

// BlocklistScope selects what a blocklist entry matches on.
type BlocklistScope string

const (
	// BlocklistScopeUsername blocks every file offered by a peer.
	BlocklistScopeUsername BlocklistScope = "username"

	// BlocklistScopeFilepath blocks a remote path regardless of peer.
	BlocklistScopeFilepath BlocklistScope = "filepath"

	// BlocklistScopeSpecific blocks one (username, filepath) pair.
	BlocklistScopeSpecific BlocklistScope = "specific"
)

func (s BlocklistScope) IsValid() bool {
	switch s {
	case BlocklistScopeUsername, BlocklistScopeFilepath, BlocklistScopeSpecific:
		return true
	default:
		return false
	}
}
