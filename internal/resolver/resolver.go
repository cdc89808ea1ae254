// Package resolver implements the deterministic conflict-resolution rules
// for offline sync. Resolution is a pure function of the two competing
// versions; immutability checks always precede timestamp comparison so a
// signed or locked record can never be displaced by a newer clock value.
package resolver

import (
	"encoding/json"
	"time"

	"github.com/marcus/clinsync/internal/models"
)

// Version is the capability view of one side of a conflict. Local always
// means the device copy and Remote the server copy, regardless of whether
// the resolution happens during a push or a pull.
type Version struct {
	Exists        bool
	ModifiedAt    time.Time
	SignatureHash string
	Locked        bool
	Data          json.RawMessage
}

// Signed reports whether this version carries a signature and is therefore
// permanently immutable.
func (v Version) Signed() bool {
	return v.Exists && v.SignatureHash != ""
}

// Outcome is the resolver's decision.
type Outcome int

const (
	// LocalWins: the device version is kept; the remote version loses.
	LocalWins Outcome = iota
	// RemoteWins: the server version is kept; the device version loses.
	RemoteWins
	// RejectLocal: the device change is rejected outright (immutable or
	// locked on the server side). Never retried.
	RejectLocal
	// RejectRemote: the incoming server change is rejected outright
	// (immutable or locked on the device side). Left unapplied.
	RejectRemote
)

// Resolution is the full result of resolving one conflict.
type Resolution struct {
	Outcome Outcome
	Type    models.ResolutionType
	Reason  string
}

// Rejected reports whether the losing side's write was rejected by an
// immutability rule rather than losing on timestamp.
func (r Resolution) Rejected() bool {
	return r.Outcome == RejectLocal || r.Outcome == RejectRemote
}

// Resolve decides between a local and a remote version of the same entity.
//
// Evaluation order is load-bearing:
//  1. a signed version always wins; the other side is rejected
//  2. a locked version wins; the other side is rejected
//  3. last-write-wins on modification timestamp, ties to the remote
//
// A missing side loses trivially without a conflict.
func Resolve(local, remote Version) Resolution {
	if !remote.Exists {
		return Resolution{
			Outcome: LocalWins,
			Type:    models.ResolutionLastWriteWins,
			Reason:  "no competing remote version",
		}
	}
	if !local.Exists {
		return Resolution{
			Outcome: RemoteWins,
			Type:    models.ResolutionLastWriteWins,
			Reason:  "no competing local version",
		}
	}

	if local.Signed() || remote.Signed() {
		switch {
		case local.Signed() && remote.Signed():
			// Should not normally occur. The server copy is canonical.
			return Resolution{
				Outcome: RejectLocal,
				Type:    models.ResolutionRejectedImmutable,
				Reason:  "both versions signed; server version is authoritative",
			}
		case local.Signed():
			return Resolution{
				Outcome: RejectRemote,
				Type:    models.ResolutionRejectedImmutable,
				Reason:  "local version is signed and immutable",
			}
		default:
			return Resolution{
				Outcome: RejectLocal,
				Type:    models.ResolutionRejectedImmutable,
				Reason:  "remote version is signed and immutable",
			}
		}
	}

	if local.Locked || remote.Locked {
		switch {
		case local.Locked && remote.Locked:
			return Resolution{
				Outcome: RejectLocal,
				Type:    models.ResolutionRejectedLocked,
				Reason:  "both versions locked; server version is authoritative",
			}
		case local.Locked:
			return Resolution{
				Outcome: RejectRemote,
				Type:    models.ResolutionRejectedLocked,
				Reason:  "local version is locked",
			}
		default:
			return Resolution{
				Outcome: RejectLocal,
				Type:    models.ResolutionRejectedLocked,
				Reason:  "remote version is locked",
			}
		}
	}

	// Last-write-wins. Equal timestamps prefer the remote version to keep
	// a single canonical timeline.
	if local.ModifiedAt.After(remote.ModifiedAt) {
		return Resolution{
			Outcome: LocalWins,
			Type:    models.ResolutionLastWriteWins,
			Reason:  "local version is newer",
		}
	}
	return Resolution{
		Outcome: RemoteWins,
		Type:    models.ResolutionLastWriteWins,
		Reason:  "remote version is newer or same age",
	}
}
