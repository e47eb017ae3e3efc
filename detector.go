package main

import "github.com/emersion/go-imap"

// MessageMarker is the high-water mark for one folder: the highest UID
// already handled within the current UIDVALIDITY epoch.
type MessageMarker struct {
	UIDValidity uint32
	LastUID     uint32
}

// NewMessageDetector decides, per mailbox, which server-reported messages
// are genuinely new. It owns the marker; the marker only ever grows within
// an epoch and is reset, never incremented, when UIDVALIDITY changes.
type NewMessageDetector struct {
	ignoreRecent bool
	marker       MessageMarker
}

// Reset starts a new UIDVALIDITY epoch with the given baseline. Messages at
// or below the baseline predate the current watch and are never reported.
func (d *NewMessageDetector) Reset(uidValidity, baselineUID uint32) {
	d.marker = MessageMarker{UIDValidity: uidValidity, LastUID: baselineUID}
}

// Eligible reports whether the message qualifies for a callback: its UID
// must be above the marker, and unless the mailbox ignores the recent flag
// it must carry \Recent.
func (d *NewMessageDetector) Eligible(uid uint32, flags []string) bool {
	if uid <= d.marker.LastUID {
		return false
	}
	if d.ignoreRecent {
		return true
	}
	for _, f := range flags {
		if f == imap.RecentFlag {
			return true
		}
	}
	return false
}

// Advance moves the marker past uid. It never moves backwards.
func (d *NewMessageDetector) Advance(uid uint32) {
	if uid > d.marker.LastUID {
		d.marker.LastUID = uid
	}
}

func (d *NewMessageDetector) Marker() MessageMarker { return d.marker }

func (d *NewMessageDetector) UIDValidity() uint32 { return d.marker.UIDValidity }

func (d *NewMessageDetector) LastUID() uint32 { return d.marker.LastUID }
