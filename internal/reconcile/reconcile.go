// Package reconcile keeps a session's single view of the shared document.
//
// Every write replaces the whole document: the newest write wins regardless
// of origin. Only local writes are ever broadcast, which keeps a participant
// from re-sending its own edits when the relay echoes them back.
package reconcile

// Origin records who produced the current document text.
type Origin int

const (
	OriginNone Origin = iota
	OriginLocal
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "none"
	}
}

// Reconciler is not safe for concurrent use. A room session owns exactly one
// and only touches it from its event loop.
type Reconciler struct {
	text    string
	origin  Origin
	version uint64
}

func New() *Reconciler {
	return &Reconciler{}
}

// ApplyRemote replaces the document with text received from the room. It
// never asks for a broadcast.
func (r *Reconciler) ApplyRemote(text string) {
	r.set(text, OriginRemote)
}

// ApplyLocal replaces the document with text typed by this participant and
// reports that it must be broadcast. Every local edit is broadcast.
func (r *Reconciler) ApplyLocal(text string) bool {
	r.set(text, OriginLocal)
	return true
}

// Current returns the document text.
func (r *Reconciler) Current() string {
	return r.text
}

// Origin returns who wrote the current text.
func (r *Reconciler) Origin() Origin {
	return r.origin
}

// Version counts applied writes, local and remote.
func (r *Reconciler) Version() uint64 {
	return r.version
}

func (r *Reconciler) set(text string, origin Origin) {
	r.text = text
	r.origin = origin
	r.version++
}
