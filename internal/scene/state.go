package scene

// State is the delivery state of a scene, derived from the facts in its
// record. It is never stored; Resolve recomputes it on every query so the
// state can not drift from the facts.
type State int

const (
	// StateUnresolved means the catalog never matched the entity ID to a product.
	StateUnresolved State = iota
	// StateUnavailable means the product exists but has no content to deliver.
	StateUnavailable
	// StateAlreadyDelivered means a matching file was found locally before the run.
	StateAlreadyDelivered
	// StateLinkPending means the scene is orderable but no delivery link was granted yet.
	StateLinkPending
	// StateLinkReady means a delivery link was granted and the transfer has not started.
	StateLinkReady
	// StateInProgress means a worker is streaming the file.
	StateInProgress
	// StateComplete means every byte of the file reached disk.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateUnavailable:
		return "unavailable"
	case StateAlreadyDelivered:
		return "already delivered"
	case StateLinkPending:
		return "link pending"
	case StateLinkReady:
		return "link ready"
	case StateInProgress:
		return "downloading"
	case StateComplete:
		return "downloaded"
	}

	return "unknown"
}

// Resolve maps a record to exactly one state. The conditions are checked
// top to bottom and the first match wins; the order is load-bearing. A
// zero-size product is unavailable no matter what else is set, and a
// pre-existing local file wins over a pending link.
func Resolve(r Record) State {
	switch {
	case r.ProductID == "":
		return StateUnresolved
	case r.SizeKnown && r.FileSize == 0:
		return StateUnavailable
	case r.LocalPath != "" && r.DownloadURL == "":
		return StateAlreadyDelivered
	case r.DownloadURL == "":
		return StateLinkPending
	case r.LocalPath == "":
		return StateLinkReady
	case !r.SizeKnown || r.BytesTransferred < r.FileSize:
		return StateInProgress
	default:
		return StateComplete
	}
}
