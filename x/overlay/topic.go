package overlay

// Topic names a gossip channel. Every subscriber to a Topic receives every
// signed Envelope published on it (spec.md §6).
type Topic string

const (
	// Networking carries Multiaddr announcements so peers dial each other
	// on join (spec.md §4.4 dial-on-subscribe discovery).
	Networking Topic = "/networking"
	// Market carries job publication and the bid auction.
	Market Topic = "/market"
	// Delegation carries the winning bid and the finished-proof announcement.
	Delegation Topic = "/delegation"
)

func (t Topic) String() string { return string(t) }
