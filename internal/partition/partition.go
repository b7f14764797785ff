// Package partition classifies identities into visibility partitions and
// provides the single predicate that decides whether two partitions may see
// each other's traffic.
package partition

// Privilege tiers as stored on an identity. Tier zero is the elevated
// full-account tier; higher values are ordinary members.
const (
	ElevatedTier = 0
	MemberTier   = 1
)

// ReservedKey is the distinguished channel key whose partition bridges with
// the open partition. Elevated identities and reserved-channel identities see
// each other; every other channel key is private to itself.
const ReservedKey = "3.4.12"

// Key identifies one visibility partition. Keys compare by value, so a Key is
// usable directly as a map key.
type Key struct {
	elevated bool
	channel  string
}

// Open is the partition holding every elevated-tier identity.
var Open = Key{elevated: true}

// Of computes the partition for an identity with the given privilege tier and
// channel key. Elevated identities always land in the open partition
// regardless of channel key. A non-elevated identity with no channel key gets
// a partition of its own: it is visible to nobody but itself.
func Of(tier int, channelKey string) Key {
	if tier == ElevatedTier {
		return Open
	}
	return Key{channel: channelKey}
}

// bridged reports whether k participates in the open/reserved bridge.
func (k Key) bridged() bool {
	return k.elevated || k.channel == ReservedKey
}

// Visible reports whether traffic originating in partition a may be delivered
// to partition b. The predicate is symmetric and reflexive; the only
// cross-partition visibility is between the open partition and the reserved
// channel. Callers must evaluate it fresh on every delivery decision, since
// an identity's tier or channel key can change between events.
func Visible(a, b Key) bool {
	if a == b {
		return true
	}
	return a.bridged() && b.bridged()
}

// String renders the key for log lines.
func (k Key) String() string {
	switch {
	case k.elevated:
		return "open"
	case k.channel == "":
		return "unpartitioned"
	default:
		return k.channel
	}
}
