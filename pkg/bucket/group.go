package bucket

import "fmt"

// Member is one device participating in a [Group], weighted by how often
// it should receive the next replica (spec.md §4.4, "replicas are placed
// round-robin across the devices in a cache set, weighted by device
// size/speed so smaller or slower devices receive proportionally fewer
// writes").
type Member struct {
	Device uint16
	Weight int
	Point  *WritePoint
}

// Group selects devices for replica placement using smooth weighted
// round-robin, the same algorithm widely used for weighted load
// balancing: each pick increases every member's running counter by its
// weight, then returns (and discounts) whichever member has the largest
// counter. Over many picks each member is chosen proportionally to its
// weight, with consecutive picks never clustering on one heavy member.
type Group struct {
	members []*weightedMember
}

type weightedMember struct {
	Member
	current int
}

// NewGroup builds a replica-placement group from a cache set's devices.
func NewGroup(members []Member) (*Group, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("bucket: group requires at least one member")
	}

	g := &Group{members: make([]*weightedMember, len(members))}

	for i, m := range members {
		if m.Weight <= 0 {
			return nil, fmt.Errorf("bucket: member device %d has non-positive weight %d", m.Device, m.Weight)
		}

		g.members[i] = &weightedMember{Member: m}
	}

	return g, nil
}

// Pick returns the next device (and its write point) to receive a
// replica, per smooth weighted round-robin.
func (g *Group) Pick() Member {
	total := 0

	var best *weightedMember

	for _, m := range g.members {
		m.current += m.Weight
		total += m.Weight

		if best == nil || m.current > best.current {
			best = m
		}
	}

	best.current -= total

	return best.Member
}

// PickN returns up to n distinct devices for placing n replicas, in pick
// order, skipping repeats within the same call (spec.md §4.4: "a single
// extent never places two replicas on the same device").
func (g *Group) PickN(n int) []Member {
	if n > len(g.members) {
		n = len(g.members)
	}

	seen := make(map[uint16]bool, n)
	out := make([]Member, 0, n)

	// Bounded by a small multiple of member count. Under heavy weight
	// skew a light member surfaces only about once per sum-of-weights
	// picks, so fewer than n members can be returned.
	maxAttempts := n * (len(g.members) + 1)

	for attempt := 0; len(out) < n && attempt < maxAttempts; attempt++ {
		m := g.Pick()
		if seen[m.Device] {
			continue
		}

		seen[m.Device] = true
		out = append(out, m)
	}

	return out
}

// Members returns a snapshot of the group's configured members.
func (g *Group) Members() []Member {
	out := make([]Member, len(g.members))
	for i, m := range g.members {
		out[i] = m.Member
	}

	return out
}
