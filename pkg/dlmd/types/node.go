package types

// Node is a peer in the statically configured cluster. Node ids are
// assigned by position in the startup node list (1..N); exactly one
// configured node is Local. Connection state is not part of Node: it
// is owned and mutated only by the event loop goroutine in
// pkg/dlmd/core.
type Node struct {
	// Name is the name or address given on the command line.
	Name string

	// ID is this node's position in the startup list, 1-indexed.
	ID NodeID

	// Addrs are the node's resolved, routable addresses (loopback and
	// IPv6 link-local excluded), in resolution order. The first
	// address is the one dialed.
	Addrs []string

	// Weight is the node's DLM vote weight. 1 unless configured
	// otherwise; only written to the lockspace configuration when it
	// differs from 1 (original_source/fakedlm.c update_lockspace()).
	Weight int

	// NoDir marks a node as configured for DLM "nodir" mode.
	NoDir bool

	// Local marks the node whose addresses match a local network
	// interface. Exactly one node in a valid configuration is Local.
	Local bool

	// Placeholder marks a reserved node-id slot from a bare "-"
	// positional argument: the slot consumes a node id but is never
	// reachable and never becomes Local.
	Placeholder bool
}

// Bit returns this node's single-bit NodeMask.
func (n *Node) Bit() NodeMask {
	return NodeBit(n.ID)
}
