package core

import (
	"net"

	"github.com/pkg/errors"

	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// ErrNoLocalNode is returned by ParseNodes when no configured node
// resolves to an address of a local network interface, matching
// original_source/fakedlm.c's parse_nodes() fatal-exit case.
var ErrNoLocalNode = errors.New("none of the specified nodes has a local network address")

// ErrMultipleLocalNodes is returned when more than one configured node
// resolves to a local address, an ambiguity fakedlm.c also rejects.
var ErrMultipleLocalNodes = errors.New("more than one configured node resolves to a local address")

// resolver abstracts address lookup so tests can substitute a fake
// without touching DNS or real network interfaces.
type resolver interface {
	lookup(name string) ([]string, error)
	isLocal(addrs []string) (bool, error)
}

// systemResolver is the production resolver, grounded on
// original_source/addr.c's find_addrs/has_local_addrs.
type systemResolver struct{}

func (systemResolver) lookup(name string) ([]string, error) {
	ips, err := net.LookupIP(name)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", name)
	}
	var out []string
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ip.String())
	}
	return out, nil
}

func (systemResolver) isLocal(addrs []string) (bool, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return false, errors.Wrap(err, "enumerating local network interfaces")
	}
	local := make(map[string]bool, len(ifaceAddrs))
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		local[ipNet.IP.String()] = true
	}
	for _, addr := range addrs {
		if local[addr] {
			return true, nil
		}
	}
	return false, nil
}

// ParseNodes builds the ordered node list from the command line's
// positional arguments, resolving each name's addresses and
// determining which single node is local. A "-" entry reserves its
// node id without producing a reachable node, exactly as
// original_source/fakedlm.c's parse_nodes() treats it.
func ParseNodes(names []string, r resolver) ([]*types.Node, error) {
	if r == nil {
		r = systemResolver{}
	}

	nodes := make([]*types.Node, 0, len(names))
	var local *types.Node

	for i, name := range names {
		id := types.NodeID(i + 1)

		if name == "-" {
			nodes = append(nodes, &types.Node{ID: id, Placeholder: true})
			continue
		}

		addrs, err := r.lookup(name)
		if err != nil {
			return nil, err
		}

		isLocal, err := r.isLocal(addrs)
		if err != nil {
			return nil, err
		}

		n := &types.Node{
			Name:   name,
			ID:     id,
			Addrs:  addrs,
			Weight: 1,
			Local:  isLocal,
		}
		nodes = append(nodes, n)

		if isLocal {
			if local != nil {
				return nil, errors.Wrapf(ErrMultipleLocalNodes, "%s and %s", local.Name, n.Name)
			}
			local = n
		}
	}

	if local == nil {
		return nil, ErrNoLocalNode
	}
	return nodes, nil
}
