package core

import (
	"errors"
	"testing"
)

type fakeResolver struct {
	addrsByName map[string][]string
	localAddr   string
}

func (f *fakeResolver) lookup(name string) ([]string, error) {
	addrs, ok := f.addrsByName[name]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func (f *fakeResolver) isLocal(addrs []string) (bool, error) {
	for _, a := range addrs {
		if a == f.localAddr {
			return true, nil
		}
	}
	return false, nil
}

func TestParseNodesLocalDetection(t *testing.T) {
	r := &fakeResolver{
		addrsByName: map[string][]string{
			"node1": {"10.0.0.1"},
			"node2": {"10.0.0.2"},
			"node3": {"10.0.0.3"},
		},
		localAddr: "10.0.0.2",
	}
	nodes, err := ParseNodes([]string{"node1", "node2", "node3"}, r)
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	if nodes[0].ID != 1 || nodes[1].ID != 2 || nodes[2].ID != 3 {
		t.Fatalf("node ids not assigned by position: %+v", nodes)
	}
	if !nodes[1].Local {
		t.Fatalf("node2 should be local")
	}
	if nodes[0].Local || nodes[2].Local {
		t.Fatalf("only node2 should be local")
	}
}

func TestParseNodesPlaceholderReservesID(t *testing.T) {
	r := &fakeResolver{
		addrsByName: map[string][]string{
			"node1": {"10.0.0.1"},
			"node3": {"10.0.0.3"},
		},
		localAddr: "10.0.0.1",
	}
	nodes, err := ParseNodes([]string{"node1", "-", "node3"}, r)
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 entries including placeholder, got %d", len(nodes))
	}
	if !nodes[1].Placeholder {
		t.Fatalf("middle entry should be a placeholder")
	}
	if nodes[1].ID != 2 {
		t.Fatalf("placeholder should still reserve id 2, got %d", nodes[1].ID)
	}
	if nodes[2].ID != 3 {
		t.Fatalf("node3 should get id 3, got %d", nodes[2].ID)
	}
}

func TestParseNodesNoLocalNode(t *testing.T) {
	r := &fakeResolver{
		addrsByName: map[string][]string{
			"node1": {"10.0.0.1"},
			"node2": {"10.0.0.2"},
		},
		localAddr: "192.168.1.1",
	}
	_, err := ParseNodes([]string{"node1", "node2"}, r)
	if err != ErrNoLocalNode {
		t.Fatalf("expected ErrNoLocalNode, got %v", err)
	}
}

func TestParseNodesMultipleLocalNodes(t *testing.T) {
	r := &fakeResolver{
		addrsByName: map[string][]string{
			"node1": {"10.0.0.9"},
			"node2": {"10.0.0.9"},
		},
		localAddr: "10.0.0.9",
	}
	_, err := ParseNodes([]string{"node1", "node2"}, r)
	if err == nil {
		t.Fatalf("expected an error for ambiguous local node")
	}
}
