package core

import (
	"fmt"

	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// FakeKernel is an in-memory KernelInterface recording every call, for
// exercising the lockspace commit protocol without a real kernel.
type FakeKernel struct {
	ControlState map[string]byte
	Members      map[string]map[int]int // lockspace -> nodeID -> weight
	EventDone    []string
	Spaces       map[string]bool

	RemoveCalls map[string]int // lockspace -> number of RemoveLockspace calls seen
	RemoveAfter int             // RemoveLockspace succeeds on the RemoveAfter'th call, per lockspace

	Configured  bool
	ClusterName string
	Comms       map[int]string // nodeID -> addr written
	MonitorOpen bool
}

func NewFakeKernel() *FakeKernel {
	return &FakeKernel{
		ControlState: make(map[string]byte),
		Members:      make(map[string]map[int]int),
		Spaces:       make(map[string]bool),
		RemoveCalls:  make(map[string]int),
		RemoveAfter:  1,
		Comms:        make(map[int]string),
	}
}

func (f *FakeKernel) MkdirSpace(name string) error {
	f.Spaces[name] = true
	return nil
}

func (f *FakeKernel) RmdirSpace(name string) error {
	delete(f.Spaces, name)
	return nil
}

func (f *FakeKernel) WriteGlobalID(name string, id uint32) error { return nil }
func (f *FakeKernel) WriteNoDir(name string) error                { return nil }

func (f *FakeKernel) AddConfigNode(lockspace string, nodeID int, weight int) error {
	if f.Members[lockspace] == nil {
		f.Members[lockspace] = make(map[int]int)
	}
	f.Members[lockspace][nodeID] = weight
	return nil
}

func (f *FakeKernel) RemoveConfigNode(lockspace string, nodeID int) error {
	delete(f.Members[lockspace], nodeID)
	return nil
}

func (f *FakeKernel) WriteControl(name string, val byte) error {
	f.ControlState[name] = val
	return nil
}

func (f *FakeKernel) WriteEventDone(name string, status int) error {
	f.EventDone = append(f.EventDone, fmt.Sprintf("%s:%d", name, status))
	return nil
}

// RemoveLockspace models the kernel's per-lockspace refcount: it
// returns ErrRemoveAgain until name has been submitted RemoveAfter
// times, independent of any other lockspace's call count.
func (f *FakeKernel) RemoveLockspace(name string, minor int32, force bool) error {
	f.RemoveCalls[name]++
	if f.RemoveCalls[name] < f.RemoveAfter {
		return ErrRemoveAgain
	}
	return nil
}

func (f *FakeKernel) ConfigureDLM(clusterName string, dlmPort int, useSCTP bool, nodes []*types.Node) error {
	f.Configured = true
	f.ClusterName = clusterName
	for _, n := range nodes {
		if n.Placeholder {
			continue
		}
		if len(n.Addrs) > 0 {
			f.Comms[int(n.ID)] = n.Addrs[0]
		}
	}
	return nil
}

func (f *FakeKernel) RemoveDLM(nodes []*types.Node) error {
	f.Configured = false
	f.Comms = make(map[int]string)
	return nil
}

func (f *FakeKernel) OpenMonitor() error {
	f.MonitorOpen = true
	return nil
}

func (f *FakeKernel) CloseMonitor() error {
	f.MonitorOpen = false
	return nil
}

var _ KernelInterface = (*FakeKernel)(nil)
