package core

import (
	"github.com/fakedlm/dlmd/pkg/dlmd/crc"
	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// StopCompletion reports that an asynchronous local control-file stop
// (echo 0 > control) has finished, the Go analogue of
// original_source/fakedlm.c's complete_stop_lockspace callback.
type StopCompletion struct {
	Lockspace string
	Err       error
}

// RemoveCompletion reports the outcome of one kernel lockspace-removal
// request. Err is ErrRemoveAgain when the kernel still holds a
// reference and the request must be resent.
type RemoveCompletion struct {
	Lockspace string
	Err       error
}

// Sender abstracts delivering a message to a node's canonical
// connection; the Daemon supplies this so LockspaceMachine never
// touches connection state directly.
type Sender interface {
	Send(node *types.Node, msg types.Message) bool
}

// LockspaceMachine is the per-daemon collection of tracked lockspaces
// plus the stop/reconfigure/restart commit protocol that drives them,
// grounded line-for-line on original_source/fakedlm.c's
// lockspace_online_uevent/lockspace_offline_uevent/stop_lockspace/
// complete_stop_lockspace/lockspace_stopped/update_lockspace. All
// exported methods are meant to be called only from the daemon's
// single event-loop goroutine; nothing here locks.
type LockspaceMachine struct {
	kernel  KernelInterface
	log     types.Logger
	invoker Invoker
	sender  Sender

	local *types.Node
	nodes []*types.Node

	spaces map[string]*types.Lockspace

	connected types.NodeMask
	all       types.NodeMask

	stopCompletions   chan StopCompletion
	removeCompletions chan RemoveCompletion

	// joined counts lockspaces the local node currently belongs to,
	// original_source/fakedlm.c's joined_lockspaces global, used to
	// decide whether shutdown must wait for releases to complete.
	joined int
}

// JoinedCount returns how many lockspaces the local node currently
// belongs to.
func (m *LockspaceMachine) JoinedCount() int {
	return m.joined
}

// ReleaseAll asks the kernel to drop every lockspace the local node is
// still a member of (release_lockspaces()), used on shutdown.
func (m *LockspaceMachine) ReleaseAll(force bool) {
	for _, ls := range m.spaces {
		if ls.Members.Has(m.local.ID) {
			m.release(ls, force)
		}
	}
}

// NewLockspaceMachine builds an empty LockspaceMachine. stopCompletions
// and removeCompletions are channels the event loop selects on; the
// machine only ever sends on them, never closes them.
func NewLockspaceMachine(kernel KernelInterface, log types.Logger, invoker Invoker, sender Sender, local *types.Node, nodes []*types.Node, all types.NodeMask, stopCompletions chan StopCompletion, removeCompletions chan RemoveCompletion) *LockspaceMachine {
	return &LockspaceMachine{
		kernel:            kernel,
		log:               log,
		invoker:           invoker,
		sender:            sender,
		local:             local,
		nodes:             nodes,
		all:               all,
		spaces:            make(map[string]*types.Lockspace),
		stopCompletions:   stopCompletions,
		removeCompletions: removeCompletions,
	}
}

// SetConnected updates the set of nodes this daemon currently holds an
// open peer connection to. The Daemon calls this on every connection
// establishment or loss.
func (m *LockspaceMachine) SetConnected(connected types.NodeMask) {
	m.connected = connected
}

// Lockspaces returns the tracked lockspace set, keyed by name.
func (m *LockspaceMachine) Lockspaces() map[string]*types.Lockspace {
	return m.spaces
}

func (m *LockspaceMachine) findOrCreate(name string) *types.Lockspace {
	if ls, ok := m.spaces[name]; ok {
		return ls
	}
	ls := &types.Lockspace{
		Name:     name,
		GlobalID: crc.GlobalID(name),
		Minor:    -1,
		Stopped:  m.local.Bit(),
	}
	m.spaces[name] = ls
	m.log.Infof("new lockspace %q [%08x]", name, ls.GlobalID)
	return ls
}

// OnlineUevent handles a DLM_USER_CREATE_LOCKSPACE request: the local
// node wants to join name. Refuses unless connected to every
// configured node (lockspace_online_uevent()).
func (m *LockspaceMachine) OnlineUevent(name string) {
	ls := m.findOrCreate(name)

	if m.connected != m.all {
		missing := m.all.Minus(m.connected)
		m.log.Warnf("not joining lockspace %q: not connected to nodes %v", name, missing)
		m.kernel.WriteEventDone(name, errBusy)
		return
	}
	if ls.Members.Has(m.local.ID) {
		m.log.Warnf("already in lockspace %q", name)
		m.kernel.WriteEventDone(name, 0)
		return
	}

	m.log.Infof("joining lockspace %q", name)
	ls.Joining = ls.Joining.With(m.local.ID)

	sent := false
	for _, n := range m.nodes {
		if n == m.local || n.Placeholder {
			continue
		}
		if m.sender.Send(n, types.Message{Type: types.MsgStopLockspace, Lockspace: name}) {
			sent = true
		}
	}
	if !sent {
		m.commit(ls)
	}
}

// AddDeviceUevent records the kernel minor number assigned to a
// lockspace's newly created control device
// (lockspace_add_device_uevent()).
func (m *LockspaceMachine) AddDeviceUevent(name string, minor int32) {
	if ls, ok := m.spaces[name]; ok {
		ls.Minor = minor
	}
}

// OfflineUevent handles a DLM_USER_REMOVE_LOCKSPACE request: the local
// node wants to leave name (lockspace_offline_uevent()).
func (m *LockspaceMachine) OfflineUevent(name string) {
	ls, ok := m.spaces[name]
	if !ok {
		m.log.Infof("lockspace %q doesn't exist", name)
		return
	}
	if !ls.Members.Has(m.local.ID) {
		m.log.Infof("not in lockspace %q", name)
		return
	}

	m.log.Infof("leaving lockspace %q", name)
	ls.Minor = -1
	ls.Leaving = ls.Leaving.With(m.local.ID)
	ls.Stopped = ls.Stopped.With(m.local.ID)

	sent := false
	if m.connected == m.all {
		for _, n := range m.nodes {
			if n == m.local || n.Placeholder {
				continue
			}
			if m.sender.Send(n, types.Message{Type: types.MsgStopLockspace, Lockspace: name}) {
				sent = true
			}
		}
	}
	if !sent {
		m.commit(ls)
	}
}

// HandleStopRequest processes an inbound MSG_STOP_LOCKSPACE from node
// (proto_stop_lockspace()).
func (m *LockspaceMachine) HandleStopRequest(node *types.Node, name string) {
	ls, ok := m.spaces[name]
	if !ok {
		ls = m.findOrCreate(name)
	}
	ls.Stopping = ls.Stopping.With(node.ID)

	if ls.Stopped.Has(m.local.ID) {
		m.sender.Send(node, types.Message{Type: types.MsgLockspaceStopped, Lockspace: name})
	} else if !ls.Stopping.Has(m.local.ID) {
		m.stopLocally(ls)
	}
}

// HandleStopped processes an inbound MSG_LOCKSPACE_STOPPED from node
// (proto_lockspace_stopped()).
func (m *LockspaceMachine) HandleStopped(node *types.Node, name string) {
	ls, ok := m.spaces[name]
	if !ok {
		return
	}
	ls.Stopped = ls.Stopped.With(node.ID)
	if ls.StoppedEverywhere(m.connected) {
		m.stoppedEverywhere(ls)
	}
}

// HandleJoin processes an inbound MSG_JOIN_LOCKSPACE from node
// (proto_join_lockspace()).
func (m *LockspaceMachine) HandleJoin(node *types.Node, name string) {
	ls, ok := m.spaces[name]
	if !ok {
		return
	}
	if ls.Members.Has(node.ID) {
		m.log.Warnf("node %d already a member of %q", node.ID, name)
		return
	}
	ls.Joining = ls.Joining.With(node.ID)
	ls.Stopping = ls.Stopping.Without(node.ID)
	if ls.FreeToCommit(m.connected) {
		m.commit(ls)
	}
}

// HandleLeave processes an inbound MSG_LEAVE_LOCKSPACE from node
// (proto_leave_lockspace()).
func (m *LockspaceMachine) HandleLeave(node *types.Node, name string) {
	ls, ok := m.spaces[name]
	if !ok {
		return
	}
	if !ls.Members.Has(node.ID) {
		m.log.Warnf("node %d is not a member of %q", node.ID, name)
		return
	}
	ls.Leaving = ls.Leaving.With(node.ID)
	ls.Stopping = ls.Stopping.Without(node.ID)
	if ls.FreeToCommit(m.connected) {
		m.commit(ls)
	}
}

// PeerLost handles the loss of the primary connection to node
// (proto_close()'s cluster-degradation path): in every lockspace,
// joining is cleared and every member other than the local node is
// marked leaving and committed out; lockspaces the local node still
// holds are then force-released.
func (m *LockspaceMachine) PeerLost(node *types.Node) {
	for _, ls := range m.spaces {
		ls.Joining = 0
		ls.Leaving = ls.Members.Without(m.local.ID)
		if !ls.Leaving.IsEmpty() {
			m.commit(ls)
		}
		if ls.Members.Has(m.local.ID) {
			m.release(ls, true)
		}
	}
}

// stopLocally requests the kernel stop a lockspace locally
// (stop_lockspace()): an asynchronous control-file write, reported
// back on stopCompletions.
func (m *LockspaceMachine) stopLocally(ls *types.Lockspace) {
	ls.Stopping = ls.Stopping.With(m.local.ID)
	name := ls.Name
	m.invoker.Spawn(func() {
		err := m.kernel.WriteControl(name, 0)
		m.stopCompletions <- StopCompletion{Lockspace: name, Err: err}
	})
}

// CompleteStop handles the completion of an asynchronous local stop
// (complete_stop_lockspace()).
func (m *LockspaceMachine) CompleteStop(c StopCompletion) {
	ls, ok := m.spaces[c.Lockspace]
	if !ok {
		return
	}
	if c.Err != nil {
		m.log.Errorf("stopping lockspace %q locally: %v", c.Lockspace, c.Err)
	}
	for _, n := range m.nodes {
		if n == m.local || n.Placeholder {
			continue
		}
		if ls.Stopping.Has(n.ID) {
			m.sender.Send(n, types.Message{Type: types.MsgLockspaceStopped, Lockspace: ls.Name})
		}
	}
	ls.Stopping = ls.Stopping.Without(m.local.ID)
	ls.Stopped = ls.Stopped.With(m.local.ID)
	if ls.StoppedEverywhere(m.connected) {
		m.stoppedEverywhere(ls)
	}
}

// stoppedEverywhere handles a lockspace that has now stopped on every
// connected node (lockspace_stopped()): outstanding joins/leaves are
// announced to peers, then the commit runs.
func (m *LockspaceMachine) stoppedEverywhere(ls *types.Lockspace) {
	if ls.Joining.Has(m.local.ID) {
		for _, n := range m.nodes {
			if n == m.local || n.Placeholder {
				continue
			}
			m.sender.Send(n, types.Message{Type: types.MsgJoinLockspace, Lockspace: ls.Name})
			ls.Stopped = ls.Stopped.Without(n.ID)
		}
	}
	if ls.Leaving.Has(m.local.ID) {
		for _, n := range m.nodes {
			if n == m.local || n.Placeholder {
				continue
			}
			m.sender.Send(n, types.Message{Type: types.MsgLeaveLockspace, Lockspace: ls.Name})
			ls.Stopped = ls.Stopped.Without(n.ID)
		}
	}
	m.commit(ls)
}

// commit reconfigures and restarts a lockspace (update_lockspace()):
// the ten-step commit procedure that folds Joining/Leaving into
// Members, edits the configfs node tree, and restarts the kernel
// lockspace locally if the local node remains a member.
func (m *LockspaceMachine) commit(ls *types.Lockspace) {
	var joining, leaving types.NodeMask

	if ls.Joining.Has(m.local.ID) {
		m.kernel.WriteGlobalID(ls.Name, ls.GlobalID)
		if m.local.NoDir {
			m.kernel.WriteNoDir(ls.Name)
		}
		m.kernel.MkdirSpace(ls.Name)
		joining = ls.Members.Union(ls.Joining)
	} else if ls.Members.Has(m.local.ID) {
		joining = ls.Joining
	}

	if ls.Leaving.Has(m.local.ID) {
		leaving = ls.Members.Union(ls.Leaving)
	} else if ls.Members.Has(m.local.ID) {
		leaving = ls.Leaving
	}

	for _, n := range m.nodes {
		if n.Placeholder {
			continue
		}
		if joining.Has(n.ID) {
			m.kernel.AddConfigNode(ls.Name, int(n.ID), n.Weight)
		} else if leaving.Has(n.ID) {
			m.kernel.RemoveConfigNode(ls.Name, int(n.ID))
		}
	}

	if ls.Leaving.Has(m.local.ID) {
		m.kernel.RmdirSpace(ls.Name)
	}

	if ls.Joining.Has(m.local.ID) {
		m.joined++
	}
	if ls.Leaving.Has(m.local.ID) {
		m.joined--
	}

	newMembers := ls.TargetMembers()
	if newMembers.Has(m.local.ID) {
		if err := m.kernel.WriteControl(ls.Name, 1); err != nil {
			m.log.Errorf("restarting lockspace %q: %v", ls.Name, err)
		}
		ls.Stopped = ls.Stopped.Without(m.local.ID)
	}
	if ls.Joining.Union(ls.Leaving).Has(m.local.ID) {
		m.kernel.WriteEventDone(ls.Name, 0)
	}

	ls.Members = newMembers
	ls.Stopping = 0
	ls.Joining = 0
	ls.Leaving = 0
}

// release asks the kernel to drop a lockspace, retrying while the
// kernel's reference count keeps it alive (release_lockspace()).
func (m *LockspaceMachine) release(ls *types.Lockspace, force bool) {
	minor := ls.Minor
	name := ls.Name
	m.invoker.Spawn(func() {
		err := m.kernel.RemoveLockspace(name, minor, force)
		m.removeCompletions <- RemoveCompletion{Lockspace: name, Err: err}
	})
}

// CompleteRemove handles one RemoveLockspace completion
// (complete_release()): retries on ErrRemoveAgain, otherwise the
// lockspace is gone from the kernel's perspective.
func (m *LockspaceMachine) CompleteRemove(c RemoveCompletion) {
	ls, ok := m.spaces[c.Lockspace]
	if !ok {
		return
	}
	if c.Err == ErrRemoveAgain {
		m.release(ls, true)
		return
	}
	if c.Err != nil {
		m.log.Errorf("removing lockspace %q: %v", c.Lockspace, c.Err)
	}
}

// errBusy is the EBUSY errno value fakedlm.c writes to event_done when
// refusing to create a lockspace while disconnected from peers.
const errBusy = 16
