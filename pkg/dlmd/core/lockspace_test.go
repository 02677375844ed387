package core

import (
	"testing"

	"github.com/fakedlm/dlmd/pkg/dlmd/definition"
	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

type recordingSender struct {
	sent []types.Message
}

func (r *recordingSender) Send(node *types.Node, msg types.Message) bool {
	r.sent = append(r.sent, msg)
	return true
}

func newTestMachine(t *testing.T, nodeCount int) (*LockspaceMachine, *FakeKernel, *recordingSender, []*types.Node) {
	t.Helper()
	nodes := make([]*types.Node, nodeCount)
	for i := range nodes {
		nodes[i] = &types.Node{Name: "n", ID: types.NodeID(i + 1), Weight: 1}
	}
	nodes[0].Local = true
	local := nodes[0]

	var all types.NodeMask
	for _, n := range nodes {
		all = all.With(n.ID)
	}

	kernel := NewFakeKernel()
	sender := &recordingSender{}
	stopC := make(chan StopCompletion, 8)
	removeC := make(chan RemoveCompletion, 8)
	log := definition.NewDefaultLogger()

	m := NewLockspaceMachine(kernel, log, NewWaitGroupInvoker(), sender, local, nodes, all, stopC, removeC)
	return m, kernel, sender, nodes
}

func TestOnlineUevent_RefusesWhenNotFullyConnected(t *testing.T) {
	m, kernel, _, nodes := newTestMachine(t, 3)
	m.SetConnected(nodes[0].Bit())

	m.OnlineUevent("clvmd")

	if len(kernel.EventDone) != 1 {
		t.Fatalf("expected one event_done write, got %v", kernel.EventDone)
	}
}

func TestOnlineUevent_SingleNodeCommitsImmediately(t *testing.T) {
	m, kernel, _, nodes := newTestMachine(t, 1)
	m.SetConnected(nodes[0].Bit())

	m.OnlineUevent("clvmd")

	ls := m.Lockspaces()["clvmd"]
	if ls == nil {
		t.Fatalf("lockspace not created")
	}
	if !ls.Members.Has(nodes[0].ID) {
		t.Fatalf("local node should be a member after single-node commit, got %v", ls.Members)
	}
	if kernel.ControlState["clvmd"] != 1 {
		t.Fatalf("expected control file started, got %v", kernel.ControlState)
	}
}

func TestOnlineUevent_MultiNodeSendsStopToPeers(t *testing.T) {
	m, _, sender, nodes := newTestMachine(t, 3)
	m.SetConnected(nodes[0].Bit().Union(nodes[1].Bit()).Union(nodes[2].Bit()))

	m.OnlineUevent("clvmd")

	if len(sender.sent) != 2 {
		t.Fatalf("expected STOP_LOCKSPACE sent to the two peers, got %d messages", len(sender.sent))
	}
	for _, msg := range sender.sent {
		if msg.Type != types.MsgStopLockspace {
			t.Fatalf("expected MsgStopLockspace, got %v", msg.Type)
		}
	}
}

func TestFullJoinCommitCycle(t *testing.T) {
	m, kernel, sender, nodes := newTestMachine(t, 2)
	all := nodes[0].Bit().Union(nodes[1].Bit())
	m.SetConnected(all)

	m.OnlineUevent("clvmd")
	sender.sent = nil

	ls := m.Lockspaces()["clvmd"]
	m.HandleStopped(nodes[1], "clvmd")

	if !ls.Stopped.IsEmpty() {
		t.Fatalf("expected the commit to restart the lockspace and clear every stopped bit, got %v", ls.Stopped)
	}
	if len(sender.sent) != 1 || sender.sent[0].Type != types.MsgJoinLockspace {
		t.Fatalf("expected a single MSG_JOIN_LOCKSPACE sent, got %+v", sender.sent)
	}
	if !ls.Members.Has(nodes[0].ID) {
		t.Fatalf("local node should now be a member, got %v", ls.Members)
	}
	if kernel.Members["clvmd"][int(nodes[0].ID)] != 1 {
		t.Fatalf("expected local node's configfs entry created")
	}
}

func TestHandleStopRequest_AlreadyStoppedRepliesImmediately(t *testing.T) {
	m, _, sender, nodes := newTestMachine(t, 2)
	ls := m.findOrCreate("clvmd")
	ls.Stopped = ls.Stopped.With(nodes[0].ID)

	m.HandleStopRequest(nodes[1], "clvmd")

	if len(sender.sent) != 1 || sender.sent[0].Type != types.MsgLockspaceStopped {
		t.Fatalf("expected immediate LOCKSPACE_STOPPED reply, got %+v", sender.sent)
	}
}

func TestPeerLostReleasesMembership(t *testing.T) {
	m, kernel, _, nodes := newTestMachine(t, 2)
	ls := m.findOrCreate("clvmd")
	ls.Members = ls.Members.With(nodes[0].ID).With(nodes[1].ID)
	ls.Minor = 7
	kernel.RemoveAfter = 1

	m.PeerLost(nodes[1])

	if !ls.Leaving.IsEmpty() {
		t.Fatalf("commit should have drained Leaving by the time PeerLost returns, got %v", ls.Leaving)
	}
}

// TestCompleteRemove_RetriesUntilRefcountDrops drives release() through
// several ErrRemoveAgain completions, exercising the resubmit loop
// that models a kernel still holding a reference on a lockspace.
func TestCompleteRemove_RetriesUntilRefcountDrops(t *testing.T) {
	m, kernel, _, _ := newTestMachine(t, 1)
	ls := m.findOrCreate("clvmd")
	ls.Minor = 3
	kernel.RemoveAfter = 3

	m.release(ls, false)
	first := <-m.removeCompletions
	if first.Err != ErrRemoveAgain {
		t.Fatalf("expected ErrRemoveAgain on first removal, got %v", first.Err)
	}
	m.CompleteRemove(first)

	second := <-m.removeCompletions
	if second.Err != ErrRemoveAgain {
		t.Fatalf("expected ErrRemoveAgain on second removal, got %v", second.Err)
	}
	m.CompleteRemove(second)

	third := <-m.removeCompletions
	if third.Err != nil {
		t.Fatalf("expected removal to finally succeed, got %v", third.Err)
	}
	m.CompleteRemove(third)

	if kernel.RemoveCalls["clvmd"] != 3 {
		t.Fatalf("expected exactly 3 RemoveLockspace calls, got %d", kernel.RemoveCalls["clvmd"])
	}
}
