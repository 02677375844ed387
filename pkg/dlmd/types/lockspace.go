package types

// Lockspace is a named DLM lockspace tracked by this daemon. Its five
// masks mirror the kernel's own per-lockspace membership bookkeeping
// (original_source/fakedlm.c struct lockspace); they are mutated only
// by the event loop goroutine in pkg/dlmd/core.
type Lockspace struct {
	// Name is the lockspace name, at most LockspaceNameLen bytes.
	Name string

	// GlobalID is the cluster-wide lockspace identifier, a CRC-32 over
	// the lockspace name (pkg/dlmd/crc.GlobalID), written to the
	// lockspace's sysfs id file so every node agrees on the same id.
	GlobalID uint32

	// Minor is the kernel misc-device minor number, recorded from the
	// MINOR=<n> token of the lockspace's add@ uevent. -1 until
	// observed, and reset to -1 when the local node leaves.
	Minor int32

	// Members is the committed membership: the mask the most recent
	// commit installed.
	Members NodeMask

	// Stopping is the set of peers that have sent a STOP_LOCKSPACE and
	// have not yet been answered with LOCKSPACE_STOPPED; the local
	// node's bit means a local kernel stop is in flight.
	Stopping NodeMask

	// Stopped is the set of nodes known to have stopped the lockspace,
	// either locally or via a received LOCKSPACE_STOPPED.
	Stopped NodeMask

	// Joining is the set of nodes with an outstanding JOIN_LOCKSPACE
	// request not yet folded into Members by a commit.
	Joining NodeMask

	// Leaving is the set of nodes with an outstanding LEAVE_LOCKSPACE
	// request not yet folded out of Members by a commit.
	Leaving NodeMask
}

// StoppedEverywhere reports whether every node in connected has
// stopped this lockspace, the precondition lockspace_stopped() checks
// in original_source/fakedlm.c before announcing outstanding
// joins/leaves and running a commit.
func (l *Lockspace) StoppedEverywhere(connected NodeMask) bool {
	return l.Stopped.Contains(connected)
}

// FreeToCommit reports whether no connected node is still mid-stop,
// the precondition update_lockspace() checks in
// original_source/fakedlm.c before committing a join or leave directly
// (as opposed to the stop/restart cycle StoppedEverywhere gates).
func (l *Lockspace) FreeToCommit(connected NodeMask) bool {
	return l.Stopping.Intersect(connected).IsEmpty()
}

// TargetMembers computes the membership mask a commit should install:
// current members, plus everyone joining, minus everyone leaving.
func (l *Lockspace) TargetMembers() NodeMask {
	return l.Members.Union(l.Joining).Minus(l.Leaving)
}
