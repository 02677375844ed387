package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/fakedlm/dlmd/pkg/dlmd/definition"
	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// KernelInterface is everything this daemon asks the kernel DLM to do:
// configfs cluster-tree edits, sysfs control-file writes, and the two
// control-device descriptors (dlm-control, dlm-monitor) held for the
// life of the daemon. original_source/fakedlm.c talks to these through
// mkdirf/rmdirf/printf_pathf helpers (common.c) plus POSIX AIO for the
// control and removal writes, which can block for a long time. Making
// this an interface, rather than calling the filesystem directly from
// the lockspace state machine, is what lets lockspace_test.go exercise
// the commit protocol against an in-memory fake instead of a real
// /sys/kernel/dlm mount.
type KernelInterface interface {
	// MkdirSpace creates the configfs directory for a lockspace.
	MkdirSpace(name string) error
	// RmdirSpace removes it.
	RmdirSpace(name string) error

	// WriteGlobalID writes the lockspace's global id to its sysfs id
	// file.
	WriteGlobalID(name string, id uint32) error
	// WriteNoDir marks a lockspace nodir in sysfs.
	WriteNoDir(name string) error

	// AddConfigNode adds a node's configfs entry under a lockspace,
	// writing its weight only when it differs from 1.
	AddConfigNode(lockspace string, nodeID int, weight int) error
	// RemoveConfigNode removes a node's configfs entry.
	RemoveConfigNode(lockspace string, nodeID int) error

	// WriteControl starts (val=1) or stops (val=0) a lockspace,
	// equivalent to "echo $val > control". This can block while the
	// kernel recovers. The stop (val=0) runs off the event loop
	// goroutine and reports its result on a channel; the restart
	// (val=1) in the commit runs synchronously on the event loop.
	WriteControl(name string, val byte) error

	// WriteEventDone completes a pending online/offline uevent with
	// the given status (0 for success, an errno otherwise).
	WriteEventDone(name string, status int) error

	// RemoveLockspace submits a DLM_USER_REMOVE_LOCKSPACE request for
	// name's minor device. Lockspaces are kernel-refcounted
	// (original_source/fakedlm.c's complete_release comment); the
	// kernel may require more than one request before it actually
	// disappears, signalled by returning ErrRemoveAgain.
	RemoveLockspace(name string, minor int32, force bool) error

	// ConfigureDLM is the one-shot startup step that builds the
	// cluster configfs tree: the cluster root, cluster_name/tcp_port/
	// protocol, and a comms/<id> entry with each node's resolved
	// address (configure_dlm()/configure_node()).
	ConfigureDLM(clusterName string, dlmPort int, useSCTP bool, nodes []*types.Node) error

	// RemoveDLM tears the cluster tree back down at shutdown: every
	// comms/<id> directory, then the cluster root (remove_dlm()).
	RemoveDLM(nodes []*types.Node) error

	// OpenMonitor opens and holds the kernel's dlm-monitor device for
	// the life of the daemon, so the kernel can detect this process's
	// death (monitor_kernel()). Must be called once at startup, after
	// ConfigureDLM.
	OpenMonitor() error

	// CloseMonitor releases the monitor device at shutdown.
	CloseMonitor() error
}

// ErrRemoveAgain is returned by KernelInterface.RemoveLockspace when
// the kernel's reference count has not yet reached zero and the
// request must be repeated.
var ErrRemoveAgain = errors.New("lockspace still referenced, remove again")

// The DLM user device ABI fields original_source/lockspace.c packs
// into struct dlm_write_request before writing to /dev/misc/dlm-control.
const (
	dlmDeviceVersionMajor = 6
	dlmDeviceVersionMinor = 1
	dlmDeviceVersionPatch = 0

	dlmUserRemoveLockspace = 5 // DLM_USER_REMOVE_LOCKSPACE, linux/dlm_device.h's user command enum

	dlmUserLSFlgForceFree = 1 // DLM_USER_LSFLG_FORCEFREE

	is64bit = 1 // this daemon only targets 64-bit hosts
)

// removeLockspaceRequest is the wire layout of a
// DLM_USER_REMOVE_LOCKSPACE control-device write: the version triple,
// command byte, a word-size flag, and the command union carrying the
// target minor and FORCEFREE.
type removeLockspaceRequest struct {
	VersionMajor uint32
	VersionMinor uint32
	VersionPatch uint32
	Cmd          uint8
	Is64Bit      uint8
	_            [2]byte // alignment padding, matches the C struct
	Minor        int32
	Flags        uint32
}

func newRemoveLockspaceRequest(minor int32, force bool) removeLockspaceRequest {
	req := removeLockspaceRequest{
		VersionMajor: dlmDeviceVersionMajor,
		VersionMinor: dlmDeviceVersionMinor,
		VersionPatch: dlmDeviceVersionPatch,
		Cmd:          dlmUserRemoveLockspace,
		Is64Bit:      is64bit,
		Minor:        minor,
	}
	if force {
		req.Flags |= dlmUserLSFlgForceFree
	}
	return req
}

func (r removeLockspaceRequest) encode() []byte {
	buf := &bytes.Buffer{}
	// binary.Write on a struct with only fixed-size fields never
	// errors; the layout above has no variable-size members.
	_ = binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes()
}

// FSKernel is the production KernelInterface, talking to the real (or
// a test scratch-directory) sysfs/configfs trees, the same two mount
// points original_source/common.h's DLM_SYSFS_DIR/CONFIG_DLM_CLUSTER
// name, plus the control and monitor misc-devices.
type FSKernel struct {
	SysfsRoot    string
	ConfigfsRoot string

	// ControlPath and MonitorPath default to the real kernel misc
	// devices; tests point them at scratch files.
	ControlPath string
	MonitorPath string

	// RemovalsPerLockspace is how many RemoveLockspace requests the
	// kernel requires before a lockspace's refcount reaches zero and
	// removal actually completes. Defaults to 1 (removal succeeds on
	// the first request); set higher to model a kernel that is still
	// holding an extra reference, e.g. from its own recovery thread.
	RemovalsPerLockspace int

	refMu    sync.Mutex
	refcount map[string]int

	monitor *os.File
}

func NewFSKernel(sysfsRoot, configfsRoot string) *FSKernel {
	return &FSKernel{
		SysfsRoot:            sysfsRoot,
		ConfigfsRoot:         configfsRoot,
		ControlPath:          "/dev/misc/dlm-control",
		MonitorPath:          "/dev/misc/dlm-monitor",
		RemovalsPerLockspace: 1,
		refcount:             make(map[string]int),
	}
}

func (k *FSKernel) MkdirSpace(name string) error {
	return os.MkdirAll(filepath.Join(k.ConfigfsRoot, "spaces", name), 0o777)
}

func (k *FSKernel) RmdirSpace(name string) error {
	return os.Remove(filepath.Join(k.ConfigfsRoot, "spaces", name))
}

func (k *FSKernel) WriteGlobalID(name string, id uint32) error {
	return writeValue(filepath.Join(k.SysfsRoot, name, "id"), fmt.Sprintf("%d", id))
}

func (k *FSKernel) WriteNoDir(name string) error {
	return writeValue(filepath.Join(k.SysfsRoot, name, "nodir"), "1")
}

func (k *FSKernel) AddConfigNode(lockspace string, nodeID int, weight int) error {
	dir := filepath.Join(k.ConfigfsRoot, "spaces", lockspace, "nodes", fmt.Sprintf("%d", nodeID))
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	if err := writeValue(filepath.Join(dir, "nodeid"), fmt.Sprintf("%d", nodeID)); err != nil {
		return err
	}
	if weight != 1 {
		if err := writeValue(filepath.Join(dir, "weight"), fmt.Sprintf("%d", weight)); err != nil {
			return err
		}
	}
	return nil
}

func (k *FSKernel) RemoveConfigNode(lockspace string, nodeID int) error {
	dir := filepath.Join(k.ConfigfsRoot, "spaces", lockspace, "nodes", fmt.Sprintf("%d", nodeID))
	return os.RemoveAll(dir)
}

func (k *FSKernel) WriteControl(name string, val byte) error {
	return writeValue(filepath.Join(k.SysfsRoot, name, "control"), string(val+'0'))
}

func (k *FSKernel) WriteEventDone(name string, status int) error {
	return writeValue(filepath.Join(k.SysfsRoot, name, "event_done"), fmt.Sprintf("%d", status))
}

// RemoveLockspace builds the DLM_USER_REMOVE_LOCKSPACE request record
// lockspace.c's --remove path constructs and submits it on the
// control device. The kernel's own refcount is simulated with an
// in-memory per-name counter, seeded from RemovalsPerLockspace on the
// first request and decremented on every request, so the
// ErrRemoveAgain retry loop in LockspaceMachine.CompleteRemove is
// genuinely exercised whenever RemovalsPerLockspace is greater than 1.
func (k *FSKernel) RemoveLockspace(name string, minor int32, force bool) error {
	req := newRemoveLockspaceRequest(minor, force)
	if err := appendControlRequest(k.ControlPath, req.encode()); err != nil {
		return errors.Wrapf(err, "submitting REMOVE_LOCKSPACE for %q", name)
	}

	k.refMu.Lock()
	defer k.refMu.Unlock()
	remaining, ok := k.refcount[name]
	if !ok {
		remaining = k.RemovalsPerLockspace
		if remaining < 1 {
			remaining = 1
		}
	}
	remaining--
	if remaining > 0 {
		k.refcount[name] = remaining
		return ErrRemoveAgain
	}
	delete(k.refcount, name)
	return nil
}

// appendControlRequest writes one wire-format request record to the
// control device. The real device is a character device the kernel
// interprets; this daemon has no kernel DLM underneath it, so a
// regular file is appended to instead, preserving the write sequence
// for inspection.
func appendControlRequest(path string, record []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(record)
	return err
}

const sockaddrStorageLen = 128

// ConfigureDLM builds the cluster configfs tree: the cluster root
// (modprobe-ing the dlm module on a non-EEXIST mkdir failure, the
// fallback configure_dlm() takes), cluster_name, tcp_port and
// protocol (written only when they differ from the kernel's own
// defaults, matching configure_dlm()'s "if (dlm_port) / if
// (dlm_protocol != PROTO_TCP)" guards), and one comms/<id> entry per
// node with its resolved address (configure_node()).
func (k *FSKernel) ConfigureDLM(clusterName string, dlmPort int, useSCTP bool, nodes []*types.Node) error {
	if err := os.MkdirAll(k.ConfigfsRoot, 0o777); err != nil {
		if !os.IsExist(err) {
			runModprobe("dlm")
			if err := os.MkdirAll(k.ConfigfsRoot, 0o777); err != nil {
				return errors.Wrap(err, "creating cluster configfs root")
			}
		}
	}

	if err := writeValue(filepath.Join(k.ConfigfsRoot, "cluster_name"), clusterName); err != nil {
		return errors.Wrap(err, "writing cluster_name")
	}
	if dlmPort != 0 && dlmPort != definition.DefaultDLMPort {
		if err := writeValue(filepath.Join(k.ConfigfsRoot, "tcp_port"), fmt.Sprintf("%d", dlmPort)); err != nil {
			return errors.Wrap(err, "writing tcp_port")
		}
	}
	if useSCTP {
		if err := writeValue(filepath.Join(k.ConfigfsRoot, "protocol"), "1"); err != nil {
			return errors.Wrap(err, "writing protocol")
		}
	}

	for _, n := range nodes {
		if n.Placeholder {
			continue
		}
		if err := k.configureComm(n, dlmPort); err != nil {
			return errors.Wrapf(err, "configuring comms entry for node %d", n.ID)
		}
	}
	return nil
}

func (k *FSKernel) configureComm(n *types.Node, dlmPort int) error {
	dir := filepath.Join(k.ConfigfsRoot, "comms", fmt.Sprintf("%d", n.ID))
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return err
	}
	if err := writeValue(filepath.Join(dir, "nodeid"), fmt.Sprintf("%d", n.ID)); err != nil {
		return err
	}
	if n.Local {
		if err := writeValue(filepath.Join(dir, "local"), "1"); err != nil {
			return err
		}
	}
	for _, addr := range n.Addrs {
		record, err := sockaddrRecord(addr, dlmPort)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(dir, "addr"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		_, werr := f.Write(record)
		f.Close()
		if werr != nil {
			return werr
		}
	}
	return nil
}

// sockaddrRecord renders addr as a fixed-width struct sockaddr_storage
// record, the layout configure_node() writes to comms/<id>/addr:
// address family, big-endian port, the raw address bytes, zero-padded
// out to sockaddrStorageLen.
func sockaddrRecord(addr string, port int) ([]byte, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errors.Errorf("unresolvable address %q", addr)
	}

	buf := make([]byte, sockaddrStorageLen)
	if v4 := ip.To4(); v4 != nil {
		binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(buf[2:4], uint16(port))
		copy(buf[4:8], v4)
		return buf, nil
	}
	binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET6)
	binary.BigEndian.PutUint16(buf[2:4], uint16(port))
	copy(buf[8:24], ip.To16())
	return buf, nil
}

// RemoveDLM tears down the cluster configfs tree at shutdown
// (remove_dlm()): every comms/<id> directory, then the cluster root
// itself. Best-effort: the daemon is already on its way out and must
// not get stuck retrying a teardown step.
func (k *FSKernel) RemoveDLM(nodes []*types.Node) error {
	for _, n := range nodes {
		if n.Placeholder {
			continue
		}
		os.RemoveAll(filepath.Join(k.ConfigfsRoot, "comms", fmt.Sprintf("%d", n.ID)))
	}
	err := os.RemoveAll(k.ConfigfsRoot)
	runModprobe("-r", "dlm")
	return err
}

// OpenMonitor opens the dlm-monitor device, retrying with exponential
// backoff the way monitor_kernel()/open_udev_device() do: a first,
// immediate attempt; if that fails because the device node doesn't
// exist yet, a modprobe("dlm") fallback when the cluster configfs root
// is also missing, then a second attempt retried with backoff
// starting at 10ms and doubling, up to a 5 second overall timeout.
func (k *FSKernel) OpenMonitor() error {
	f, err := openWithBackoff(k.MonitorPath, 0)
	if err == nil {
		k.monitor = f
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrapf(err, "opening %s", k.MonitorPath)
	}

	if _, statErr := os.Stat(k.ConfigfsRoot); statErr != nil {
		runModprobe("dlm")
	}

	f, err = openWithBackoff(k.MonitorPath, 5*time.Second)
	if err != nil {
		return errors.Wrapf(err, "opening %s", k.MonitorPath)
	}
	k.monitor = f
	return nil
}

// CloseMonitor releases the monitor device held by OpenMonitor.
func (k *FSKernel) CloseMonitor() error {
	if k.monitor == nil {
		return nil
	}
	err := k.monitor.Close()
	k.monitor = nil
	return err
}

func openWithBackoff(path string, timeout time.Duration) (*os.File, error) {
	step := 10 * time.Millisecond
	f, err := os.Open(path)
	for err != nil && os.IsNotExist(err) && timeout >= step {
		time.Sleep(step)
		timeout -= step
		step *= 2
		f, err = os.Open(path)
	}
	return f, err
}

// runModprobe invokes modprobe with args, the same fork/exec fallback
// original_source/modprobe.c's modprobe() performs before giving up on
// a missing configfs root or device node. Best-effort: a sandboxed or
// unprivileged environment commonly has no dlm kernel module to load,
// and that must not be fatal here since this runs as library code, not
// a standalone CLI tool.
func runModprobe(args ...string) {
	_ = exec.Command("modprobe", args...).Run()
}

func writeValue(path, value string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(value), 0o644)
}

var _ KernelInterface = (*FSKernel)(nil)
