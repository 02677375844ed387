package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

func newScratchKernel(t *testing.T) *FSKernel {
	t.Helper()
	root := t.TempDir()
	k := NewFSKernel(filepath.Join(root, "sysfs"), filepath.Join(root, "configfs"))
	k.ControlPath = filepath.Join(root, "dlm-control")
	k.MonitorPath = filepath.Join(root, "dlm-monitor")
	return k
}

func TestConfigureDLMWritesClusterTree(t *testing.T) {
	k := newScratchKernel(t)
	nodes := []*types.Node{
		{Name: "a", ID: 1, Local: true, Addrs: []string{"10.0.0.1"}},
		{Name: "b", ID: 2, Addrs: []string{"10.0.0.2"}},
		{Name: "-", ID: 3, Placeholder: true},
	}

	require.NoError(t, k.ConfigureDLM("mycluster", 21064, true, nodes))

	name, err := os.ReadFile(filepath.Join(k.ConfigfsRoot, "cluster_name"))
	require.NoError(t, err)
	assert.Equal(t, "mycluster", string(name))

	protocol, err := os.ReadFile(filepath.Join(k.ConfigfsRoot, "protocol"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(protocol))

	localFlag, err := os.ReadFile(filepath.Join(k.ConfigfsRoot, "comms", "1", "local"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(localFlag))

	_, err = os.Stat(filepath.Join(k.ConfigfsRoot, "comms", "2", "local"))
	assert.True(t, os.IsNotExist(err), "node 2 is not local, should have no local marker")

	addr, err := os.ReadFile(filepath.Join(k.ConfigfsRoot, "comms", "2", "addr"))
	require.NoError(t, err)
	assert.Len(t, addr, sockaddrStorageLen)

	_, err = os.Stat(filepath.Join(k.ConfigfsRoot, "comms", "3"))
	assert.True(t, os.IsNotExist(err), "placeholder node must not get a comms entry")
}

func TestConfigureDLMOmitsDefaultPortAndProtocol(t *testing.T) {
	k := newScratchKernel(t)
	nodes := []*types.Node{{Name: "a", ID: 1, Local: true, Addrs: []string{"10.0.0.1"}}}

	require.NoError(t, k.ConfigureDLM("fakedlm", 0, false, nodes))

	_, err := os.Stat(filepath.Join(k.ConfigfsRoot, "tcp_port"))
	assert.True(t, os.IsNotExist(err), "tcp_port should only be written when a non-zero port is configured")
	_, err = os.Stat(filepath.Join(k.ConfigfsRoot, "protocol"))
	assert.True(t, os.IsNotExist(err), "protocol should only be written when SCTP is requested")
}

func TestRemoveDLMTearsDownTree(t *testing.T) {
	k := newScratchKernel(t)
	nodes := []*types.Node{
		{Name: "a", ID: 1, Local: true, Addrs: []string{"10.0.0.1"}},
		{Name: "b", ID: 2, Addrs: []string{"10.0.0.2"}},
	}
	require.NoError(t, k.ConfigureDLM("fakedlm", 21064, false, nodes))

	require.NoError(t, k.RemoveDLM(nodes))

	_, err := os.Stat(k.ConfigfsRoot)
	assert.True(t, os.IsNotExist(err), "cluster root should be gone after RemoveDLM")
}

func TestRemoveLockspaceRetriesUntilRefcountDrops(t *testing.T) {
	k := newScratchKernel(t)
	k.RemovalsPerLockspace = 2

	err := k.RemoveLockspace("clvmd", 7, false)
	assert.Equal(t, ErrRemoveAgain, err)

	err = k.RemoveLockspace("clvmd", 7, true)
	assert.NoError(t, err)

	data, err := os.ReadFile(k.ControlPath)
	require.NoError(t, err)
	assert.Len(t, data, len(newRemoveLockspaceRequest(7, false).encode())*2, "expected one request record per submission")
}

func TestOpenMonitorSucceedsWhenDevicePresent(t *testing.T) {
	k := newScratchKernel(t)
	require.NoError(t, os.WriteFile(k.MonitorPath, nil, 0o644))

	require.NoError(t, k.OpenMonitor())
	require.NoError(t, k.CloseMonitor())
}
