// Package config holds this daemon's static, command-line-derived
// configuration, in the same role pkg/mcast.BaseConfiguration plays for
// NewUnity: a single value, built once at startup, threaded through
// every component instead of read from globals.
package config

import (
	"fmt"

	"github.com/fakedlm/dlmd/pkg/dlmd/definition"
	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// Config is the daemon's resolved startup configuration.
type Config struct {
	// ClusterName identifies this cluster in configfs paths.
	ClusterName string

	// Nodes is the ordered node list from the command line; index i
	// is node id i+1. A Placeholder node occupies a reserved id with
	// no addresses.
	Nodes []*types.Node

	// LocalNode is the single entry of Nodes with Local set.
	LocalNode *types.Node

	// FakedlmPort is the TCP port peers dial for the control protocol.
	FakedlmPort int

	// DLMPort is the port ConfigureDLM reports to configfs as the
	// kernel DLM's own port (tcp_port, written only when it is not the
	// default) and embeds in each node's
	// comms/<id>/addr record; never bound by this daemon itself.
	DLMPort int

	// UseSCTP selects SCTP instead of TCP as the kernel DLM's own
	// transport, written to configfs as the protocol byte. The peer
	// control protocol this daemon speaks to other dlmd instances is
	// always TCP regardless of this setting.
	UseSCTP bool

	// Verbose enables informational logging beyond the default quiet
	// startup/shutdown/membership-change lines.
	Verbose bool

	// Debug enables debug-level logging. It is set once at startup;
	// no signal changes it at runtime.
	Debug bool

	// SysfsRoot and ConfigfsRoot let tests point the FSKernel at a
	// scratch directory instead of the real kernel mount points.
	SysfsRoot   string
	ConfigfsRoot string
}

// Default returns a Config with every field at its documented default,
// and no nodes configured.
func Default() *Config {
	return &Config{
		ClusterName:  definition.DefaultClusterName,
		FakedlmPort:  definition.DefaultFakedlmPort,
		DLMPort:      definition.DefaultDLMPort,
		SysfsRoot:    definition.DefaultSysfsRoot,
		ConfigfsRoot: definition.DefaultConfigfsRoot,
	}
}

// Validate checks the invariants the daemon requires before starting:
// at least one real node, exactly one local node, no duplicate node
// ids, node count within MaxNodes.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: no nodes configured")
	}
	if len(c.Nodes) > types.MaxNodes {
		return fmt.Errorf("config: %d nodes exceeds maximum of %d", len(c.Nodes), types.MaxNodes)
	}

	var local *types.Node
	seen := make(map[types.NodeID]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("config: duplicate node id %d", n.ID)
		}
		seen[n.ID] = true

		if n.Local {
			if local != nil {
				return fmt.Errorf("config: more than one local node (%s and %s)", local.Name, n.Name)
			}
			local = n
		}
	}
	if local == nil {
		return fmt.Errorf("config: no node in the cluster list resolves to a local address")
	}
	c.LocalNode = local
	return nil
}
