package definition

// Default network and protocol constants, taken verbatim from
// original_source/fakedlm.c (FAKEDLM_PORT, DLM_PORT).
const (
	// DefaultFakedlmPort is the peer-to-peer control protocol's
	// default TCP port.
	DefaultFakedlmPort = 21066

	// DefaultDLMPort is the port fakedlm pretends the kernel DLM
	// listens on; this daemon never actually binds it, it only
	// reports it in configfs.
	DefaultDLMPort = 21064

	// DefaultClusterName is used when no --cluster-name flag is given.
	DefaultClusterName = "fakedlm"

	// DefaultSysfsRoot and DefaultConfigfsRoot are the real kernel
	// mount points this daemon's FSKernel mirrors in simulation.
	DefaultSysfsRoot   = "/sys/kernel/dlm"
	DefaultConfigfsRoot = "/sys/kernel/config/dlm/cluster"
)
