// Command dlmd is a user-space stand-in for a kernel DLM control
// daemon, coordinating lockspace membership across a small statically
// configured cluster of peer nodes over a TCP control protocol.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/fakedlm/dlmd/pkg/dlmd/config"
	"github.com/fakedlm/dlmd/pkg/dlmd/core"
	"github.com/fakedlm/dlmd/pkg/dlmd/definition"
	"github.com/fakedlm/dlmd/pkg/dlmd/metrics"
)

var (
	app = kingpin.New("dlmd", "User-space DLM control daemon.")

	clusterName = app.Flag("cluster-name", "Cluster name used in configfs paths.").
			Default(definition.DefaultClusterName).String()
	fakedlmPort = app.Flag("fakedlm-port", "Peer control protocol TCP port.").
			Default(fmt.Sprintf("%d", definition.DefaultFakedlmPort)).Int()
	dlmPort = app.Flag("dlm-port", "Port reported as the kernel DLM's own port.").
		Default(fmt.Sprintf("%d", definition.DefaultDLMPort)).Int()
	useSCTP = app.Flag("sctp", "Use SCTP instead of TCP for the kernel DLM's own transport (the peer control protocol is always TCP).").Bool()
	verbose = app.Flag("verbose", "Log connectivity and protocol traffic.").Short('v').Bool()
	debug   = app.Flag("debug", "Enable debug-level logging.").Bool()
	metricsAddr = app.Flag("metrics-addr", "Address to serve Prometheus metrics on (empty disables).").
			Default("").String()

	nodeNames = app.Arg("node", "Cluster node names, in node-id order. Use \"-\" to reserve an id.").Strings()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := definition.NewDefaultLogger()
	log.ToggleDebug(*debug)

	runID := uuid.New().String()
	log.Infof("starting dlmd, run %s", runID)

	if err := run(log); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(log *definition.DefaultLogger) error {
	cfg := config.Default()
	cfg.ClusterName = *clusterName
	cfg.FakedlmPort = *fakedlmPort
	cfg.DLMPort = *dlmPort
	cfg.UseSCTP = *useSCTP
	cfg.Verbose = *verbose
	cfg.Debug = *debug

	if len(*nodeNames) == 0 {
		kingpin.Usage()
		os.Exit(0)
	}

	nodes, err := core.ParseNodes(*nodeNames, nil)
	if err != nil {
		return errors.Wrap(err, "parsing node list")
	}
	cfg.Nodes = nodes
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "validating configuration")
	}

	printBanner(cfg)

	kernel := core.NewFSKernel(cfg.SysfsRoot, cfg.ConfigfsRoot)
	daemon := core.NewDaemon(cfg, log, kernel)

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		daemon.SetMetrics(m)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	if err := daemon.Start(); err != nil {
		return errors.Wrap(err, "starting daemon")
	}
	daemon.Run()
	daemon.Wait()
	return nil
}

func printBanner(cfg *config.Config) {
	banner := color.New(color.FgCyan, color.Bold)
	banner.Printf("dlmd")
	fmt.Printf(" — cluster %q, %d node(s), local node %q\n", cfg.ClusterName, len(cfg.Nodes), cfg.LocalNode.Name)
}
