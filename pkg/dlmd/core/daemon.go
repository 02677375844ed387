package core

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fakedlm/dlmd/pkg/dlmd/config"
	"github.com/fakedlm/dlmd/pkg/dlmd/metrics"
	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

// Daemon is the single event-loop goroutine that owns all daemon
// state: it is the only writer of connTable/connected/the lockspace
// machine, generalizing original_source/fakedlm.c's poll(2)-driven
// event_loop() into a select over channels fed by the Transport,
// kernel completion callbacks, and the uevent listener.
type Daemon struct {
	cfg     *config.Config
	log     types.Logger
	kernel  KernelInterface
	invoker *WaitGroupInvoker

	transport *Transport
	uevents   *UeventListener
	machine   *LockspaceMachine

	nodes []*types.Node
	local *types.Node
	all   types.NodeMask

	connTable map[types.NodeID]net.Conn
	connected types.NodeMask

	shutdownLevel int

	connEvents        chan ConnEvent
	inbound           chan InboundMessage
	ueventCh          chan Uevent
	stopCompletions   chan StopCompletion
	removeCompletions chan RemoveCompletion

	stopped chan struct{}

	// metrics is nil unless SetMetrics is called; every update site
	// guards against a nil metrics so instrumentation stays optional.
	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics set the event loop updates as it
// processes connection and protocol events.
func (d *Daemon) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// NewDaemon wires a Daemon's channels and sub-components together.
// kernel is injectable so tests can pass a FakeKernel.
func NewDaemon(cfg *config.Config, log types.Logger, kernel KernelInterface) *Daemon {
	var all types.NodeMask
	for _, n := range cfg.Nodes {
		if !n.Placeholder {
			all = all.With(n.ID)
		}
	}

	d := &Daemon{
		cfg:               cfg,
		log:               log,
		kernel:            kernel,
		invoker:           NewWaitGroupInvoker(),
		nodes:             cfg.Nodes,
		local:             cfg.LocalNode,
		all:               all,
		connTable:         make(map[types.NodeID]net.Conn),
		connEvents:        make(chan ConnEvent, 32),
		inbound:           make(chan InboundMessage, 32),
		ueventCh:          make(chan Uevent, 32),
		stopCompletions:   make(chan StopCompletion, 8),
		removeCompletions: make(chan RemoveCompletion, 8),
		stopped:           make(chan struct{}),
	}
	d.connected = d.local.Bit()
	d.transport = NewTransport(cfg.FakedlmPort, log, d.invoker, d.connEvents, d.inbound)
	d.machine = NewLockspaceMachine(kernel, log, d.invoker, d, d.local, d.nodes, d.all, d.stopCompletions, d.removeCompletions)
	d.machine.SetConnected(d.connected)
	return d
}

// Send implements Sender for the lockspace machine: it writes msg on
// node's canonical connection, if any.
func (d *Daemon) Send(node *types.Node, msg types.Message) bool {
	conn, ok := d.connTable[node.ID]
	if !ok {
		return false
	}
	if err := Send(conn, msg); err != nil {
		d.log.Warnf("sending %s to node %d: %v", msg.Type, node.ID, err)
		return false
	}
	if d.metrics != nil {
		d.metrics.MessagesSent.WithLabelValues(msg.Type.String()).Inc()
	}
	return true
}

// Start configures the kernel cluster tree, opens the kernel monitor
// device, and begins listening and dialing peers. It must be called
// before Run.
func (d *Daemon) Start() error {
	if err := d.kernel.ConfigureDLM(d.cfg.ClusterName, d.cfg.DLMPort, d.cfg.UseSCTP, d.nodes); err != nil {
		return err
	}
	if err := d.kernel.OpenMonitor(); err != nil {
		return err
	}

	if len(d.nodes) > 1 {
		if err := d.transport.Listen(d.nodes); err != nil {
			return err
		}
		for _, n := range d.nodes {
			if n == d.local || n.Placeholder {
				continue
			}
			d.transport.Dial(n)
		}
	}

	listener, err := NewUeventListener()
	if err != nil {
		d.log.Warnf("uevent listener unavailable: %v", err)
	} else {
		d.uevents = listener
		d.invoker.Spawn(func() { listener.Run(d.ueventCh, d.log) })
	}
	return nil
}

// Run drives the event loop until shutdown completes.
func (d *Daemon) Run() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case ev := <-d.connEvents:
			d.handleConnEvent(ev)
		case m := <-d.inbound:
			d.handleInbound(m)
		case u := <-d.ueventCh:
			d.handleUevent(u)
		case c := <-d.stopCompletions:
			d.machine.CompleteStop(c)
		case c := <-d.removeCompletions:
			d.machine.CompleteRemove(c)
			d.checkShutdownDone()
		case <-sigCh:
			d.handleShutdownSignal()
		case <-d.stopped:
			return
		}
	}
}

func (d *Daemon) handleConnEvent(ev ConnEvent) {
	if ev.Closed {
		if existing, ok := d.connTable[ev.Node.ID]; ok && (ev.Conn == nil || existing == ev.Conn) {
			delete(d.connTable, ev.Node.ID)
			d.setConnected(d.connected.Without(ev.Node.ID))
			d.machine.PeerLost(ev.Node)
		}
		return
	}

	// add_connection(): the first connection to a node becomes
	// canonical; on a race, the lower node id retires the stale one.
	if _, ok := d.connTable[ev.Node.ID]; !ok {
		d.connTable[ev.Node.ID] = ev.Conn
	} else if d.local.ID < ev.Node.ID {
		Send(d.connTable[ev.Node.ID], types.Message{Type: types.MsgClose})
		d.connTable[ev.Node.ID] = ev.Conn
	}
	d.setConnected(d.connected.With(ev.Node.ID))
}

func (d *Daemon) setConnected(mask types.NodeMask) {
	if mask == d.connected {
		return
	}
	old := d.connected
	d.connected = mask
	d.machine.SetConnected(mask)

	if d.cfg.Verbose {
		d.log.Infof("connected nodes: %v", mask)
	}
	if mask == d.all {
		d.log.Info("DLM ready")
	} else if old == d.all {
		d.log.Info("DLM not ready")
	}
	if d.metrics != nil {
		d.metrics.ConnectedNodes.Set(float64(mask.Count()))
	}
}

func (d *Daemon) handleInbound(m InboundMessage) {
	if d.metrics != nil {
		d.metrics.MessagesRecv.WithLabelValues(m.Msg.Type.String()).Inc()
	}
	switch m.Msg.Type {
	case types.MsgClose:
		m.Conn.Close()
		d.connEvents <- ConnEvent{Node: m.Node, Conn: m.Conn, Closed: true}
	case types.MsgStopLockspace:
		d.machine.HandleStopRequest(m.Node, m.Msg.Lockspace)
	case types.MsgLockspaceStopped:
		d.machine.HandleStopped(m.Node, m.Msg.Lockspace)
	case types.MsgJoinLockspace:
		d.machine.HandleJoin(m.Node, m.Msg.Lockspace)
	case types.MsgLeaveLockspace:
		d.machine.HandleLeave(m.Node, m.Msg.Lockspace)
	default:
		d.log.Fatalf("unknown message type %d from node %d", m.Msg.Type, m.Node.ID)
	}
	d.refreshLockspaceMetrics()
}

func (d *Daemon) refreshLockspaceMetrics() {
	if d.metrics == nil {
		return
	}
	d.metrics.Lockspaces.Set(float64(len(d.machine.Lockspaces())))
	d.metrics.JoinedLockspaces.Set(float64(d.machine.JoinedCount()))
}

func (d *Daemon) handleUevent(u Uevent) {
	switch u.Kind {
	case UeventOnline:
		d.machine.OnlineUevent(u.Lockspace)
	case UeventOffline:
		d.machine.OfflineUevent(u.Lockspace)
	case UeventAddDevice:
		d.machine.AddDeviceUevent(u.Lockspace, u.Minor)
	}
	d.refreshLockspaceMetrics()
}

// handleShutdownSignal implements handle_shutdown()'s three-stage
// escalation: the first SIGINT/SIGTERM asks every joined lockspace to
// release gracefully, the second forces it, the third aborts
// immediately without waiting for releases to finish.
func (d *Daemon) handleShutdownSignal() {
	d.shutdownLevel++
	switch d.shutdownLevel {
	case 1:
		d.log.Info("shutting down (press ^C to enforce)")
	case 2:
		d.log.Info("shutting down")
	default:
		d.log.Info("aborting")
	}

	d.closeAllConnections()

	if d.machine.JoinedCount() > 0 && d.shutdownLevel <= 2 {
		d.machine.ReleaseAll(d.shutdownLevel > 1)
	} else {
		d.stop()
	}
}

func (d *Daemon) checkShutdownDone() {
	if d.shutdownLevel > 0 && d.machine.JoinedCount() == 0 {
		d.stop()
	}
}

func (d *Daemon) closeAllConnections() {
	for id, conn := range d.connTable {
		conn.Close()
		delete(d.connTable, id)
	}
	d.setConnected(d.local.Bit())
	if d.transport != nil {
		d.transport.Close()
	}
	if d.uevents != nil {
		d.uevents.Close()
	}
}

// stop tears down the cluster configfs tree and the kernel monitor
// device (remove_dlm()), then signals Run to return. It is safe to
// call more than once.
func (d *Daemon) stop() {
	select {
	case <-d.stopped:
		return
	default:
	}
	if err := d.kernel.RemoveDLM(d.nodes); err != nil {
		d.log.Warnf("removing cluster configuration: %v", err)
	}
	if err := d.kernel.CloseMonitor(); err != nil {
		d.log.Warnf("closing kernel monitor: %v", err)
	}
	close(d.stopped)
}

// Wait blocks until every goroutine the daemon spawned has returned.
func (d *Daemon) Wait() {
	d.invoker.Wait()
}
