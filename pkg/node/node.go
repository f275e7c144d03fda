// Package node wires C1-C12 together into a single running Shinkai
// node: storage, identity, VectorFS, job store/queue, transport, relay,
// network job manager, subscription manager, and WebSocket fan-out,
// plus the periodic pinger task.
package node

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/config"
	"github.com/shinkailabs/shinkai-node/pkg/dqueue"
	"github.com/shinkailabs/shinkai-node/pkg/identity"
	"github.com/shinkailabs/shinkai-node/pkg/jobexec"
	"github.com/shinkailabs/shinkai-node/pkg/jobstore"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/log"
	"github.com/shinkailabs/shinkai-node/pkg/message"
	"github.com/shinkailabs/shinkai-node/pkg/metrics"
	"github.com/shinkailabs/shinkai-node/pkg/netjob"
	"github.com/shinkailabs/shinkai-node/pkg/relay"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
	"github.com/shinkailabs/shinkai-node/pkg/subscription"
	"github.com/shinkailabs/shinkai-node/pkg/transport"
	"github.com/shinkailabs/shinkai-node/pkg/vectorfs"
	"github.com/shinkailabs/shinkai-node/pkg/wsfanout"
)

// Node holds every long-lived component of a running Shinkai node. The
// wiring here is the only place that knows about every package at once;
// component packages import only the sibling packages they build on.
type Node struct {
	Config *config.Config
	Logger zerolog.Logger

	Store    kvstore.Store
	Identity *identity.Registry
	Local    *identity.LocalIdentity
	Reg      *identity.RegistrationManager

	VFS      *vectorfs.VectorFS
	Jobs     *jobstore.Store
	Queue    *dqueue.Queue
	Executor *jobexec.Executor

	Limiter   *transport.Limiter
	Listener  *transport.Listener
	Sender    *transport.Sender
	NetJob    *netjob.Manager
	Relay     *relay.Relay
	Subscribe *subscription.Manager
	WS        *wsfanout.Broker

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a Node from cfg. It does not start any background
// loops or the listener; call Start for that.
func New(cfg *config.Config, router jobexec.InferenceRouter, resolveAgent jobexec.AgentResolver) (*Node, error) {
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	store, err := kvstore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	identityReg, err := identity.NewRegistry(store)
	if err != nil {
		return nil, fmt.Errorf("load identity registry: %w", err)
	}

	nodeName, err := shinkiname.Parse(cfg.NodeName)
	if err != nil {
		return nil, fmt.Errorf("invalid NODE_NAME %q: %w", cfg.NodeName, err)
	}
	local, err := identity.NewLocalIdentity(nodeName)
	if err != nil {
		return nil, fmt.Errorf("generate local identity: %w", err)
	}
	if err := identityReg.Register(local.ToPeerRecord(cfg.ListenAddress)); err != nil {
		return nil, fmt.Errorf("register local identity: %w", err)
	}

	vfs := vectorfs.New(store, log.WithComponent("vectorfs"))
	defaultProfile := nodeName.Profile()
	if defaultProfile == "" {
		defaultProfile = "main"
	}
	if _, err := vfs.EnsureProfile(defaultProfile, nodeName, []string{"default"}, "default"); err != nil {
		return nil, fmt.Errorf("ensure default profile: %w", err)
	}

	jobs := jobstore.New(store, log.WithComponent("jobstore"))
	queue := dqueue.New(store, log.WithComponent("dqueue"))

	executor := jobexec.New(jobs, vfs, nodeName, resolveAgent, nil, nil, router, nil, log.WithComponent("jobexec"))

	limiter := transport.NewLimiter(cfg.MaxConnections, float64(cfg.MaxConnectionsPerIP), cfg.BurstAllowance)
	listener := transport.NewListener(cfg.ListenAddress, limiter, log.WithComponent("transport"))

	n := &Node{
		Config:   cfg,
		Logger:   log.WithComponent("node"),
		Store:    store,
		Identity: identityReg,
		Local:    local,
		Reg:      identity.NewRegistrationManager(),
		VFS:      vfs,
		Jobs:     jobs,
		Queue:    queue,
		Executor: executor,
		Limiter:  limiter,
		Listener: listener,
		Relay:    relay.New(identityReg, log.WithComponent("relay")),
		WS:       wsfanout.New(log.WithComponent("wsfanout")),
		stop:     make(chan struct{}),
	}

	n.Sender = transport.NewSender(n.deliverFrame, time.Second, log.WithComponent("transport.sender"))
	n.NetJob = netjob.New(queue, identityReg, local, cfg.NetworkJobManagerThreads, n.sendAck, log.WithComponent("netjob"))
	n.Subscribe = subscription.New(vfs, defaultProfile, local.NodeName, n.sendFrame, log.WithComponent("subscription"))

	return n, nil
}

// deliverFrame is the outbound byte-level send used by the retry
// scheduler: dial addr directly and write the frame.
func (n *Node) deliverFrame(addr string, payload []byte) error {
	conn, err := transport.Dial(addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	return transport.WriteFrame(conn, transport.Frame{Type: transport.FrameMessage, Payload: payload})
}

// sendFrame resolves to's address via the identity registry and sends
// frame, routing through the relay proxy identity when the peer
// advertises one.
func (n *Node) sendFrame(to shinkiname.ShinkaiName, frame transport.Frame) error {
	peer, err := n.Identity.Resolve(to)
	if err != nil {
		return fmt.Errorf("resolve peer %s: %w", to.NodeName(), err)
	}
	addr := peer.Address
	if peer.ProxyNodeName != "" {
		proxy, err := n.Identity.Resolve(shinkiname.MustParse(peer.ProxyNodeName))
		if err == nil {
			addr = proxy.Address
		}
	}
	conn, err := transport.Dial(addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	return transport.WriteFrame(conn, frame)
}

// sendAck best-effort-acknowledges a successfully dispatched message by
// sending a literal "ACK" TextContent message back to the sender.
func (n *Node) sendAck(to shinkiname.ShinkaiName, forSchema message.Schema) error {
	peer, err := n.Identity.Resolve(to)
	if err != nil {
		return err
	}
	ack := message.Build(message.BuildParams{
		RawContent:    "ACK",
		Schema:        message.SchemaTextContent,
		SenderNode:    n.Local.NodeName.NodeName(),
		RecipientNode: to.NodeName(),
	})
	message.Sign(&ack, n.Local.SigningPrivateKey)
	n.Sender.Send(message.HashForPagination(ack), peer.Address, message.Encode(ack))
	return nil
}

// Start launches the TCP listener, the network job manager worker pool,
// and the periodic pinger. It returns immediately; the listener binds in
// the background and a listen failure is logged, not returned.
func (n *Node) Start() error {
	n.NetJob.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Listener.Serve(n.stop, n.handleConnection); err != nil {
			n.Logger.Error().Err(err).Msg("listener exited")
		}
	}()

	n.wg.Add(1)
	go n.pingLoop()

	return nil
}

// handleConnection reads frames off one admitted inbound connection,
// tagging each by its 1-byte type: FrameMessage goes to the network job
// manager's durable queue. FrameVRPack frames are logged at debug level
// and not passed to the subscription manager.
func (n *Node) handleConnection(conn net.Conn, remoteIP string) {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	reader := bufio.NewReader(conn)
	for {
		frame, err := transport.ReadFrame(reader)
		if err != nil {
			return
		}
		switch frame.Type {
		case transport.FrameMessage:
			if err := n.NetJob.Enqueue(remoteIP, frame.Payload); err != nil {
				n.Logger.Error().Err(err).Msg("enqueue inbound message failed")
			}
		case transport.FrameVRPack:
			n.Logger.Debug().Str("from", remoteIP).Msg("received vrpack frame, awaiting subscription routing")
		}
	}
}

// pingLoop periodically sends a Ping message to every known peer through
// the retry Sender; replies are not tracked. Grounded on the
// teacher's ticker-driven heartbeat loop pattern.
func (n *Node) pingLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.Config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.pingAll()
		}
	}
}

func (n *Node) pingAll() {
	for _, peer := range n.Identity.Peers() {
		if peer.NodeName == n.Local.NodeName.NodeName() {
			continue
		}
		ping := message.Build(message.BuildParams{
			RawContent:    "Ping",
			Schema:        message.SchemaTextContent,
			SenderNode:    n.Local.NodeName.NodeName(),
			RecipientNode: peer.NodeName,
		})
		message.Sign(&ping, n.Local.SigningPrivateKey)
		n.Sender.Send(message.HashForPagination(ping), peer.Address, message.Encode(ping))
	}
}

// Stop halts all background loops, the listener, and closes the store.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		close(n.stop)
	})
	n.NetJob.Stop()
	n.Sender.Stop()
	n.wg.Wait()
	return n.Store.Close()
}
