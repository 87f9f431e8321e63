package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/config"
	"github.com/groupwire/p2pcore/dispatcher"
	"github.com/groupwire/p2pcore/nodeid"
	"github.com/groupwire/p2pcore/p2pconn"
	"github.com/groupwire/p2pcore/router"
)

var (
	configPath string
	listenAddr string
	peerFlags  []string
	connectTo  string
)

var rootCmd = &cobra.Command{
	Use:   "p2pcore-node",
	Short: "Client node for the p2pcore transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a node config file (optional; env vars override)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "0.0.0.0:0", "local udp address to accept neighbor connections on")
	rootCmd.Flags().StringArrayVar(&peerFlags, "peer", nil, "known neighbor as nodeid=host:port, repeatable")
	rootCmd.Flags().StringVar(&connectTo, "connect", "", "nodeid of a peer to handshake with on startup")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// peerTable is the static nodeid->address map seeded from --peer
// flags. Real peer discovery is the external coordinator's job; this
// binary only exercises the router/dispatcher/p2pconn stack once it
// already knows where its neighbors live.
type peerTable struct {
	mu    sync.RWMutex
	addrs map[nodeid.NodeId]string
}

func newPeerTable() *peerTable {
	return &peerTable{addrs: make(map[nodeid.NodeId]string)}
}

func (p *peerTable) set(id nodeid.NodeId, addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs[id] = addr
}

func (p *peerTable) resolve(id nodeid.NodeId) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addr, ok := p.addrs[id]
	return addr, ok
}

func runNode() error {
	log := logrus.WithField("component", "cmd.node")

	if _, err := config.LoadNodeConfig(configPath); err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}

	self := nodeid.NewNodeId()
	log = log.WithField("self", self.ShortHex())

	table := router.NewRoutingTable()
	peers := newPeerTable()
	for _, spec := range peerFlags {
		id, addr, err := parsePeerFlag(spec)
		if err != nil {
			log.WithError(err).WithField("peer", spec).Error("invalid --peer value")
			return err
		}
		table.SetRoute(id, id)
		peers.set(id, addr)
		log.WithField("peer", id.ShortHex()).WithField("addr", addr).Info("registered static neighbor")
	}

	var r *router.Router
	var disp *dispatcher.Dispatcher
	transport, err := newQUICTransport(self, peers.resolve, func(pkt codec.RouteLayerPacket) { r.Forward(pkt) })
	if err != nil {
		log.WithError(err).Error("failed to build transport")
		return err
	}
	r = router.New(self, table, transport.Send, func(pkt codec.RouteLayerPacket) { disp.HandleInbound(pkt) })
	disp = dispatcher.New(r)
	appDispatch := func(session nodeid.SessionId, peer nodeid.NodeId, payload []byte) {
		log.WithField("peer", peer.ShortHex()).WithField("bytes", len(payload)).Info("received application payload")
	}
	manager := p2pconn.NewManager(disp, appDispatch)
	defer manager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received interrupt, shutting down")
		cancel()
	}()

	if connectTo != "" {
		target, err := nodeid.ParseNodeId(connectTo)
		if err != nil {
			log.WithError(err).Error("invalid --connect nodeid")
			return err
		}
		go func() {
			conn, err := manager.Connect(ctx, target)
			if err != nil {
				log.WithError(err).WithField("peer", target.ShortHex()).Error("handshake failed")
				return
			}
			log.WithField("peer", target.ShortHex()).Info("handshake complete")
			_ = conn.Send([]byte("hello"))
		}()
	}

	if err := transport.Listen(ctx, listenAddr); err != nil {
		log.WithError(err).Error("node transport exited with error")
		return err
	}
	return nil
}

func parsePeerFlag(spec string) (nodeid.NodeId, string, error) {
	for i := range spec {
		if spec[i] == '=' {
			id, err := nodeid.ParseNodeId(spec[:i])
			if err != nil {
				return nodeid.Nil, "", fmt.Errorf("parse nodeid %q: %w", spec[:i], err)
			}
			return id, spec[i+1:], nil
		}
	}
	return nodeid.Nil, "", fmt.Errorf("expected nodeid=host:port, got %q", spec)
}
