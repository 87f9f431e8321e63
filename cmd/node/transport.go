package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

// quicTransport is the node binary's L0: it maps each NodeId to a
// dialable address (statically configured; peer discovery is an
// external coordinator's job) and keeps one QUIC connection per
// neighbor, dialing lazily and reusing live connections. Grounded on
// the teacher-adjacent DarkMagier-envelop PeerManager.getConn/
// SendToPeer pattern, generalized from Envelope/Frame bytes to
// codec.RouteLayerPacket frames.
type quicTransport struct {
	self    nodeid.NodeId
	resolve func(nodeid.NodeId) (string, bool)
	deliver func(codec.RouteLayerPacket)

	tlsConf  *tls.Config
	quicConf *quic.Config

	mu    sync.Mutex
	conns map[nodeid.NodeId]quic.Connection

	log *logrus.Entry
}

func newQUICTransport(self nodeid.NodeId, resolve func(nodeid.NodeId) (string, bool), deliver func(codec.RouteLayerPacket)) (*quicTransport, error) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	return &quicTransport{
		self:     self,
		resolve:  resolve,
		deliver:  deliver,
		tlsConf:  tlsConf,
		quicConf: &quic.Config{MaxIdleTimeout: 3 * time.Minute},
		conns:    make(map[nodeid.NodeId]quic.Connection),
		log:      logrus.WithField("component", "cmd.node.transport").WithField("self", self.ShortHex()),
	}, nil
}

// Listen accepts inbound connections from neighbors and feeds every
// decoded RouteLayerPacket to deliver (ultimately router.Forward).
func (t *quicTransport) Listen(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("node transport: resolve listen address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("node transport: bind udp listener: %w", err)
	}
	listener, err := quic.Listen(udpConn, t.tlsConf, t.quicConf)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("node transport: listen quic: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.log.WithError(err).Warn("accept failed")
			continue
		}
		go t.readLoop(conn)
	}
}

func (t *quicTransport) readLoop(conn quic.Connection) {
	for {
		stream, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go func() {
			pkt, err := decodeRouteLayerPacketStream(stream)
			if err != nil {
				t.log.WithError(err).Debug("failed to decode inbound frame")
				return
			}
			t.deliver(pkt)
		}()
	}
}

// Send implements router.SendFunc: dial-or-reuse the QUIC connection
// for nextHop and write pkt on a fresh uni stream.
func (t *quicTransport) Send(nextHop nodeid.NodeId, pkt codec.RouteLayerPacket) error {
	conn, err := t.getConn(nextHop)
	if err != nil {
		return err
	}
	stream, err := conn.OpenUniStream()
	if err != nil {
		return fmt.Errorf("node transport: open stream to %s: %w", nextHop.ShortHex(), err)
	}
	body, err := codec.EncodeRouteLayerPacket(pkt)
	if err != nil {
		return fmt.Errorf("node transport: encode packet: %w", err)
	}
	if _, err := stream.Write(body); err != nil {
		return fmt.Errorf("node transport: write to %s: %w", nextHop.ShortHex(), err)
	}
	return stream.Close()
}

func (t *quicTransport) getConn(peer nodeid.NodeId) (quic.Connection, error) {
	t.mu.Lock()
	if conn, ok := t.conns[peer]; ok && conn.Context().Err() == nil {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	addr, ok := t.resolve(peer)
	if !ok {
		return nil, fmt.Errorf("node transport: no known address for %s", peer.ShortHex())
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("node transport: resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("node transport: allocate local socket: %w", err)
	}
	conn, err := quic.Dial(context.Background(), udpConn, udpAddr, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("node transport: dial %s: %w", addr, err)
	}

	t.mu.Lock()
	t.conns[peer] = conn
	t.mu.Unlock()
	return conn, nil
}

func decodeRouteLayerPacketStream(stream quic.ReceiveStream) (codec.RouteLayerPacket, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return codec.DecodeRouteLayerPacket(buf)
}

func selfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		NextProtos:   []string{"p2pcore-node"},
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		// Every node mints its own ephemeral cert with no shared CA, so
		// there is no chain for crypto/tls to verify against. Trust is
		// established out of band by the NodeId in the resolve table,
		// not by the cert; a future revision can pin on the peer's
		// NodeId via VerifyPeerCertificate instead of skipping
		// verification outright.
		InsecureSkipVerify: true,
	}, nil
}
