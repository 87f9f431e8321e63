package relay

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

// Server accepts QUIC connections, attaches each as a relay session,
// and feeds inbound HeartBeat/ShutdownMessage frames to a
// SessionManager. Generalized from the teacher-adjacent
// DarkMagier-envelop netquic.Node accept loop (ListenAndServe /
// handleConn / handleStream), trading its Envelope/Frame union for
// codec.EncodeRelayFrame and trading per-stream Envelope routing for
// per-session heartbeat bookkeeping.
type Server struct {
	Manager *SessionManager

	// ControlPlaneAddr, if set, marks the single remote address whose
	// session is treated as the control-plane link: its heartbeats are
	// observed but do not drive the watchdog.
	ControlPlaneAddr string

	log *logrus.Entry
}

// NewServer constructs a Server bound to an existing SessionManager.
func NewServer(manager *SessionManager) *Server {
	return &Server{
		Manager: manager,
		log:     logrus.WithField("component", "relay.server"),
	}
}

// ListenAndServe binds addr, accepts QUIC connections until ctx is
// canceled, and attaches each as a relay session. It returns nil on a
// graceful ctx cancellation and a non-nil error on bind failure.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("relay: resolve listen address: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("relay: bind udp listener: %w", err)
	}

	tlsConf, err := generateTLSConfig()
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("relay: generate tls config: %w", err)
	}
	quicConf := &quic.Config{MaxIdleTimeout: 3 * time.Minute}

	listener, err := quic.Listen(udpConn, tlsConf, quicConf)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("relay: listen quic: %w", err)
	}

	s.log.WithField("address", addr).Info("relay listening")

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
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn quic.Connection) {
	id := nodeid.NewSessionId()
	session := &quicSession{conn: conn}

	if s.ControlPlaneAddr != "" && conn.RemoteAddr().String() == s.ControlPlaneAddr {
		s.Manager.MarkControlSession(id)
	}
	if err := s.Manager.Attach(id, session); err != nil {
		s.log.WithError(err).WithField("session", id.String()).Warn("failed to attach new session")
		session.Close()
		return
	}

	for {
		stream, err := conn.AcceptUniStream(context.Background())
		if err != nil {
			s.Manager.Remove(id)
			return
		}
		go s.handleStream(id, session, stream)
	}
}

func (s *Server) handleStream(id nodeid.SessionId, session Session, stream quic.ReceiveStream) {
	kind, _, err := codec.DecodeRelayFrame(stream)
	if err != nil && err != io.EOF {
		s.log.WithError(err).WithField("session", id.String()).Debug("failed to decode relay frame")
		return
	}

	switch kind {
	case codec.KindHeartBeat:
		s.Manager.HandleHeartbeat(id, session)
	case codec.KindShutdown:
		s.Manager.HandleShutdown(id)
	default:
		s.log.WithField("session", id.String()).WithField("kind", kind).Debug("ignoring unrecognized relay frame kind")
	}
}

// quicSession adapts a quic.Connection to the Session interface, opening a
// fresh uni-directional stream per outbound frame (the teacher's
// PeerManager.SendToPeer pattern: open, write, close).
type quicSession struct {
	conn quic.Connection
}

func (q *quicSession) SendFrame(kind codec.PayloadKind, body []byte) error {
	stream, err := q.conn.OpenUniStream()
	if err != nil {
		return fmt.Errorf("relay: open uni stream: %w", err)
	}
	if _, err := stream.Write(codec.EncodeRelayFrame(kind, body)); err != nil {
		return fmt.Errorf("relay: write frame: %w", err)
	}
	return stream.Close()
}

func (q *quicSession) Close() error {
	return q.conn.CloseWithError(0, "relay: session closed")
}

// generateTLSConfig builds a self-signed ECDSA certificate, adequate
// for an internal relay link where clients pin the relay's identity
// out of band rather than trusting a public CA.
func generateTLSConfig() (*tls.Config, error) {
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
		NextProtos:   []string{"p2pcore-relay"},
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
	}, nil
}
