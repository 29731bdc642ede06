package doh

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/haukened/pvtdns/internal/dns/domain"
	"github.com/haukened/pvtdns/internal/dns/repos/tickets"
)

// dohPath is the RFC 8484 well-known query path.
const dohPath = "/dns-query"

// QUICDialer establishes DoH sessions over QUIC/HTTP3. It holds the ticket
// store so handshakes after an idle disconnect can resume the previous TLS
// session, and ride 0-RTT when early data is enabled.
type QUICDialer struct {
	tickets *tickets.Store
}

// NewQUICDialer creates the production dialer. store may be nil, which
// disables resumption regardless of DialConfig.
func NewQUICDialer(store *tickets.Store) *QUICDialer {
	return &QUICDialer{tickets: store}
}

func (d *QUICDialer) Dial(ctx context.Context, server domain.ServerAddr, cfg DialConfig) (Session, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{http3.NextProtoH3},
	}
	if cfg.Provider != "" {
		tlsCfg.ServerName = cfg.Provider
	} else {
		tlsCfg.ServerName = server.IP.String()
		tlsCfg.InsecureSkipVerify = true
	}
	if cfg.Resume && d.tickets != nil {
		tlsCfg.ClientSessionCache = d.tickets.ForServer(server)
	}

	quicCfg := &quic.Config{
		MaxIdleTimeout: cfg.IdleTimeout,
		Allow0RTT:      cfg.EarlyData,
	}

	var qconn *quic.Conn
	var err error
	if cfg.EarlyData {
		qconn, err = quic.DialAddrEarly(ctx, server.String(), tlsCfg, quicCfg)
	} else {
		qconn, err = quic.DialAddr(ctx, server.String(), tlsCfg, quicCfg)
	}
	if err != nil {
		return nil, err
	}

	tr := &http3.Transport{TLSClientConfig: tlsCfg, QUICConfig: quicCfg}
	return &quicSession{
		qconn: qconn,
		cc:    tr.NewClientConn(qconn),
		url: &url.URL{
			Scheme: "https",
			Host:   server.String(),
			Path:   dohPath,
		},
	}, nil
}

var _ Dialer = (*QUICDialer)(nil)

// quicSession is one HTTP/3 connection. Each RoundTrip opens its own
// request stream, so queries multiplex without head-of-line blocking at
// the HTTP layer.
type quicSession struct {
	qconn *quic.Conn
	cc    *http3.ClientConn
	url   *url.URL
}

// RoundTrip performs one RFC 8484 POST exchange on a fresh stream. Errors
// are translated to the transport error taxonomy so callers can decide
// between retry and fallback with errors.Is.
func (s *quicSession) RoundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	rs, err := s.cc.OpenRequestStream(ctx)
	if err != nil {
		return nil, classify(ctx, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/dns-message")
	req.Header.Set("accept", "application/dns-message")
	req.ContentLength = int64(len(payload))

	if err := rs.SendRequestHeader(req); err != nil {
		rs.CancelWrite(0)
		return nil, classify(ctx, err)
	}
	if _, err := rs.Write(payload); err != nil {
		rs.CancelWrite(0)
		return nil, classify(ctx, err)
	}
	if err := rs.Close(); err != nil {
		return nil, classify(ctx, err)
	}

	resp, err := rs.ReadResponse()
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: server returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return body, nil
}

func (s *quicSession) Resumed() bool {
	return s.qconn.ConnectionState().TLS.DidResume
}

func (s *quicSession) UsedEarlyData() bool {
	return s.qconn.ConnectionState().Used0RTT
}

// Done is closed when the QUIC connection dies for any reason, including
// the negotiated idle timeout.
func (s *quicSession) Done() <-chan struct{} {
	return s.qconn.Context().Done()
}

func (s *quicSession) Close(reason string) error {
	return s.qconn.CloseWithError(0, reason)
}

var _ Session = (*quicSession)(nil)

// classify maps transport-level failures onto the error taxonomy. A reset
// of a single stream must stay distinguishable from the whole connection
// going away: the former fails one query, the latter triggers a reconnect.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrDeadlineExceeded, err)
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return fmt.Errorf("%w: %v", domain.ErrStreamReset, err)
	}

	// Everything else (application close, idle timeout, a torn socket)
	// means the connection is gone.
	return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
}
