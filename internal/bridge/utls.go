package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// utlsDialTLS performs a raw TCP dial followed by a uTLS handshake that
// mimics a real Chrome ClientHello, rather than Go's own recognizable TLS
// fingerprint. Handed to gorilla/websocket's Dialer.NetDialTLSContext, whose
// contract is that the returned conn is already TLS-established.
func utlsDialTLS(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	uConfig := &utls.Config{
		ServerName:         tlsCfg.ServerName,
		InsecureSkipVerify: tlsCfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	uconn := utls.UClient(raw, uConfig, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("utls handshake: %w", err)
	}
	return uconn, nil
}
