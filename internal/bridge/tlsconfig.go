// Package bridge is an optional outbound transport: instead of (or in
// addition to) listening for pipe connections, this server can dial out to
// a relay endpoint and hand the resulting duplex connection to the worker
// as an ordinary pipe.Instance. This is how the server stays reachable
// from behind NAT or an egress-only network boundary.
//
// Grounded on the teacher's internal/transport/websocket.go Dialer (TLS
// config construction, ECH wiring) and cmd/client/main.go's uTLS fingerprint
// flags, which in the teacher repo select a fingerprint but are never wired
// to an actual dial call — refraction-networking/utls and cloudflare/circl
// sit in go.mod unused. This package is that wiring.
package bridge

import (
	"crypto/tls"

	"rpc2socks-go/internal/ech"
	"rpc2socks-go/pkg/config"
)

// buildTLSConfig constructs the TLS configuration used for the bridge dial,
// preferring ECH when enabled and falling back to plain TLS 1.3 the way the
// teacher's Dialer.buildTLSConfig does on ECH failure.
func buildTLSConfig(cfg config.BridgeConfig, serverName string) (*tls.Config, error) {
	if cfg.EnableECH && !cfg.Insecure {
		if fetcher, err := ech.NewFetcher(cfg.ECHDomain, cfg.ECHDns); err == nil {
			if tlsCfg, err := fetcher.BuildTLSConfig(serverName, cfg.Insecure); err == nil {
				return tlsCfg, nil
			}
		}
		// fall through to plain TLS on ECH failure, same as the teacher.
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ServerName:         serverName,
		InsecureSkipVerify: cfg.Insecure,
	}, nil
}
