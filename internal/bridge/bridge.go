package bridge

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rpc2socks-go/internal/argo"
	"rpc2socks-go/internal/pipe"
	"rpc2socks-go/pkg/config"
	plog "rpc2socks-go/pkg/log"
)

const (
	dialTimeout  = 10 * time.Second
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second

	cfOptimizeTimeout = 5 * time.Second
)

var (
	cfOptimizerOnce sync.Once
	cfOptimizer     *argo.CFOptimizer
)

// optimalDialAddr resolves the address the bridge should dial when
// cfg.UseCFOptimizer is set: a Cloudflare edge IP on the same port as
// u, picked by one-time latency probing. The TLS ServerName built by
// buildTLSConfig still carries u.Hostname(), so the edge IP substitution
// is invisible above the transport layer.
func optimalDialAddr(ctx context.Context, cfg config.BridgeConfig, u *url.URL) string {
	cfOptimizerOnce.Do(func() {
		cfOptimizer = argo.NewCFOptimizer(&argo.CFOptimizerConfig{TestDomain: u.Hostname()})
	})

	ip, _ := cfOptimizer.GetOptimalIP()
	if ip == "" {
		findCtx, cancel := context.WithTimeout(ctx, cfOptimizeTimeout)
		defer cancel()
		found, _, err := cfOptimizer.FindOptimalIP(findCtx)
		if err != nil || found == "" {
			return ""
		}
		ip = found
	}

	port := u.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(ip, port)
}

// Dial performs a single connection attempt to cfg.ServerURL and, on
// success, hands the duplex connection to the worker via accept using the
// same Instance contract pipe.Listener.Serve uses.
func Dial(ctx context.Context, cfg config.BridgeConfig, accept func(pipe.Instance) pipe.Callbacks) (pipe.Instance, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge server url: %w", err)
	}

	tlsCfg, err := buildTLSConfig(cfg, u.Hostname())
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   pipe.ReadBufferSize,
		WriteBufferSize:  pipe.ReadBufferSize,
	}

	// overrideAddr, when non-empty, replaces whatever host:port gorilla
	// derives from cfg.ServerURL at the point each transport actually
	// opens its socket. The TLS ServerName stays u.Hostname() either way.
	var overrideAddr string
	if cfg.UseCFOptimizer {
		if addr := optimalDialAddr(ctx, cfg, u); addr != "" {
			plog.Info("[bridge] dialing optimized cloudflare edge %s for %s", addr, u.Hostname())
			overrideAddr = addr
		} else {
			plog.Warn("[bridge] cloudflare optimizer found no usable edge IP, dialing %s directly", u.Hostname())
		}
	}

	// ECH rides on the standard library's crypto/tls ClientHello
	// extension and isn't something uTLS's fingerprint templates model,
	// so the two are mutually exclusive here: ECH wins when requested,
	// otherwise the dial goes out with a Chrome-shaped fingerprint
	// instead of Go's own recognizable one.
	if cfg.EnableECH {
		dialer.TLSClientConfig = tlsCfg
		if overrideAddr != "" {
			dialer.NetDialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, overrideAddr)
			}
		}
	} else {
		dialer.NetDialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if overrideAddr != "" {
				addr = overrideAddr
			}
			return utlsDialTLS(ctx, network, addr, tlsCfg)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, cfg.ServerURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("bridge dial (http status %d): %w", status, err)
	}

	return pipe.DialInstance(conn, accept), nil
}

// Run keeps a bridge connection alive, reconnecting with exponential
// backoff (capped at reconnectMax) whenever the connection drops, until ctx
// is canceled. Grounded on the teacher's pool reconnect shape, simplified
// to a single connection since the worker already multiplexes many clients
// over one channel pair.
func Run(ctx context.Context, cfg config.BridgeConfig, accept func(pipe.Instance) pipe.Callbacks) {
	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		disconnected := make(chan struct{})
		wrapped := func(inst pipe.Instance) pipe.Callbacks {
			cb := accept(inst)
			orig := cb.OnDisconnected
			cb.OnDisconnected = func(err error) {
				if orig != nil {
					orig(err)
				}
				close(disconnected)
			}
			return cb
		}

		inst, err := Dial(ctx, cfg, wrapped)
		if err != nil {
			plog.Warn("[bridge] dial %s failed: %v", cfg.ServerURL, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = minDuration(backoff*2, reconnectMax)
			continue
		}

		plog.Info("[bridge] connected to %s as instance %s", cfg.ServerURL, inst.ID())
		backoff = reconnectMin

		select {
		case <-disconnected:
		case <-ctx.Done():
			inst.Close()
			return
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
