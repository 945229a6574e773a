package bridge

import (
	"context"
	"fmt"

	"rpc2socks-go/internal/argo"
	"rpc2socks-go/pkg/config"
	plog "rpc2socks-go/pkg/log"
)

// ExposeViaCloudflare starts a Cloudflare Tunnel fronting the local pipe
// listener on localPort, so the server is reachable from a controller
// without opening an inbound port. Returns the assigned *.trycloudflare.com
// domain once the tunnel is up.
//
// Repurposes the teacher's internal/argo package unchanged: cloudflared
// process management and tunnel lifecycle are domain-agnostic and apply to
// this server's listener exactly as they applied to the teacher's.
func ExposeViaCloudflare(ctx context.Context, cfg config.BridgeConfig, localPort int) (*argo.Tunnel, string, error) {
	binPath, err := argo.EnsureCloudflared(ctx, cfg.CFBinPath, true)
	if err != nil {
		return nil, "", fmt.Errorf("ensure cloudflared: %w", err)
	}

	tunnel := argo.NewTunnel(&argo.TunnelConfig{
		CloudflaredPath: binPath,
		LocalPort:       localPort,
		Protocol:        "http",
	})
	tunnel.OnTunnelClosed = func(err error) {
		plog.Warn("[bridge] cloudflare tunnel closed: %v", err)
	}

	domain, err := tunnel.Start(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("start cloudflare tunnel: %w", err)
	}
	plog.Info("[bridge] cloudflare tunnel up at %s (local port %d)", domain, localPort)
	return tunnel, domain, nil
}
