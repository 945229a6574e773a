// Package metrics tracks process-wide counters for the worker, SOCKS
// engine, and pipe listener, and exports them as a Prometheus text page.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"
)

var (
	packetsSent      int64
	packetsRecv      int64
	bytesSent        int64
	bytesRecv        int64
	activeChannels   int64
	activeClients    int64
	activeSocks      int64
	totalChannels    int64
	connectErrors    int64
	crcErrors        int64
	malformedPackets int64
	startTime        = time.Now()
)

func IncrPacketsSent()         { atomic.AddInt64(&packetsSent, 1) }
func IncrPacketsRecv()         { atomic.AddInt64(&packetsRecv, 1) }
func AddBytesSent(n int64)     { atomic.AddInt64(&bytesSent, n) }
func AddBytesRecv(n int64)     { atomic.AddInt64(&bytesRecv, n) }
func IncrActiveChannels()      { atomic.AddInt64(&activeChannels, 1) }
func DecrActiveChannels()      { atomic.AddInt64(&activeChannels, -1) }
func IncrActiveClients()       { atomic.AddInt64(&activeClients, 1) }
func DecrActiveClients()       { atomic.AddInt64(&activeClients, -1) }
func IncrActiveSocksSessions() { atomic.AddInt64(&activeSocks, 1) }
func DecrActiveSocksSessions() { atomic.AddInt64(&activeSocks, -1) }
func IncrTotalChannels()       { atomic.AddInt64(&totalChannels, 1) }
func IncrConnectError()        { atomic.AddInt64(&connectErrors, 1) }
func IncrCRCError()            { atomic.AddInt64(&crcErrors, 1) }
func IncrMalformedPacket()     { atomic.AddInt64(&malformedPackets, 1) }

// Stats is a point-in-time snapshot of every counter.
type Stats struct {
	Uptime           time.Duration
	PacketsSent      int64
	PacketsRecv      int64
	BytesSent        int64
	BytesRecv        int64
	ActiveChannels   int64
	ActiveClients    int64
	ActiveSocks      int64
	TotalChannels    int64
	ConnectErrors    int64
	CRCErrors        int64
	MalformedPackets int64
}

func GetStats() Stats {
	return Stats{
		Uptime:           time.Since(startTime),
		PacketsSent:      atomic.LoadInt64(&packetsSent),
		PacketsRecv:      atomic.LoadInt64(&packetsRecv),
		BytesSent:        atomic.LoadInt64(&bytesSent),
		BytesRecv:        atomic.LoadInt64(&bytesRecv),
		ActiveChannels:   atomic.LoadInt64(&activeChannels),
		ActiveClients:    atomic.LoadInt64(&activeClients),
		ActiveSocks:      atomic.LoadInt64(&activeSocks),
		TotalChannels:    atomic.LoadInt64(&totalChannels),
		ConnectErrors:    atomic.LoadInt64(&connectErrors),
		CRCErrors:        atomic.LoadInt64(&crcErrors),
		MalformedPackets: atomic.LoadInt64(&malformedPackets),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"Uptime: %v | Clients: %d | Channels: %d/%d | Socks: %d | TX: %d pkts/%s | RX: %d pkts/%s | Errors: crc=%d malformed=%d connect=%d",
		s.Uptime.Round(time.Second),
		s.ActiveClients,
		s.ActiveChannels, s.TotalChannels,
		s.ActiveSocks,
		s.PacketsSent, formatBytes(s.BytesSent),
		s.PacketsRecv, formatBytes(s.BytesRecv),
		s.CRCErrors, s.MalformedPackets, s.ConnectErrors,
	)
}

// ExportPrometheus renders every counter as a Prometheus text-format page.
func ExportPrometheus() string {
	stats := GetStats()
	return fmt.Sprintf(`# HELP rpc2socks_uptime_seconds Server uptime in seconds
# TYPE rpc2socks_uptime_seconds gauge
rpc2socks_uptime_seconds %.0f

# HELP rpc2socks_bytes_sent_total Total bytes sent
# TYPE rpc2socks_bytes_sent_total counter
rpc2socks_bytes_sent_total %d

# HELP rpc2socks_bytes_recv_total Total bytes received
# TYPE rpc2socks_bytes_recv_total counter
rpc2socks_bytes_recv_total %d

# HELP rpc2socks_packets_sent_total Total packets sent
# TYPE rpc2socks_packets_sent_total counter
rpc2socks_packets_sent_total %d

# HELP rpc2socks_packets_recv_total Total packets received
# TYPE rpc2socks_packets_recv_total counter
rpc2socks_packets_recv_total %d

# HELP rpc2socks_active_channels Current number of attached pipe channels
# TYPE rpc2socks_active_channels gauge
rpc2socks_active_channels %d

# HELP rpc2socks_active_clients Current number of distinct clients
# TYPE rpc2socks_active_clients gauge
rpc2socks_active_clients %d

# HELP rpc2socks_active_socks_sessions Current number of open SOCKS sessions
# TYPE rpc2socks_active_socks_sessions gauge
rpc2socks_active_socks_sessions %d

# HELP rpc2socks_total_channels_total Total channels ever attached
# TYPE rpc2socks_total_channels_total counter
rpc2socks_total_channels_total %d

# HELP rpc2socks_connect_errors_total Total outbound connect errors
# TYPE rpc2socks_connect_errors_total counter
rpc2socks_connect_errors_total %d

# HELP rpc2socks_crc_errors_total Total frames dropped for a CRC mismatch
# TYPE rpc2socks_crc_errors_total counter
rpc2socks_crc_errors_total %d

# HELP rpc2socks_malformed_packets_total Total frames dropped as malformed
# TYPE rpc2socks_malformed_packets_total counter
rpc2socks_malformed_packets_total %d
`,
		stats.Uptime.Seconds(),
		stats.BytesSent,
		stats.BytesRecv,
		stats.PacketsSent,
		stats.PacketsRecv,
		stats.ActiveChannels,
		stats.ActiveClients,
		stats.ActiveSocks,
		stats.TotalChannels,
		stats.ConnectErrors,
		stats.CRCErrors,
		stats.MalformedPackets,
	)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Reset zeroes every counter. Used by tests.
func Reset() {
	atomic.StoreInt64(&packetsSent, 0)
	atomic.StoreInt64(&packetsRecv, 0)
	atomic.StoreInt64(&bytesSent, 0)
	atomic.StoreInt64(&bytesRecv, 0)
	atomic.StoreInt64(&activeChannels, 0)
	atomic.StoreInt64(&activeClients, 0)
	atomic.StoreInt64(&activeSocks, 0)
	atomic.StoreInt64(&totalChannels, 0)
	atomic.StoreInt64(&connectErrors, 0)
	atomic.StoreInt64(&crcErrors, 0)
	atomic.StoreInt64(&malformedPackets, 0)
}
