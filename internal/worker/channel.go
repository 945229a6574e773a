package worker

import (
	"sync"
	"time"

	"rpc2socks-go/internal/pipe"
	"rpc2socks-go/internal/proto"
)

// channel is one pipe instance attached to the worker: either still
// awaiting its mandatory first OpChannelSetup packet, or attached to a
// client under a (possibly asymmetric) read/write role.
type channel struct {
	inst pipe.Instance

	mu           sync.Mutex
	streamBuf    []byte
	setupDone    bool
	flags        proto.ChannelSetupFlags // server-side role, after inversion
	clientID     proto.ClientID
	lastActivity time.Time
}

func newChannel(inst pipe.Instance) *channel {
	return &channel{inst: inst, lastActivity: time.Now()}
}

func (c *channel) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// canWrite reports whether this channel is configured to carry data from
// the worker to the peer.
func (c *channel) canWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Has(proto.ChanSetupWrite)
}

// send writes packet to the channel's transport instance. bypass skips the
// write-role check, used only for the OpChannelSetupAck reply, which the
// peer expects regardless of which role it declared.
func (c *channel) send(packet []byte, bypass bool) error {
	if !bypass && !c.canWrite() {
		return errChannelNotWritable
	}
	return c.inst.Send(packet)
}
