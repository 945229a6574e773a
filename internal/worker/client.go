package worker

import "rpc2socks-go/internal/proto"

// client is one logical controller identified by client_id, attached to up
// to one read-role and one write-role channel. A single duplex channel
// serves both roles for a controller that only opened one connection.
type client struct {
	id proto.ClientID

	chanRead  *channel // channel the worker reads the controller's data from
	chanWrite *channel // channel the worker writes data to the controller on

	socksIDToToken map[proto.SocksID]uint64
	tokenToSocksID map[uint64]proto.SocksID
}

func newClient(id proto.ClientID) *client {
	return &client{
		id:             id,
		socksIDToToken: make(map[proto.SocksID]uint64),
		tokenToSocksID: make(map[uint64]proto.SocksID),
	}
}

// attach records ch in the given role(s), returning false if the role is
// already served by a different channel (a conflicting second channel for
// the same role is a protocol violation).
func (c *client) attach(ch *channel, flags proto.ChannelSetupFlags) bool {
	if flags.Has(proto.ChanSetupRead) {
		if c.chanRead != nil && c.chanRead != ch {
			return false
		}
		c.chanRead = ch
	}
	if flags.Has(proto.ChanSetupWrite) {
		if c.chanWrite != nil && c.chanWrite != ch {
			return false
		}
		c.chanWrite = ch
	}
	return true
}
