// Package worker is the multiplexer that owns every attached pipe channel
// and every client, decodes frames off each channel's byte stream, and
// dispatches them by opcode. It is the Go translation of the original
// service's svc_worker: channel/client bookkeeping belongs exclusively to
// this package, exactly as the SOCKS engine's session bookkeeping belongs
// exclusively to internal/socks and the transport's write queues belong
// exclusively to internal/pipe.
//
// The central discipline carried over from the original is that callbacks
// into or out of this package never run with a lock held: a channel's
// OnRecv callback parses as much as it can cheaply, but anything that
// calls into the SOCKS engine (which may itself call back into this
// package) happens after releasing worker.mu.
package worker

import (
	"errors"
	"sync"
	"time"

	"rpc2socks-go/internal/pipe"
	"rpc2socks-go/internal/proto"
	"rpc2socks-go/internal/socks"
	"rpc2socks-go/pkg/config"
	plog "rpc2socks-go/pkg/log"
	"rpc2socks-go/pkg/metrics"
)

var errChannelNotWritable = errors.New("worker: channel not configured for writing")

// Worker multiplexes any number of pipe channels belonging to any number
// of clients over a single SOCKS engine.
type Worker struct {
	cfg    *config.Config
	engine *socks.Engine

	mu            sync.Mutex
	channels      map[string]*channel
	clients       map[proto.ClientID]*client
	tokenToClient map[uint64]proto.ClientID

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg *config.Config) *Worker {
	w := &Worker{
		cfg:           cfg,
		engine:        socks.NewEngine(cfg.SocksConnectTimeout),
		channels:      make(map[string]*channel),
		clients:       make(map[proto.ClientID]*client),
		tokenToClient: make(map[uint64]proto.ClientID),
		stopCh:        make(chan struct{}),
	}
	w.engine.OnResponse = w.onSocksResponse
	w.engine.OnClose = w.onSocksEngineClose
	w.engine.OnDisconnected = w.onSocksDisconnected
	return w
}

// Stop signals a graceful shutdown; callers select on Stopped().
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) Stopped() <-chan struct{} { return w.stopCh }

// Accept is passed to a pipe.Listener as its accept callback.
func (w *Worker) Accept(inst pipe.Instance) pipe.Callbacks {
	ch := newChannel(inst)

	w.mu.Lock()
	w.channels[inst.ID()] = ch
	w.mu.Unlock()

	metrics.IncrActiveChannels()
	metrics.IncrTotalChannels()
	plog.Info("[worker] channel %s connected", inst.ID())

	return pipe.Callbacks{
		OnRecv:         func(data []byte) { w.onRecv(ch, data) },
		OnDisconnected: func(err error) { w.onChannelDisconnected(ch, err) },
	}
}

func (w *Worker) onChannelDisconnected(ch *channel, err error) {
	plog.Info("[worker] channel %s disconnected: %v", ch.inst.ID(), err)
	w.eraseChannel(ch)
	metrics.DecrActiveChannels()
}

func (w *Worker) onRecv(ch *channel, data []byte) {
	ch.touch()
	ch.mu.Lock()
	ch.streamBuf = append(ch.streamBuf, data...)
	ch.mu.Unlock()

	for {
		ch.mu.Lock()
		if len(ch.streamBuf) == 0 {
			ch.mu.Unlock()
			return
		}
		pkt, uid, err := proto.ExtractNextPacket(&ch.streamBuf)
		ch.mu.Unlock()

		switch err {
		case nil:
			w.dispatch(ch, pkt, uid)
			continue
		case proto.ErrIncomplete:
			return
		case proto.ErrGarbage:
			plog.Warn("[worker] channel %s: garbage stream, dropping", ch.inst.ID())
			w.eraseChannel(ch)
			return
		case proto.ErrCRC:
			metrics.IncrCRCError()
			plog.Warn("[worker] channel %s: crc mismatch, dropping channel", ch.inst.ID())
			w.eraseChannel(ch)
			return
		default: // ErrMalformed, ErrTooBig
			metrics.IncrMalformedPacket()
			plog.Warn("[worker] channel %s: %v, dropping channel", ch.inst.ID(), err)
			w.eraseChannel(ch)
			return
		}
	}
}

func (w *Worker) dispatch(ch *channel, pkt []byte, uid uint32) {
	header := proto.ParseHeader(pkt)

	ch.mu.Lock()
	setupDone := ch.setupDone
	ch.mu.Unlock()

	if !setupDone {
		if header.Opcode != proto.OpChannelSetup {
			plog.Warn("[worker] channel %s: first packet was opcode %d, not channel setup", ch.inst.ID(), header.Opcode)
			w.eraseChannel(ch)
			return
		}
		w.processChannelSetup(ch, pkt, uid)
		return
	}

	switch header.Opcode {
	case proto.OpChannelSetup:
		plog.Warn("[worker] channel %s: duplicate channel setup", ch.inst.ID())
		w.eraseChannel(ch)
	case proto.OpChannelSetupAck, proto.OpStatus:
		plog.Warn("[worker] channel %s: unexpected opcode %d from peer", ch.inst.ID(), header.Opcode)
		w.eraseChannel(ch)
	case proto.OpPing:
		w.processPing(ch, uid)
	case proto.OpSocks:
		w.processSocks(ch, pkt)
	case proto.OpSocksClose, proto.OpSocksDisconnected:
		w.processSocksClose(ch, pkt)
	case proto.OpUninstallSelf:
		w.processUninstallSelf(ch)
	default:
		w.replyOrErase(ch, uid, proto.StatusUnsupported)
	}
}

// processChannelSetup implements the role-flag inversion: the connecting
// side's declared Read/Write flags are inverted when recorded against this
// (server) side's client record, so a peer that only declared itself
// read-only is attached here as that client's write channel.
func (w *Worker) processChannelSetup(ch *channel, pkt []byte, uid uint32) {
	peerClientID, peerFlags := proto.ParseChannelSetup(pkt)
	serverFlags := invertRole(peerFlags)

	w.mu.Lock()
	var cl *client
	if peerClientID == proto.InvalidClientID {
		id := proto.GenerateClientID()
		for w.clients[id] != nil {
			id = proto.GenerateClientID()
		}
		cl = newClient(id)
		w.clients[id] = cl
		metrics.IncrActiveClients()
	} else {
		existing, ok := w.clients[peerClientID]
		if !ok {
			// A nonzero client_id the worker has never seen is a protocol
			// violation, not an invitation to create one: only client_id
			// 0 (InvalidClientID) asks the worker to allocate a fresh id.
			w.mu.Unlock()
			plog.Warn("[worker] channel %s: unknown client_id %d on channel setup", ch.inst.ID(), peerClientID)
			w.eraseChannel(ch)
			return
		}
		cl = existing
	}

	if !cl.attach(ch, serverFlags) {
		w.mu.Unlock()
		plog.Warn("[worker] channel %s: role conflict attaching to client %d", ch.inst.ID(), cl.id)
		w.eraseChannel(ch)
		return
	}

	ch.mu.Lock()
	ch.setupDone = true
	ch.flags = serverFlags
	ch.clientID = cl.id
	ch.mu.Unlock()
	w.mu.Unlock()

	// The ack always echoes uid and is sent bypassing the normal
	// write-role check: the peer expects this one reply regardless of
	// which role it declared for this particular channel.
	ack := proto.MakeChannelSetupAck(uid, cl.id)
	if err := ch.send(ack, true); err != nil {
		plog.Warn("[worker] channel %s: failed to send channel setup ack: %v", ch.inst.ID(), err)
	}
}

func invertRole(peer proto.ChannelSetupFlags) proto.ChannelSetupFlags {
	var out proto.ChannelSetupFlags
	if peer.Has(proto.ChanSetupRead) {
		out |= proto.ChanSetupWrite
	}
	if peer.Has(proto.ChanSetupWrite) {
		out |= proto.ChanSetupRead
	}
	return out
}

func (w *Worker) processPing(ch *channel, uid uint32) {
	w.replyOrErase(ch, uid, proto.StatusOK)
}

func (w *Worker) replyOrErase(ch *channel, uid uint32, status proto.Status) {
	wch := w.writeChannelFor(ch)
	if wch == nil {
		w.eraseChannel(ch)
		return
	}
	if err := wch.send(proto.MakeStatus(uid, status), false); err != nil {
		plog.Warn("[worker] channel %s: failed to send status: %v", ch.inst.ID(), err)
	}
}

func (w *Worker) writeChannelFor(ch *channel) *channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	cl := w.clients[ch.clientID]
	if cl == nil {
		return nil
	}
	return cl.chanWrite
}

// processSocks extracts socks_id and the inner SOCKS bytes, allocates a
// fresh SOCKS token on first sight of a given socks_id (never reused
// across clients, enforcing the isolation invariant between controllers),
// then hands the bytes to the engine AFTER releasing the worker lock.
func (w *Worker) processSocks(ch *channel, pkt []byte) {
	socksID, body := proto.ParseSocksHeader(pkt)
	if socksID == proto.InvalidSocksID {
		return // noop, matching the original's invalid_socks_id handling
	}
	if len(body) == 0 {
		// paranoid check: an OpSocks frame must carry a nonempty inner
		// SOCKS payload.
		plog.Warn("[worker] channel %s: empty socks payload for socks_id %d", ch.inst.ID(), socksID)
		w.eraseChannel(ch)
		return
	}

	w.mu.Lock()
	cl := w.clients[ch.clientID]
	if cl == nil {
		w.mu.Unlock()
		w.eraseChannel(ch)
		return
	}
	token, known := cl.socksIDToToken[socksID]
	if !known {
		token = w.engine.CreateClient()
		cl.socksIDToToken[socksID] = token
		cl.tokenToSocksID[token] = socksID
		w.tokenToClient[token] = cl.id
	}
	w.mu.Unlock()

	if err := w.engine.PushRequest(token, body); err != nil {
		plog.Debug("[worker] socks push for token %d: %v", token, err)
	}
}

// processSocksClose replies on the write channel FIRST, then releases the
// lock and disconnects the SOCKS session, the same ordering the original
// uses to avoid a race between this ack and a prompt reconnect on the same
// socks_id.
func (w *Worker) processSocksClose(ch *channel, pkt []byte) {
	socksID, _ := proto.ParseSocksHeader(pkt)

	wch := w.writeChannelFor(ch)
	if wch != nil {
		_ = wch.send(proto.MakeStatus(0, proto.StatusOK), false)
	}

	w.mu.Lock()
	cl := w.clients[ch.clientID]
	var token uint64
	var known bool
	if cl != nil {
		token, known = cl.socksIDToToken[socksID]
	}
	w.mu.Unlock()

	if known {
		w.engine.DisconnectClient(token)
	}
}

func (w *Worker) processUninstallSelf(ch *channel) {
	plog.Info("[worker] channel %s: uninstall requested; triggering shutdown", ch.inst.ID())
	w.Stop()
}

// onSocksResponse is the SOCKS engine's egress path: resolve token back to
// a client and frame the reply on that client's write channel.
func (w *Worker) onSocksResponse(token uint64, data []byte) {
	w.sendSocksFrame(token, func(socksID proto.SocksID) []byte {
		return proto.MakeSocks(socksID, data)
	})
}

func (w *Worker) onSocksEngineClose(token uint64) {
	w.sendSocksFrame(token, func(socksID proto.SocksID) []byte {
		return proto.MakeSocksClose(socksID)
	})
}

func (w *Worker) onSocksDisconnected(token uint64) {
	w.sendSocksFrame(token, func(socksID proto.SocksID) []byte {
		return proto.MakeSocksDisconnected(socksID)
	})
	w.mu.Lock()
	if clientID, ok := w.tokenToClient[token]; ok {
		if cl := w.clients[clientID]; cl != nil {
			if socksID, ok := cl.tokenToSocksID[token]; ok {
				delete(cl.socksIDToToken, socksID)
			}
			delete(cl.tokenToSocksID, token)
		}
		delete(w.tokenToClient, token)
	}
	w.mu.Unlock()
}

func (w *Worker) sendSocksFrame(token uint64, build func(proto.SocksID) []byte) {
	w.mu.Lock()
	clientID, ok := w.tokenToClient[token]
	if !ok {
		w.mu.Unlock()
		w.engine.DisconnectClient(token)
		return
	}
	cl := w.clients[clientID]
	if cl == nil {
		w.mu.Unlock()
		w.engine.DisconnectClient(token)
		return
	}
	socksID, ok := cl.tokenToSocksID[token]
	wch := cl.chanWrite
	w.mu.Unlock()
	if !ok || wch == nil {
		w.engine.DisconnectClient(token)
		return
	}
	if err := wch.send(build(socksID), false); err != nil {
		plog.Debug("[worker] failed to deliver socks frame for token %d: %v", token, err)
	}
}

// eraseChannel tears down ch and, if ch belongs to a client, the client
// wholesale: losing either one of a client's two channels destroys the
// client, mirroring erase_client in the original, which is unconditional
// and run for every channel loss (including a plain disconnect) rather
// than leaving the surviving channel attached to a half-dead client. Lock
// ordering mirrors the original: nothing calling into the SOCKS engine
// happens while worker.mu is held.
func (w *Worker) eraseChannel(ch *channel) {
	ch.inst.Close()

	w.mu.Lock()
	delete(w.channels, ch.inst.ID())
	cl := w.clients[ch.clientID]
	var sibling *channel
	if cl != nil {
		delete(w.clients, cl.id)
		if cl.chanRead != nil && cl.chanRead != ch {
			sibling = cl.chanRead
		} else if cl.chanWrite != nil && cl.chanWrite != ch {
			sibling = cl.chanWrite
		}
		if sibling != nil {
			delete(w.channels, sibling.inst.ID())
		}
		for token := range cl.tokenToSocksID {
			delete(w.tokenToClient, token)
		}
	}
	w.mu.Unlock()

	if sibling != nil {
		sibling.inst.Close()
	}

	if cl != nil {
		for token := range cl.tokenToSocksID {
			w.engine.DisconnectClient(token)
		}
		metrics.DecrActiveClients()
	}
}

// IdleSweep logs channels that have seen no frame for longer than
// cfg.ChannelIdleTimeout; it keeps no metrics counter for them. It never
// closes a channel itself: per the
// protocol, only the controller decides when a channel is done.
func (w *Worker) IdleSweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for id, ch := range w.channels {
		ch.mu.Lock()
		idle := now.Sub(ch.lastActivity)
		ch.mu.Unlock()
		if idle > w.cfg.ChannelIdleTimeout {
			plog.Warn("[worker] channel %s idle for %v", id, idle)
		}
	}
}
