// Package broker implements a minimal local MQTT 3.1.1 broker that stands
// between downstream clients (dashboards, automations, anything speaking
// MQTT on the local network) and the single upstream session to the
// printer. It supports QoS-0 fan-out, best-effort QoS-1 PUBACK, and the
// small set of packet types a well-behaved MQTT client needs.
package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	maxClients = 20

	// reportTopicSuffix marks topics that are always owned by the upstream
	// session and never unsubscribed on its behalf, even if every
	// downstream client drops its subscription.
	reportTopicSuffix = "/report"

	preConnectReadTimeout = 30 * time.Second
)

// Upstream is the C2 collaborator the broker forwards downstream PUBLISH
// traffic to.
type Upstream interface {
	Publish(msg map[string]any) error
}

// SubscriptionSink receives notice when a downstream client adds or removes
// interest in a topic filter, for an owner that wants to track the union of
// outstanding filters (most deployments just hard-wire the report topic and
// can pass nil).
type SubscriptionSink interface {
	SubscribeUpstream(filter string)
	UnsubscribeUpstream(filter string)
}

// Broker owns the client set and listener for the local MQTT endpoint.
type Broker struct {
	upstream Upstream
	sink     SubscriptionSink

	limiter *rate.Limiter

	mu          sync.Mutex
	clientsByID map[string]*client
}

// New builds a Broker that forwards downstream publishes to upstream and
// reports subscription-set changes to sink. sink may be nil.
func New(upstream Upstream, sink SubscriptionSink) *Broker {
	return &Broker{
		upstream:    upstream,
		sink:        sink,
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		clientsByID: make(map[string]*client),
	}
}

// Serve accepts connections on ln until ctx is cancelled or the listener is
// closed. It's meant to be run from an engine.Proc wrapper that also closes
// ln when ctx is done.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		if err := b.limiter.Wait(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if b.clientCount() >= maxClients {
			conn.Close()
			continue
		}

		go b.serveConn(ctx, conn)
	}
}

func (b *Broker) clientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clientsByID)
}

// serveConn owns one downstream connection end to end: pre-CONNECT timeout,
// CONNECT/CONNACK handshake, registration (with session takeover), and the
// blocking packet-read loop.
func (b *Broker) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(preConnectReadTimeout))
	r := bufio.NewReader(conn)

	hdr, err := readFixedHeader(r)
	if err != nil {
		return
	}
	body, err := readPayload(r, hdr.remaining)
	if err != nil {
		return
	}
	if hdr.packetType != pktConnect {
		return
	}

	connect, err := parseConnect(body)
	if err != nil {
		return
	}

	readTimeout := 30 * time.Second
	if connect.keepalive > 0 {
		readTimeout = time.Duration(float64(connect.keepalive)*1.5)*time.Second + 10*time.Second
	}

	c := &client{
		id:   connect.clientID,
		conn: conn,
	}
	if c.id == "" {
		c.id = uuid.NewString() // CONNECT omitted a client id; synthesize one
	}

	// CONNACK must land before the client is registered, so it can never
	// observe a routed PUBLISH before knowing the connection was accepted.
	if _, err := conn.Write(buildConnAck()); err != nil {
		return
	}

	b.register(c)
	defer b.unregister(c)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		hdr, err := readFixedHeader(r)
		if err != nil {
			return
		}
		body, err := readPayload(r, hdr.remaining)
		if err != nil {
			return
		}
		if c.isClosed() {
			return
		}
		if !b.handlePacket(c, hdr, body) {
			return
		}
	}
}

// register adds c to the broker, force-closing any prior client with the
// same id first (MQTT session-takeover semantics): the prior socket is
// closed before the new session is registered, so no message is ever
// routable to both at once. client.close() only touches its own conn/mutex,
// never broker.mu, so it's safe to call while holding the broker lock.
func (b *Broker) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prior, ok := b.clientsByID[c.id]; ok {
		prior.close()
	}
	b.clientsByID[c.id] = c
}

func (b *Broker) unregister(c *client) {
	b.mu.Lock()
	if b.clientsByID[c.id] == c {
		delete(b.clientsByID, c.id)
	}
	b.mu.Unlock()
	c.close()
}

// handlePacket dispatches one packet for client c. Returning false tells the
// caller to close the connection.
func (b *Broker) handlePacket(c *client, hdr fixedHeader, body []byte) bool {
	switch hdr.packetType {
	case pktSubscribe:
		return b.handleSubscribe(c, body)
	case pktUnsubscribe:
		return b.handleUnsubscribe(c, body)
	case pktPublish:
		return b.handlePublish(c, hdr.flags, body)
	case pktPubAck:
		return true // downstream acking one of our QoS-1 publishes; nothing to do
	case pktPingReq:
		return c.write(buildPingResp()) == nil
	case pktDisconnect:
		return false
	default:
		return true // silently ignore unsupported/unknown packet types
	}
}

func (b *Broker) handleSubscribe(c *client, body []byte) bool {
	pkt, err := parseSubscribe(body)
	if err != nil {
		return false
	}

	added := c.addSubscriptions(pkt.filters)
	if err := c.write(buildSubAck(pkt.packetID, len(pkt.filters))); err != nil {
		return false
	}

	for _, f := range added {
		b.subscribeUpstream(f)
	}
	return true
}

func (b *Broker) handleUnsubscribe(c *client, body []byte) bool {
	pkt, err := parseUnsubscribe(body)
	if err != nil {
		return false
	}

	removed := c.removeSubscriptions(pkt.filters)
	if err := c.write(buildUnsubAck(pkt.packetID)); err != nil {
		return false
	}

	for _, f := range removed {
		b.unsubscribeUpstream(f)
	}
	return true
}

func (b *Broker) handlePublish(c *client, flags byte, body []byte) bool {
	pkt, err := parsePublish(flags, body)
	if err != nil {
		return false
	}

	if b.upstream != nil {
		var payload map[string]any
		if err := json.Unmarshal(pkt.payload, &payload); err != nil {
			slog.Debug("dropping downstream publish with non-JSON payload", "topic", pkt.topic)
		} else if err := b.upstream.Publish(payload); err != nil {
			slog.Warn("failed to forward downstream publish to upstream", "topic", pkt.topic, "error", err)
		}
	}

	if pkt.qos > 0 {
		return c.write(buildPubAck(pkt.packetID)) == nil
	}
	return true
}

// subscribeUpstream notifies the sink that a filter is newly wanted. Holding
// no reference count here is deliberate: the sink (if any) is responsible
// for its own bookkeeping of the union across clients.
func (b *Broker) subscribeUpstream(filter string) {
	if b.sink != nil {
		b.sink.SubscribeUpstream(filter)
	}
}

// unsubscribeUpstream notifies the sink a filter was dropped by one client,
// unless another connected client still carries it, or the filter targets
// the report topic (always owned by the upstream session).
func (b *Broker) unsubscribeUpstream(filter string) {
	if containsSuffix(filter, reportTopicSuffix) {
		return
	}
	if b.anyClientStillSubscribed(filter) {
		return
	}
	if b.sink != nil {
		b.sink.UnsubscribeUpstream(filter)
	}
}

func (b *Broker) anyClientStillSubscribed(filter string) bool {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clientsByID))
	for _, c := range b.clientsByID {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		for _, f := range c.snapshotSubscriptions() {
			if f == filter {
				return true
			}
		}
	}
	return false
}

// OnUpstreamMessage fans a report message out to every subscribed client.
// The PUBLISH packet is built once and the client list is snapshotted so the
// hot path never holds the broker lock while writing to a socket.
func (b *Broker) OnUpstreamMessage(topic string, payload []byte) {
	packet := buildPublish(topic, payload)

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clientsByID))
	for _, c := range b.clientsByID {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		if anyMatches(c.snapshotSubscriptions(), topic) {
			if err := c.write(packet); err != nil {
				c.close()
			}
		}
	}
}

// OnUpstreamReconnect recomputes the union of every connected client's
// subscriptions and re-asks the sink to subscribe upstream to each, so a
// fresh upstream session recovers the same topic interest it had before.
func (b *Broker) OnUpstreamReconnect() {
	if b.sink == nil {
		return
	}

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clientsByID))
	for _, c := range b.clientsByID {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	seen := make(map[string]bool)
	for _, c := range clients {
		for _, f := range c.snapshotSubscriptions() {
			if !seen[f] {
				seen[f] = true
				b.sink.SubscribeUpstream(f)
			}
		}
	}
}

func containsSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

var errClosed = errors.New("mqtt: client closed")

// client represents one connected downstream peer.
type client struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  []string

	closedMu sync.Mutex
	closed   bool
}

func (c *client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return errClosed
	}
	_, err := c.conn.Write(b)
	return err
}

func (c *client) isClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *client) close() {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return
	}
	c.closed = true
	c.closedMu.Unlock()
	c.conn.Close()
}

func (c *client) snapshotSubscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs
}

// addSubscriptions merges filters into the client's subscription set,
// replacing the snapshot atomically, and returns only the ones that weren't
// already present.
func (c *client) addSubscriptions(filters []string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	existing := make(map[string]bool, len(c.subs))
	for _, f := range c.subs {
		existing[f] = true
	}

	var added []string
	next := append([]string{}, c.subs...)
	for _, f := range filters {
		if !existing[f] {
			existing[f] = true
			next = append(next, f)
			added = append(added, f)
		}
	}
	c.subs = next
	return added
}

// removeSubscriptions drops filters from the client's subscription set,
// replacing the snapshot atomically, and returns only the ones that were
// actually present.
func (c *client) removeSubscriptions(filters []string) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	toRemove := make(map[string]bool, len(filters))
	for _, f := range filters {
		toRemove[f] = true
	}

	var removed []string
	next := make([]string, 0, len(c.subs))
	for _, f := range c.subs {
		if toRemove[f] {
			removed = append(removed, f)
			continue
		}
		next = append(next, f)
	}
	c.subs = next
	return removed
}
