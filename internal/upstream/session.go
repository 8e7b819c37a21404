// Package upstream hosts the single long-lived MQTT session to a Bambu
// printer: connect, subscribe to the report topic, prime a full state sync,
// and dispatch every inbound message into C1's state (and onward to the
// state translator and any broker listeners).
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/bambu-companion/agent/internal/printerstate"
	"github.com/bambu-companion/agent/internal/translator"
)

const (
	mqttUsername   = "bblp"
	mqttQoS        = byte(0)
	keepalive      = 5 * time.Second
	connectTimeout = 10 * time.Second
	publishTimeout = 20 * time.Second

	rediscoverAfterFailures = 3
	resetFailuresAfter      = 5

	fullSyncKeyThreshold = 40
)

// Rediscoverer scans the local network for the printer identified by
// accessToken and serialNumber, returning its current IP if found.
type Rediscoverer interface {
	ScanForPrinter(ctx context.Context, accessToken, serialNumber string) (ip string, found bool)
}

// MessageListener receives a copy of every raw report payload, alongside the
// topic it arrived on. Used to fan incoming printer traffic out to the local
// broker (C5) without coupling the session to broker internals.
type MessageListener func(topic string, payload []byte)

// Config describes how to reach one printer.
type Config struct {
	Host         string
	Port         int
	AccessToken  string
	SerialNumber string

	// Rediscoverer is optional; if nil, rediscovery is simply skipped and the
	// session keeps retrying the configured Host.
	Rediscoverer Rediscoverer
}

// Session owns the MQTT connection lifecycle to one printer. Callers should
// register it with an engine.ProcMgr via Run, which only returns when ctx is
// cancelled.
type Session struct {
	cfg Config

	State      *printerstate.State
	Version    *printerstate.Version
	Translator *translator.Translator

	hostMu      sync.Mutex
	currentHost string

	listenersMu sync.Mutex
	listeners   []MessageListener

	reconnectMu        sync.Mutex
	reconnectListeners []ReconnectListener

	clientMu sync.Mutex
	client   paho.Client
}

// New builds a Session. tr may be nil in tests that only care about state.
func New(cfg Config, state *printerstate.State, version *printerstate.Version, tr *translator.Translator) *Session {
	return &Session{
		cfg:         cfg,
		State:       state,
		Version:     version,
		Translator:  tr,
		currentHost: cfg.Host,
	}
}

// AddListener registers a broker-facing listener for every raw report
// message. Safe to call concurrently with Run.
func (s *Session) AddListener(l MessageListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	next := make([]MessageListener, len(s.listeners)+1)
	copy(next, s.listeners)
	next[len(s.listeners)] = l
	s.listeners = next
}

func (s *Session) snapshotListeners() []MessageListener {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	return s.listeners
}

// ReconnectListener is notified every time the upstream connection comes
// back up, so a collaborator that mirrors topic interest onto it (the local
// broker) can re-establish whatever subscriptions it had before the drop.
type ReconnectListener func()

// AddReconnectListener registers a callback fired after every successful
// (re)connect, once the report subscription and full-sync priming are in
// flight. Safe to call concurrently with Run.
func (s *Session) AddReconnectListener(l ReconnectListener) {
	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()
	next := make([]ReconnectListener, len(s.reconnectListeners)+1)
	copy(next, s.reconnectListeners)
	next[len(s.reconnectListeners)] = l
	s.reconnectListeners = next
}

func (s *Session) fireReconnectListeners() {
	s.reconnectMu.Lock()
	listeners := s.reconnectListeners
	s.reconnectMu.Unlock()
	for _, l := range listeners {
		l()
	}
}

// Run is an engine.Proc: it drives connect/subscribe/prime/dispatch in a
// loop with reconnect backoff, and only returns once ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0

	failedAttempts := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.Translator != nil {
			s.Translator.ResetForNewConnection()
		}

		host := s.resolveHost(ctx, failedAttempts)
		disconnected := newSignal()

		err := s.connectOnce(ctx, host, disconnected)
		if err == nil {
			failedAttempts = 0
			bo.Reset()
			s.fireReconnectListeners()
			waitForDisconnectOrCancel(ctx, disconnected.ch)
			continue
		}

		logConnectFailure(host, s.cfg.Port, err)

		failedAttempts++
		if failedAttempts >= resetFailuresAfter {
			failedAttempts = 0
			bo.Reset()
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func waitForDisconnectOrCancel(ctx context.Context, disconnected <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-disconnected:
	}
}

// resolveHost returns the address to try next. After rediscoverAfterFailures
// consecutive failures it asks the rediscoverer to scan the subnet; a
// successful scan updates the cached host for this and future attempts.
func (s *Session) resolveHost(ctx context.Context, failedAttempts int) string {
	s.hostMu.Lock()
	host := s.currentHost
	s.hostMu.Unlock()

	if failedAttempts < rediscoverAfterFailures || s.cfg.Rediscoverer == nil {
		return host
	}

	ip, found := s.cfg.Rediscoverer.ScanForPrinter(ctx, s.cfg.AccessToken, s.cfg.SerialNumber)
	if !found {
		return host
	}

	slog.Info("rediscovered printer at new address", "old", host, "new", ip)
	s.hostMu.Lock()
	s.currentHost = ip
	s.hostMu.Unlock()
	return ip
}

// disconnectSignal fires exactly once, from whichever goroutine first
// observes the connection going away (paho's lost-connection callback or a
// failed priming publish that disconnected the client).
type disconnectSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *disconnectSignal {
	return &disconnectSignal{ch: make(chan struct{})}
}

func (d *disconnectSignal) fire() {
	d.once.Do(func() { close(d.ch) })
}

// connectOnce dials once, subscribes, and primes a full sync. It returns nil
// once the connection is up (the caller then waits on disconnected). All
// ongoing message handling happens on paho's own goroutines.
func (s *Session) connectOnce(ctx context.Context, host string, disconnected *disconnectSignal) error {
	reportTopic := fmt.Sprintf("device/%s/report", s.cfg.SerialNumber)
	requestTopic := fmt.Sprintf("device/%s/request", s.cfg.SerialNumber)

	subFailed := make(chan error, 1)
	haveFirstFullSync := false

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", host, s.cfg.Port)).
		SetClientID("bambu-companion-agent").
		SetUsername(mqttUsername).
		SetPassword(s.cfg.AccessToken).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}). //nolint:gosec // printer presents a non-trusted leaf cert
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetKeepAlive(keepalive).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true). // Translator has no internal lock; messages must be applied to state in order, one at a time.
		// Filters mirrored via Subscribe have no route of their own, so their
		// messages land here and go straight to the broker listeners.
		SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
			for _, l := range s.snapshotListeners() {
				l(msg.Topic(), msg.Payload())
			}
		}).
		SetOnConnectHandler(func(c paho.Client) {
			token := c.Subscribe(reportTopic, mqttQoS, func(_ paho.Client, msg paho.Message) {
				s.handleMessage(reportTopic, msg, &haveFirstFullSync)
			})
			if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
				subFailed <- fmt.Errorf("subscribing to %s: %w", reportTopic, subscribeErr(token))
				return
			}
			subFailed <- nil
			go func() {
				s.primeFullSync(c, requestTopic)
				if !c.IsConnected() {
					// paho's Disconnect doesn't invoke the lost-connection
					// handler, so wake Run here to start the retry.
					s.resetCachedState()
					disconnected.fire()
				}
			}()
		}).
		SetConnectionLostHandler(func(c paho.Client, err error) {
			slog.Warn("upstream mqtt connection lost", "error", err)
			s.resetCachedState()
			disconnected.fire()
		})

	client := paho.NewClient(opts)

	connToken := client.Connect()
	if !connToken.WaitTimeout(connectTimeout) {
		return errors.New("connect timed out")
	}
	if connToken.Error() != nil {
		return connToken.Error()
	}

	select {
	case err := <-subFailed:
		if err != nil {
			client.Disconnect(0)
			return err
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(connectTimeout):
		client.Disconnect(0)
		return errors.New("subscribe ack timed out")
	}

	s.clientMu.Lock()
	s.client = client
	s.clientMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			client.Disconnect(250)
		case <-disconnected.ch:
		}
	}()

	return nil
}

func subscribeErr(token paho.Token) error {
	if token.Error() != nil {
		return token.Error()
	}
	return errors.New("subscribe failed")
}

func (s *Session) resetCachedState() {
	if s.State != nil {
		s.State.Reset()
	}
}

// primeFullSync forces the printer to emit its complete state, first the
// version/hardware info, then the full status push. It runs off the MQTT
// callback goroutine so a slow ack can't stall message delivery.
func (s *Session) primeFullSync(c paho.Client, requestTopic string) {
	getVersion := map[string]any{"info": map[string]any{"sequence_id": "0", "command": "get_version"}}
	pushAll := map[string]any{"pushing": map[string]any{"sequence_id": "0", "command": "pushall"}}

	if err := publishAndAwait(c, requestTopic, getVersion); err != nil {
		slog.Error("failed to prime get_version, disconnecting to retry", "error", err)
		c.Disconnect(0)
		return
	}
	if err := publishAndAwait(c, requestTopic, pushAll); err != nil {
		slog.Error("failed to prime pushall, disconnecting to retry", "error", err)
		c.Disconnect(0)
		return
	}
}

func publishAndAwait(c paho.Client, topic string, msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}
	token := c.Publish(topic, mqttQoS, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish ack timed out")
	}
	return token.Error()
}

// handleMessage parses one report message, merges it into C1, detects the
// first full sync, and fans the raw payload out to the translator and every
// registered broker listener.
func (s *Session) handleMessage(topic string, msg paho.Message, haveFirstFullSync *bool) {
	var body map[string]any
	if err := json.Unmarshal(msg.Payload(), &body); err != nil {
		slog.Debug("failed to parse upstream mqtt message", "error", err)
		return
	}

	isFirstFullSync := false
	var printSub map[string]any

	if raw, ok := body["print"]; ok {
		if sub, ok := raw.(map[string]any); ok {
			printSub = sub
			if s.State != nil {
				s.State.OnUpdate(sub)
			}
			if !*haveFirstFullSync {
				if cmd, _ := sub["command"].(string); cmd == "push_status" && len(sub) > fullSyncKeyThreshold {
					isFirstFullSync = true
					*haveFirstFullSync = true
				}
			}
		}
	}

	if raw, ok := body["info"]; ok {
		if sub, ok := raw.(map[string]any); ok && s.Version != nil {
			s.Version.OnUpdate(sub)
		}
	}

	if s.Translator != nil && s.State != nil {
		s.Translator.OnMessage(s.State, printSub, isFirstFullSync)
	}

	for _, l := range s.snapshotListeners() {
		l(topic, msg.Payload())
	}
}

// Publish serializes msg to JSON and sends it, blocking up to 20s for the
// publish to be acknowledged locally (QoS 0 has no broker ack, so "success"
// here means the write left the client).
func (s *Session) Publish(msg map[string]any) error {
	client, err := s.connectedClient()
	if err != nil {
		return err
	}

	requestTopic := fmt.Sprintf("device/%s/request", s.cfg.SerialNumber)
	return publishAndAwait(client, requestTopic, msg)
}

// Subscribe mirrors a downstream client's topic filter onto the upstream
// connection, so the local broker (C5) can satisfy subscriptions the
// upstream session didn't already carry (e.g. "device/+/request" echoes).
// Implements broker.SubscriptionSink's SubscribeUpstream half via the
// sessionSubscriptionSink adapter in cmd/agent.
func (s *Session) Subscribe(filter string) error {
	client, err := s.connectedClient()
	if err != nil {
		return err
	}
	token := client.Subscribe(filter, mqttQoS, nil)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("subscribing to %s: ack timed out", filter)
	}
	return token.Error()
}

// Unsubscribe drops a previously mirrored upstream subscription.
func (s *Session) Unsubscribe(filter string) error {
	client, err := s.connectedClient()
	if err != nil {
		return err
	}
	token := client.Unsubscribe(filter)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("unsubscribing from %s: ack timed out", filter)
	}
	return token.Error()
}

func (s *Session) connectedClient() (paho.Client, error) {
	s.clientMu.Lock()
	client := s.client
	s.clientMu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil, errors.New("not connected to printer")
	}
	return client, nil
}

func sequenceID() string {
	return uuid.NewString()
}

// Pause sends the pause command.
func (s *Session) Pause() error {
	return s.Publish(map[string]any{"print": map[string]any{"sequence_id": sequenceID(), "command": "pause"}})
}

// Resume sends the resume command.
func (s *Session) Resume() error {
	return s.Publish(map[string]any{"print": map[string]any{"sequence_id": sequenceID(), "command": "resume"}})
}

// Stop cancels the active print.
func (s *Session) Stop() error {
	return s.Publish(map[string]any{"print": map[string]any{"sequence_id": sequenceID(), "command": "stop"}})
}

// SetChamberLight turns the chamber LED on or off, best-guess at the
// widely-observed system.ledctrl shape (the firmware doesn't document it).
func (s *Session) SetChamberLight(on bool) error {
	mode := "off"
	if on {
		mode = "on"
	}
	return s.Publish(map[string]any{"system": map[string]any{
		"sequence_id": sequenceID(),
		"command":     "ledctrl",
		"led_node":    "chamber_light",
		"led_mode":    mode,
	}})
}

// logConnectFailure keeps noisy, expected failure modes (printer off,
// network unreachable) to a single concise line instead of a stack trace.
func logConnectFailure(host string, port int, err error) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		slog.Error("failed to connect to printer, will retry", "host", host, "port", port, "reason", "timeout")
	case isConnRefused(err):
		slog.Error("failed to connect to printer, will retry", "host", host, "port", port, "reason", "connection refused")
	case isNoRoute(err):
		slog.Error("failed to connect to printer, will retry", "host", host, "port", port, "reason", "no route to host")
	default:
		slog.Error("failed to connect to printer, will retry", "host", host, "port", port, "error", err)
	}
}

func isConnRefused(err error) bool {
	return containsAny(err, "connection refused", "connectex")
}

func isNoRoute(err error) bool {
	return containsAny(err, "no route to host", "network is unreachable")
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
