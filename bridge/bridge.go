// Package bridge transports CAN traffic between emulated machines
// over an MQTT broker. Outbound frames are queued, enriched with
// publish metadata, encoded and published per channel and CAN id;
// inbound publications are decoded and handed to the downstream CAN
// host. The broker connection reconnects forever on loss.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"mcuemu.dev/canbus"
)

// reconnectDelay is the fixed pause between connection attempts.
const reconnectDelay = 5 * time.Second

// State is the connection state, for observation by tests and
// status surfaces.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config describes a bridge instance. Invalid combinations are
// rejected by New.
type Config struct {
	// BrokerURI is the broker endpoint, mqtt://host:port.
	BrokerURI string
	// Channel is the 8-bit bus channel appearing in topics.
	Channel uint8
	// Format selects the payload encoder: json, binary or cbor.
	Format string
	// OptionalFields selects which metadata fields outbound
	// frames are stamped with. The binary format carries none;
	// any bit set together with it is a configuration error.
	OptionalFields canbus.Field
	// Deliver receives inbound frames for the downstream CAN
	// host.
	Deliver func(canbus.Frame)
	// ClientID overrides the MQTT client identifier.
	ClientID string
	Logger   *slog.Logger

	// PubID overrides the random per-instance publish id.
	// Tests only.
	PubID uint32
	// session overrides broker access. Tests only.
	session func(ctx context.Context, sc sessionConfig) (session, error)
	// retryDelay overrides the reconnect pause. Tests only.
	retryDelay time.Duration
}

// session is one established broker connection.
type session interface {
	// subscribe issues the channel subscription with the
	// no-local option.
	subscribe(ctx context.Context) error
	publish(ctx context.Context, topic string, payload []byte) error
	// done is closed when the connection is lost.
	done() <-chan struct{}
	close()
}

type sessionConfig struct {
	broker   *url.URL
	clientID string
	subTopic string
	onMsg    func(topic string, payload []byte)
	log      *slog.Logger
}

// Bridge is a running MQTT↔CAN bridge instance.
type Bridge struct {
	cfg    Config
	log    *slog.Logger
	enc    Encoder
	broker *url.URL

	pubID  uint32
	pubCnt uint32

	q      *frameQueue
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state State
}

// New validates cfg, builds the encoder and starts the connection
// task.
func New(cfg Config) (*Bridge, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(cfg.BrokerURI)
	if err != nil {
		return nil, fmt.Errorf("broker uri: %w", err)
	}
	if u.Scheme != "mqtt" {
		return nil, fmt.Errorf("broker uri: unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		return nil, errors.New("broker uri: missing port")
	}
	enc, err := NewEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	if cfg.OptionalFields&^canbus.AllFields != 0 {
		return nil, fmt.Errorf("unknown optional field bits 0x%x", uint8(cfg.OptionalFields))
	}
	for _, fl := range []canbus.Field{canbus.FieldPubID, canbus.FieldPubCnt, canbus.FieldTimestamp} {
		if cfg.OptionalFields&fl != 0 && !enc.SupportsOptionalField(fl) {
			return nil, fmt.Errorf("format %q cannot carry optional fields", cfg.Format)
		}
	}
	b := &Bridge{
		cfg:    cfg,
		log:    log.With(slog.String("bridge", fmt.Sprintf("ch%d", cfg.Channel))),
		enc:    enc,
		broker: u,
		pubID:  cfg.PubID,
		q:      newFrameQueue(0),
	}
	if b.pubID == 0 {
		b.pubID = randomID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.run(ctx)
	return b, nil
}

// randomID seeds the per-instance publish id from a non-deterministic
// source.
func randomID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// PubID returns the per-instance publish id embedded in bridged
// frames.
func (b *Bridge) PubID() uint32 { return b.pubID }

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Close stops the bridge. In-flight publishes are abandoned and the
// transmit queue is discarded.
func (b *Bridge) Close() error {
	b.cancel()
	b.q.close()
	b.wg.Wait()
	return nil
}

// OnFrameReceived accepts a frame from the emulated CAN peripheral.
// It never blocks; a full or closed queue drops the frame with a
// warning.
func (b *Bridge) OnFrameReceived(f canbus.Frame) {
	if !b.q.push(f) {
		b.log.Warn("transmit queue rejected frame", slog.String("frame", f.String()))
	}
}

func (b *Bridge) subscribeTopic() string {
	return fmt.Sprintf("bus/can/%d/#", b.cfg.Channel)
}

func (b *Bridge) publishTopic(f canbus.Frame) string {
	// Error frames carry no cobId; they go out under id 0.
	return fmt.Sprintf("bus/can/%d/%d", b.cfg.Channel, f.ID)
}

// run is the connection task: connect, subscribe, pump the transmit
// queue, and on any loss retry after a fixed delay, forever.
func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	defer b.setState(Disconnected)
	delay := b.cfg.retryDelay
	if delay == 0 {
		delay = reconnectDelay
	}
	retry := &backoff.Backoff{
		Min:    delay,
		Max:    delay,
		Jitter: false,
	}
	newSession := b.cfg.session
	if newSession == nil {
		newSession = dialMQTT
	}
	sc := sessionConfig{
		broker:   b.broker,
		clientID: b.clientID(),
		subTopic: b.subscribeTopic(),
		onMsg:    b.handleInbound,
		log:      b.log,
	}
	for {
		if ctx.Err() != nil {
			return
		}
		b.setState(Connecting)
		sess, err := newSession(ctx, sc)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("broker connect failed", slog.Any("err", err),
				slog.Int("attempt", int(retry.Attempt())))
			if !sleep(ctx, retry.Duration()) {
				return
			}
			continue
		}
		b.setState(Connected)
		if err := sess.subscribe(ctx); err != nil {
			b.log.Warn("subscribe failed", slog.Any("err", err))
			sess.close()
			if !sleep(ctx, retry.Duration()) {
				return
			}
			continue
		}
		b.setState(Subscribed)
		retry.Reset()
		b.pump(ctx, sess)
		sess.close()
		if ctx.Err() != nil {
			return
		}
		b.setState(Disconnected)
		b.log.Warn("broker connection lost, reconnecting")
		if !sleep(ctx, retry.Duration()) {
			return
		}
	}
}

func (b *Bridge) clientID() string {
	if b.cfg.ClientID != "" {
		return b.cfg.ClientID
	}
	return fmt.Sprintf("canbridge-%d-%08x", b.cfg.Channel, b.pubID)
}

// pump drains the transmit queue into the session until the
// connection drops or the bridge closes.
func (b *Bridge) pump(ctx context.Context, sess session) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.done():
			cancel()
		case <-sctx.Done():
		}
	}()
	for {
		f, ok := b.q.pop(sctx)
		if !ok {
			return
		}
		f = b.stamp(f)
		payload, err := b.enc.Encode(f)
		if err != nil {
			b.log.Warn("frame encode failed", slog.String("frame", f.String()), slog.Any("err", err))
			continue
		}
		if err := sess.publish(sctx, b.publishTopic(f), payload); err != nil {
			b.log.Warn("publish failed", slog.String("frame", f.String()), slog.Any("err", err))
			continue
		}
		b.pubCnt++
	}
}

// stamp attaches the metadata fields that are both enabled and
// supported by the encoder.
func (b *Bridge) stamp(f canbus.Frame) canbus.Frame {
	want := b.cfg.OptionalFields
	if want&canbus.FieldPubID != 0 && b.enc.SupportsOptionalField(canbus.FieldPubID) {
		f.PubID = b.pubID
		f.Fields |= canbus.FieldPubID
	}
	if want&canbus.FieldPubCnt != 0 && b.enc.SupportsOptionalField(canbus.FieldPubCnt) {
		f.PubCnt = b.pubCnt
		f.Fields |= canbus.FieldPubCnt
	}
	if want&canbus.FieldTimestamp != 0 && b.enc.SupportsOptionalField(canbus.FieldTimestamp) {
		f.Timestamp = uint64(time.Now().UnixMicro())
		f.Fields |= canbus.FieldTimestamp
	}
	return f
}

// handleInbound decodes one broker publication and delivers it
// downstream. Malformed payloads, topic mismatches and our own
// publications are dropped.
func (b *Bridge) handleInbound(topic string, payload []byte) {
	f, err := b.enc.Decode(payload)
	if err != nil {
		b.log.Warn("inbound frame decode failed", slog.String("topic", topic), slog.Any("err", err))
		return
	}
	if want := b.publishTopic(f); topic != want {
		b.log.Warn("inbound topic mismatch",
			slog.String("topic", topic), slog.String("want", want))
		return
	}
	// The no-local subscription should prevent this; drop by
	// pubId as a safeguard against brokers that ignore it.
	if f.Has(canbus.FieldPubID) && f.PubID == b.pubID {
		return
	}
	if b.cfg.Deliver != nil {
		b.cfg.Deliver(f)
	}
}

// sleep pauses for d, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ParseOptionalFields parses a comma-separated field list
// (pubid,pubcnt,timestamp) into a bitmask, for configuration
// surfaces.
func ParseOptionalFields(s string) (canbus.Field, error) {
	var mask canbus.Field
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "pubid":
			mask |= canbus.FieldPubID
		case "pubcnt":
			mask |= canbus.FieldPubCnt
		case "timestamp", "ts":
			mask |= canbus.FieldTimestamp
		default:
			if v, err := strconv.ParseUint(name, 0, 8); err == nil && canbus.Field(v)&^canbus.AllFields == 0 {
				mask |= canbus.Field(v)
				continue
			}
			return 0, fmt.Errorf("unknown optional field %q", name)
		}
	}
	return mask, nil
}
