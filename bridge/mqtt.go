package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

// mqttSession is a live MQTT v5 connection. The subscription uses
// the no-local option so the broker withholds our own publications;
// QoS 0 and a clean start throughout.
type mqttSession struct {
	cfg    sessionConfig
	client *paho.Client

	closeOnce sync.Once
	lost      chan struct{}
}

const keepAliveSeconds = 30

// dialMQTT opens the TCP connection and completes the MQTT connect
// handshake.
func dialMQTT(ctx context.Context, sc sessionConfig) (session, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", sc.broker.Host)
	if err != nil {
		return nil, err
	}
	s := &mqttSession{
		cfg:  sc,
		lost: make(chan struct{}),
	}
	router := paho.NewStandardRouter()
	router.RegisterHandler(sc.subTopic, func(p *paho.Publish) {
		sc.onMsg(p.Topic, p.Payload)
	})
	s.client = paho.NewClient(paho.ClientConfig{
		Conn:   conn,
		Router: router,
		OnClientError: func(err error) {
			sc.log.Warn("mqtt client error", slog.Any("err", err))
			s.markLost()
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			sc.log.Warn("server disconnect", slog.Int("reason", int(d.ReasonCode)))
			s.markLost()
		},
	})
	ca, err := s.client.Connect(ctx, &paho.Connect{
		ClientID:   sc.clientID,
		KeepAlive:  keepAliveSeconds,
		CleanStart: true,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		return nil, fmt.Errorf("connect refused: reason code %d", ca.ReasonCode)
	}
	return s, nil
}

func (s *mqttSession) markLost() {
	s.closeOnce.Do(func() { close(s.lost) })
}

func (s *mqttSession) subscribe(ctx context.Context) error {
	_, err := s.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{
			Topic:   s.cfg.subTopic,
			QoS:     0,
			NoLocal: true,
		}},
	})
	return err
}

func (s *mqttSession) publish(ctx context.Context, topic string, payload []byte) error {
	_, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: payload,
	})
	return err
}

func (s *mqttSession) done() <-chan struct{} { return s.lost }

func (s *mqttSession) close() {
	s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	s.markLost()
}
