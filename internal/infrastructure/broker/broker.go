// Package broker runs an optional embedded MQTT broker so a single
// IoT Manager binary can serve devices without an external Mosquitto.
//
// When broker.enabled is set, the broker is started before the MQTT client
// connects, and the client simply dials it like any other broker.
package broker

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/nerrad567/iotmanager/internal/infrastructure/config"
)

const listenerID = "iotmanager-tcp"

// ErrAlreadyStarted is returned by Start on a running broker.
var ErrAlreadyStarted = errors.New("broker: already started")

// Broker is an in-process MQTT broker backed by mochi-mqtt.
type Broker struct {
	server  *mochi.Server
	address string
	logger  *slog.Logger

	sessions *sessionHook

	mu      sync.Mutex
	started bool
}

// New creates a broker for cfg. When creds carries a username, clients
// must present it; local connections from 127.0.0.1 are always allowed so
// the service's own client can connect. Without a username the broker
// accepts every client.
func New(cfg config.BrokerConfig, creds config.MQTTAuthConfig, logger *slog.Logger) (*Broker, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("broker: address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	server := mochi.New(&mochi.Options{
		Logger: logger,
	})

	if creds.Username != "" {
		opts := &auth.Options{
			Ledger: &auth.Ledger{
				Auth: auth.AuthRules{
					{Username: auth.RString(creds.Username), Password: auth.RString(creds.Password), Allow: true},
					{Remote: "127.0.0.1:*", Allow: true},
					{Remote: "localhost:*", Allow: true},
				},
			},
		}
		if err := server.AddHook(new(auth.Hook), opts); err != nil {
			return nil, fmt.Errorf("broker: adding auth hook: %w", err)
		}
	} else {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("broker: adding allow hook: %w", err)
		}
	}

	sessions := &sessionHook{logger: logger}
	if err := server.AddHook(sessions, nil); err != nil {
		return nil, fmt.Errorf("broker: adding session hook: %w", err)
	}

	return &Broker{
		server:   server,
		address:  cfg.Address,
		logger:   logger,
		sessions: sessions,
	}, nil
}

// Start binds the TCP listener and begins serving. It returns once the
// listener is bound, so a client may connect immediately afterwards.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}

	tcp := listeners.NewTCP(listeners.Config{ID: listenerID, Address: b.address})
	if err := b.server.AddListener(tcp); err != nil {
		return fmt.Errorf("broker: listening on %s: %w", b.address, err)
	}
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("broker: serving: %w", err)
	}

	b.started = true
	b.logger.Info("embedded MQTT broker started", "address", b.address)
	return nil
}

// Close stops the listener and disconnects all clients.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	if err := b.server.Close(); err != nil {
		return fmt.Errorf("broker: closing: %w", err)
	}
	return nil
}

// Address returns the configured listen address.
func (b *Broker) Address() string {
	return b.address
}

// ClientCount returns the number of clients with an established session.
func (b *Broker) ClientCount() int64 {
	return b.sessions.connected.Load()
}

// sessionHook counts and logs client sessions. Only clients that reached
// an established session are counted, so rejected connects do not skew it.
type sessionHook struct {
	mochi.HookBase
	logger    *slog.Logger
	clients   sync.Map // client ID -> struct{}
	connected atomic.Int64
}

func (h *sessionHook) ID() string {
	return "iotmanager-sessions"
}

func (h *sessionHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnSessionEstablished,
		mochi.OnDisconnect,
	}, []byte{b})
}

func (h *sessionHook) OnSessionEstablished(cl *mochi.Client, _ packets.Packet) {
	if _, loaded := h.clients.LoadOrStore(cl.ID, struct{}{}); !loaded {
		h.connected.Add(1)
	}
	h.logger.Debug("mqtt client connected", "client_id", cl.ID, "remote", cl.Net.Remote)
}

func (h *sessionHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	if _, ok := h.clients.LoadAndDelete(cl.ID); ok {
		h.connected.Add(-1)
	}
	h.logger.Debug("mqtt client disconnected", "client_id", cl.ID, "error", err, "expire", expire)
}
