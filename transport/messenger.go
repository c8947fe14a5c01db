package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/maxpert/gms/cfg"
	"github.com/maxpert/gms/membership"
	"github.com/maxpert/gms/messages"
	"github.com/maxpert/gms/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ErrMessengerClosed is returned by Send after Close
var ErrMessengerClosed = errors.New("messenger closed")

// Handler consumes delivered messages
type Handler interface {
	ContactedBy(m membership.Member)
	ProcessMessage(msg messages.Message)
}

// MessengerConfig controls outgoing calls
type MessengerConfig struct {
	SendTimeout      time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	CompressionLevel int // 0 disables zstd
	Secret           string
}

// DefaultMessengerConfig returns the default messenger settings
func DefaultMessengerConfig() MessengerConfig {
	return MessengerConfig{
		SendTimeout:      2 * time.Second,
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 3 * time.Second,
	}
}

// MessengerConfigFromCluster builds a MessengerConfig from the cluster configuration
func MessengerConfigFromCluster(c *cfg.Configuration) MessengerConfig {
	return MessengerConfig{
		SendTimeout:      time.Duration(c.Transport.SendTimeoutMS) * time.Millisecond,
		KeepaliveTime:    time.Duration(c.Transport.KeepaliveTimeSeconds) * time.Second,
		KeepaliveTimeout: time.Duration(c.Transport.KeepaliveTimeoutSeconds) * time.Second,
		CompressionLevel: c.Transport.CompressionLevel,
		Secret:           c.ClusterAuth.Secret,
	}
}

// Messenger sends protocol messages to peers over gRPC and hands delivered
// messages to its handler. Sends are asynchronous: failures are logged and
// counted, and the caller only learns about encoding errors.
type Messenger struct {
	local    membership.Member
	config   MessengerConfig
	dialOpts []grpc.DialOption
	callOpts []grpc.CallOption

	conns *xsync.MapOf[netip.AddrPort, *grpc.ClientConn]

	handlerMu sync.RWMutex
	handler   Handler

	ctx    context.Context
	cancel context.CancelFunc

	stopMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewMessenger creates a messenger for the local member
func NewMessenger(local membership.Member, config MessengerConfig) *Messenger {
	defaults := DefaultMessengerConfig()
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.KeepaliveTime <= 0 {
		config.KeepaliveTime = defaults.KeepaliveTime
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	callOpts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if config.CompressionLevel > 0 {
		SetCompressionLevel(config.CompressionLevel)
		callOpts = append(callOpts, grpc.UseCompressor(zstdName))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Messenger{
		local:  local,
		config: config,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                config.KeepaliveTime,
				Timeout:             config.KeepaliveTimeout,
				PermitWithoutStream: true,
			}),
			grpc.WithChainUnaryInterceptor(UnaryClientInterceptor(config.Secret)),
		},
		callOpts: callOpts,
		conns:    xsync.NewMapOf[netip.AddrPort, *grpc.ClientConn](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// LocalMember returns the member this messenger sends as
func (m *Messenger) LocalMember() membership.Member {
	return m.local
}

// SetHandler installs the consumer of delivered messages
func (m *Messenger) SetHandler(h Handler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

func (m *Messenger) currentHandler() Handler {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	return m.handler
}

// Send encodes msg once and delivers it to every recipient in the background
func (m *Messenger) Send(msg messages.Message) error {
	m.stopMu.RLock()
	defer m.stopMu.RUnlock()

	if m.closed {
		return ErrMessengerClosed
	}

	payload, err := messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}

	for _, to := range msg.GetRecipients() {
		m.wg.Add(1)
		if to.Equal(m.local) {
			go m.deliverLocal(msg)
			continue
		}
		go m.deliver(to, msg.Kind(), payload)
	}
	return nil
}

func (m *Messenger) deliver(to membership.Member, kind messages.Kind, payload []byte) {
	defer m.wg.Done()

	conn, err := m.conn(to.AddrPort())
	if err != nil {
		m.sendFailed(to, kind, err)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.SendTimeout)
	defer cancel()

	if err := conn.Invoke(ctx, deliverMethod, &Envelope{Payload: payload}, &DeliverReply{}, m.callOpts...); err != nil {
		m.sendFailed(to, kind, err)
		return
	}

	telemetry.MessagesTotal.With("sent", kind.String()).Inc()
}

func (m *Messenger) deliverLocal(msg messages.Message) {
	defer m.wg.Done()

	h := m.currentHandler()
	if h == nil {
		return
	}
	telemetry.MessagesTotal.With("sent", msg.Kind().String()).Inc()
	h.ProcessMessage(msg)
}

func (m *Messenger) sendFailed(to membership.Member, kind messages.Kind, err error) {
	telemetry.MessageSendFailuresTotal.With(kind.String()).Inc()
	log.Debug().
		Err(err).
		Str("to", to.String()).
		Str("kind", kind.String()).
		Msg("Failed to deliver message")
}

// conn returns the cached client connection for addr, dialing lazily
func (m *Messenger) conn(addr netip.AddrPort) (*grpc.ClientConn, error) {
	if cc, ok := m.conns.Load(addr); ok {
		return cc, nil
	}

	cc, err := grpc.NewClient(addr.String(), m.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	if existing, loaded := m.conns.LoadOrStore(addr, cc); loaded {
		_ = cc.Close()
		return existing, nil
	}

	log.Debug().Str("address", addr.String()).Msg("Created peer connection")
	return cc, nil
}

// Retain closes connections to peers that are not members of v
func (m *Messenger) Retain(v *membership.View) {
	keep := make(map[netip.AddrPort]struct{}, v.Size())
	for _, member := range v.Members() {
		keep[member.AddrPort()] = struct{}{}
	}

	m.conns.Range(func(addr netip.AddrPort, cc *grpc.ClientConn) bool {
		if _, ok := keep[addr]; ok {
			return true
		}
		if _, ok := m.conns.LoadAndDelete(addr); ok {
			_ = cc.Close()
			log.Debug().Str("address", addr.String()).Msg("Closed connection to departed member")
		}
		return true
	})
}

// Deliver handles an inbound envelope: the sender counts as contacted,
// then the message is processed
func (m *Messenger) Deliver(ctx context.Context, in *Envelope) (*DeliverReply, error) {
	msg, err := messages.Decode(in.Payload)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid message: %v", err)
	}

	h := m.currentHandler()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "no message handler installed")
	}

	telemetry.MessagesTotal.With("received", msg.Kind().String()).Inc()

	h.ContactedBy(msg.GetSender())
	h.ProcessMessage(msg)
	return &DeliverReply{}, nil
}

// Close cancels in-flight sends, waits for them and closes peer connections
func (m *Messenger) Close() error {
	m.stopMu.Lock()
	if m.closed {
		m.stopMu.Unlock()
		return nil
	}
	m.closed = true
	m.stopMu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.conns.Range(func(addr netip.AddrPort, cc *grpc.ClientConn) bool {
		m.conns.Delete(addr)
		_ = cc.Close()
		return true
	})
	return nil
}
