// Package conn keeps a single logical connection to the room service alive.
//
// A Manager dials through a Dialer, reconnects on unexpected loss with a
// bounded, fixed-delay policy and fans three kinds of signals out to its
// subscribers: connected, disconnected and every inbound protocol message.
// It never interprets the messages it passes through.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrConnectionLost      = errors.New("connection lost")
	ErrConnectionExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected        = errors.New("not connected")
	ErrClosed              = errors.New("connection manager closed")
)

// Transport is one live connection.
type Transport interface {
	Read(ctx context.Context) (protocol.Envelope, error)
	Write(ctx context.Context, env protocol.Envelope) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type SignalKind int

const (
	Connected SignalKind = iota
	Disconnected
	Message
)

func (k SignalKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Message:
		return "message"
	}
	return fmt.Sprintf("SignalKind(%d)", int(k))
}

type Signal struct {
	Kind     SignalKind
	Envelope protocol.Envelope // set for Message
	Err      error             // why the connection went away
	// Final marks a Disconnected after which no reconnect will be tried.
	Final bool
}

type Options struct {
	// Attempts bounds the dials made per (re)connect. Defaults to 5.
	Attempts int
	// Delay is the fixed pause between dials. Defaults to 1s.
	Delay time.Duration
	// DialTimeout bounds a single dial. Defaults to 5s.
	DialTimeout time.Duration
	Logger      *zap.Logger
}

type subscriber struct {
	id int
	fn func(Signal)
}

type Manager struct {
	dialer Dialer
	opts   Options
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	transport  Transport
	connecting bool
	closed     bool
	subs       []subscriber
	nextSub    int
}

func New(d Dialer, opts Options) *Manager {
	if opts.Attempts < 1 {
		opts.Attempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer: d,
		opts:   opts,
		log:    opts.Logger.Named("conn"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the service. It is a no-op while a connection is up or
// being established.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.transport != nil || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.mu.Unlock()

	// Close must be able to abort a dial started by the caller.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-m.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	t, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		if m.ctx.Err() != nil {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fmt.Errorf("%w: %w", ErrConnectionExhausted, err)
		m.emit(Signal{Kind: Disconnected, Err: err, Final: true})
		return err
	}
	return m.install(t)
}

// Send writes one envelope on the current connection.
func (m *Manager) Send(ctx context.Context, env protocol.Envelope) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Write(ctx, env)
}

// Connected reports whether a connection is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport != nil
}

// Subscribe registers fn for every signal until the returned func is
// called. fn runs on the manager's goroutines and must not block.
func (m *Manager) Subscribe(fn func(Signal)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Close drops the connection and stops reconnecting. Subscribers get a
// final Disconnected if a connection was up or being dialed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	t := m.transport
	m.transport = nil
	active := t != nil || m.connecting
	m.mu.Unlock()

	var err error
	if t != nil {
		err = multierr.Append(err, t.Close())
	}
	m.cancel()
	m.wg.Wait()

	if active {
		m.emit(Signal{Kind: Disconnected, Err: ErrClosed, Final: true})
	}
	m.mu.Lock()
	m.subs = nil
	m.mu.Unlock()
	return err
}

func (m *Manager) install(t Transport) error {
	m.mu.Lock()
	m.connecting = false
	if m.closed {
		m.mu.Unlock()
		return multierr.Append(ErrClosed, t.Close())
	}
	m.transport = t
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("connected")
	m.emit(Signal{Kind: Connected})
	go m.readLoop(t)
	return nil
}

func (m *Manager) readLoop(t Transport) {
	defer m.wg.Done()
	for {
		env, err := t.Read(m.ctx)
		if err != nil {
			m.lost(t, err)
			return
		}
		m.emit(Signal{Kind: Message, Envelope: env})
	}
}

// lost handles an unexpected end of t and tries to get a new connection.
func (m *Manager) lost(t Transport, cause error) {
	m.mu.Lock()
	if m.closed || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.connecting = true
	m.mu.Unlock()

	if err := t.Close(); err != nil {
		m.log.Debug("close lost transport", zap.Error(err))
	}
	m.log.Warn("connection lost", zap.Error(cause))
	m.emit(Signal{Kind: Disconnected, Err: fmt.Errorf("%w: %w", ErrConnectionLost, cause)})

	timer := time.NewTimer(m.opts.Delay)
	select {
	case <-m.ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	next, err := m.dial(m.ctx)
	if err != nil {
		m.mu.Lock()
		m.connecting = false
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.log.Error("giving up on reconnect", zap.Error(err))
		m.emit(Signal{Kind: Disconnected, Err: fmt.Errorf("%w: %w", ErrConnectionExhausted, err), Final: true})
		return
	}
	if err := m.install(next); err != nil {
		m.log.Debug("reconnected after close", zap.Error(err))
	}
}

// dial makes up to Attempts dials, Delay apart.
func (m *Manager) dial(ctx context.Context) (Transport, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.opts.Delay), uint64(m.opts.Attempts-1)),
		ctx,
	)
	attempt := 0
	return backoff.RetryNotifyWithData(func() (Transport, error) {
		attempt++
		dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		defer cancel()
		return m.dialer.Dial(dctx)
	}, policy, func(err error, wait time.Duration) {
		m.log.Debug("dial failed", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
	})
}

func (m *Manager) emit(sig Signal) {
	m.mu.Lock()
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, s := range subs {
		s.fn(sig)
	}
}
