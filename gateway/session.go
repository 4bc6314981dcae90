// session.go - Client to gateway session.
// Copyright (C) 2017  Yawning Angel.
// Copyright (C) 2025  The Mixlink Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package gateway implements the client side of the gateway session
// protocol: register, authenticate, then exchange Sphinx traffic.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/mixlink/mixlink/core/address"
	"github.com/mixlink/mixlink/core/log"
	"github.com/mixlink/mixlink/core/sphinx/constants"
	"github.com/mixlink/mixlink/core/worker"
	"github.com/mixlink/mixlink/transport"
)

const (
	// DefaultSendQueueLength is the default bound on packets accepted by
	// Send but not yet written.
	DefaultSendQueueLength = 64

	defaultDrainTimeout = 10 * time.Second
)

// State is a session state.
type State uint32

const (
	StateDisconnected State = iota
	StateRegistering
	StateAuthenticating
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateRegistering:
		return "registering"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("[unknown state: %d]", uint32(s))
	}
}

// Config is a gateway session configuration.
type Config struct {
	// Address is the client's address.
	Address address.Address

	// Transport, if set, is used to dial the gateway.  Otherwise the
	// transport is picked from the gateway address, see transport.ForAddress.
	Transport transport.Transport

	// DefaultScheme is the transport used for gateway addresses without a
	// scheme.  It defaults to "ws".
	DefaultScheme string

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// SendQueueLength bounds the packets accepted but not yet written.
	SendQueueLength int

	// DrainTimeout bounds how long Close waits for queued packets to be
	// written.
	DrainTimeout time.Duration

	// OnMessage, if set, is called from the reader goroutine with each
	// payload the gateway delivers.  It must not block.
	OnMessage func([]byte)

	// OnStateChange, if set, is called on every state transition.
	OnStateChange func(State)
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return errors.New("gateway: no LogBackend")
	}
	if cfg.Address.IsZero() {
		return errors.New("gateway: no client Address")
	}
	if cfg.SendQueueLength < 0 {
		return fmt.Errorf("gateway: invalid SendQueueLength %d", cfg.SendQueueLength)
	}
	return nil
}

type sendCtx struct {
	frame  *transport.Frame
	doneFn func(error)
}

// Session is a single client to gateway session.  A session is used for
// exactly one connection: after any failure or Close a new session must be
// created.
type Session struct {
	worker.Worker
	sync.Mutex

	cfg *Config
	log *logging.Logger
	id  uuid.UUID

	state    uint32
	opened   uint32
	inFlight uint32

	conn  transport.Conn
	token string

	// sendLock serializes enqueues against Close.  closingCh wakes Sends
	// blocked on a full queue so Close can take it.
	sendLock  sync.RWMutex
	sendCh    chan *sendCtx
	closingCh chan struct{}

	respCh     chan Message
	lostCh     chan struct{}
	lostOnce   sync.Once
	drainCh    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// NewSession creates a new session.  No connection is made until Open.
func NewSession(cfg *Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	queueLen := cfg.SendQueueLength
	if queueLen == 0 {
		queueLen = DefaultSendQueueLength
	}

	s := &Session{
		cfg:        cfg,
		id:         uuid.New(),
		sendCh:     make(chan *sendCtx, queueLen),
		closingCh:  make(chan struct{}),
		respCh:     make(chan Message, 1),
		lostCh:     make(chan struct{}),
		drainCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.log = cfg.LogBackend.GetLogger("gateway/session:" + s.id.String()[:8])
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the session's current state.
func (s *Session) State() State {
	return State(atomic.LoadUint32(&s.state))
}

// Token returns the authentication token issued by the gateway, if any.
func (s *Session) Token() string {
	s.Lock()
	defer s.Unlock()
	return s.token
}

func (s *Session) setState(st State) {
	old := State(atomic.SwapUint32(&s.state, uint32(st)))
	if old != st {
		s.onStateChange(old, st)
	}
}

// casState moves the session from one state to another, failing if a
// concurrent Close or connection loss got there first.
func (s *Session) casState(from, to State) bool {
	if !atomic.CompareAndSwapUint32(&s.state, uint32(from), uint32(to)) {
		return false
	}
	s.onStateChange(from, to)
	return true
}

func (s *Session) onStateChange(from, to State) {
	s.log.Debugf("State: %v -> %v", from, to)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(to)
	}
}

// Open connects to the gateway, moving the session to Registering.
func (s *Session) Open(ctx context.Context, gatewayAddress string) error {
	if s.IsHalted() || !atomic.CompareAndSwapUint32(&s.opened, 0, 1) {
		return ErrSessionClosed
	}
	s.setState(StateRegistering)

	t, dialAddr := s.cfg.Transport, gatewayAddress
	if t == nil {
		scheme := s.cfg.DefaultScheme
		if scheme == "" {
			scheme = "ws"
		}
		var err error
		if t, dialAddr, err = transport.ForAddress(gatewayAddress, scheme); err != nil {
			s.teardown()
			return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		}
	}

	// Close must be able to abort the dial.
	dialCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	go func() {
		select {
		case <-s.HaltCh():
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	s.log.Debugf("Dialing: %v", dialAddr)
	conn, err := t.Dial(dialCtx, dialAddr)
	if err != nil {
		s.log.Warningf("Failed to connect to %v: %v", dialAddr, err)
		closed := s.IsHalted()
		s.teardown()
		if closed {
			return ErrSessionClosed
		}
		return fmt.Errorf("%w: %w: %v", ErrRegistrationFailed, ErrConnectionLost, err)
	}

	s.Lock()
	s.conn = conn
	s.Unlock()
	if s.IsHalted() {
		conn.Close()
		return ErrSessionClosed
	}
	s.log.Debugf("Connected to %v.", conn.RemoteAddr())

	s.Go(s.reader)
	return nil
}

// Register performs the Register exchange, moving the session to
// Authenticating on success.
func (s *Session) Register(ctx context.Context) error {
	if err := s.beginExchange(StateRegistering); err != nil {
		return err
	}
	defer atomic.StoreUint32(&s.inFlight, 0)

	req := &Register{Address: s.cfg.Address.String()}
	resp, err := s.exchange(ctx, req, ErrRegistrationFailed)
	if err != nil {
		return err
	}

	switch r := resp.(type) {
	case *RegisterResponse:
		if !r.Status {
			return s.fail(&RejectedError{Err: ErrRegistrationFailed})
		}
		s.Lock()
		s.token = r.Token
		s.Unlock()
		if !s.casState(StateRegistering, StateAuthenticating) {
			return ErrSessionClosed
		}
		s.log.Debugf("Registered.")
		return nil
	case *ErrorResponse:
		return s.fail(&RejectedError{Err: ErrRegistrationFailed, Message: r.Message})
	default:
		return s.fail(fmt.Errorf("%w: unexpected %T", ErrRegistrationFailed, resp))
	}
}

// Authenticate performs the Authenticate exchange with the token obtained
// by Register, moving the session to Active on success.
func (s *Session) Authenticate(ctx context.Context) error {
	if err := s.beginExchange(StateAuthenticating); err != nil {
		return err
	}
	defer atomic.StoreUint32(&s.inFlight, 0)

	req := &Authenticate{
		Address: s.cfg.Address.String(),
		Token:   s.Token(),
	}
	resp, err := s.exchange(ctx, req, ErrAuthenticationFailed)
	if err != nil {
		return err
	}

	switch r := resp.(type) {
	case *AuthenticateResponse:
		if !r.Status {
			return s.fail(&RejectedError{Err: ErrAuthenticationFailed})
		}
		if r.Token != "" {
			s.Lock()
			s.token = r.Token
			s.Unlock()
		}
		s.log.Debugf("Authenticated, bandwidth remaining: %v", r.BandwidthRemaining)
	case *ErrorResponse:
		return s.fail(&RejectedError{Err: ErrAuthenticationFailed, Message: r.Message})
	default:
		return s.fail(fmt.Errorf("%w: unexpected %T", ErrAuthenticationFailed, resp))
	}

	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	if !s.casState(StateAuthenticating, StateActive) {
		return ErrSessionClosed
	}
	s.Go(s.writer)
	return nil
}

// Handshake performs Register then Authenticate.
func (s *Session) Handshake(ctx context.Context) error {
	if err := s.Register(ctx); err != nil {
		return err
	}
	return s.Authenticate(ctx)
}

func (s *Session) beginExchange(want State) error {
	if st := s.State(); st != want {
		return s.stateErr(st)
	}
	if !atomic.CompareAndSwapUint32(&s.inFlight, 0, 1) {
		return fmt.Errorf("%w: handshake exchange already in flight", ErrInvalidState)
	}
	return nil
}

// exchange writes req and waits for the gateway's response.  Any failure
// tears the session down.
func (s *Session) exchange(ctx context.Context, req Message, stageErr error) (Message, error) {
	f, err := req.Frame()
	if err != nil {
		return nil, s.fail(fmt.Errorf("%w: %v", stageErr, err))
	}

	s.Lock()
	conn := s.conn
	s.Unlock()
	if err = conn.WriteFrame(f); err != nil {
		s.log.Debugf("Failed to send %T: %v", req, err)
		closed := s.IsHalted() && !s.isLost()
		s.fail(nil)
		if closed {
			return nil, ErrSessionClosed
		}
		return nil, fmt.Errorf("%w: %w: %v", stageErr, ErrConnectionLost, err)
	}
	s.log.Debugf("Sent %T.", req)

	select {
	case resp := <-s.respCh:
		return resp, nil
	case <-ctx.Done():
		s.log.Debugf("%T cancelled: %v", req, ctx.Err())
		return nil, s.fail(fmt.Errorf("%w: %w", stageErr, ctx.Err()))
	case <-s.lostCh:
		return nil, fmt.Errorf("%w: %w", stageErr, ErrConnectionLost)
	case <-s.HaltCh():
		if s.isLost() {
			return nil, fmt.Errorf("%w: %w", stageErr, ErrConnectionLost)
		}
		return nil, ErrSessionClosed
	}
}

// fail tears down the session after a handshake failure, returning err.
func (s *Session) fail(err error) error {
	if err != nil {
		s.log.Warningf("Handshake failed: %v", err)
	}
	s.teardown()
	return err
}

func (s *Session) stateErr(st State) error {
	switch st {
	case StateDisconnected:
		if atomic.LoadUint32(&s.opened) == 0 {
			return fmt.Errorf("%w: %v", ErrInvalidState, st)
		}
		return ErrSessionClosed
	case StateClosing:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: %v", ErrInvalidState, st)
	}
}

// Send frames pkt for the gateway to forward to firstHop, blocking until
// the transport write completes.  Packets are written in the order Send is
// called.
func (s *Session) Send(ctx context.Context, firstHop *[constants.NodeIDLength]byte, pkt []byte) error {
	if firstHop == nil {
		return ErrNoNextHop
	}
	f, err := (&Send{NextHop: *firstHop, Packet: pkt}).Frame()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	sc := &sendCtx{
		frame: f,
		doneFn: func(err error) {
			errCh <- err
		},
	}

	s.sendLock.RLock()
	if st := s.State(); st != StateActive {
		s.sendLock.RUnlock()
		return s.stateErr(st)
	}
	select {
	case s.sendCh <- sc:
		s.log.Debugf("Enqueued packet for send: %d bytes.", len(pkt))
	case <-ctx.Done():
		s.sendLock.RUnlock()
		return ctx.Err()
	case <-s.lostCh:
		s.sendLock.RUnlock()
		return ErrConnectionLost
	case <-s.closingCh:
		s.sendLock.RUnlock()
		return ErrSessionClosed
	case <-s.HaltCh():
		s.sendLock.RUnlock()
		if s.isLost() {
			return ErrConnectionLost
		}
		return ErrSessionClosed
	}
	s.sendLock.RUnlock()

	select {
	case err = <-errCh:
		return err
	case <-s.lostCh:
		// The writer may have completed it, but can no longer vouch for it.
		select {
		case err = <-errCh:
			return err
		default:
			return ErrConnectionLost
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) writer() {
	defer close(s.writerDone)
	defer s.log.Debugf("Terminating writer.")

	s.Lock()
	conn := s.conn
	s.Unlock()

	write := func(sc *sendCtx) bool {
		err := conn.WriteFrame(sc.frame)
		if err != nil {
			s.log.Debugf("Failed to send packet: %v", err)
			sc.doneFn(ErrConnectionLost)
			s.onConnLost(err)
			return false
		}
		sc.doneFn(nil)
		return true
	}
	failQueued := func(err error) {
		for {
			select {
			case sc := <-s.sendCh:
				sc.doneFn(err)
			default:
				return
			}
		}
	}

	for {
		select {
		case sc := <-s.sendCh:
			if !write(sc) {
				failQueued(ErrConnectionLost)
				return
			}
		case <-s.drainCh:
			// Closing, nothing new can be enqueued.
			for {
				select {
				case sc := <-s.sendCh:
					if !write(sc) {
						failQueued(ErrConnectionLost)
						return
					}
				default:
					return
				}
			}
		case <-s.lostCh:
			failQueued(ErrConnectionLost)
			return
		case <-s.HaltCh():
			if s.isLost() {
				failQueued(ErrConnectionLost)
			} else {
				failQueued(ErrSessionClosed)
			}
			return
		}
	}
}

func (s *Session) reader() {
	defer s.log.Debugf("Terminating reader.")

	s.Lock()
	conn := s.conn
	s.Unlock()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			s.onConnLost(err)
			return
		}
		msg, err := DecodeResponse(f)
		if err != nil {
			s.log.Warningf("Dropping malformed frame: %v", err)
			continue
		}

		switch m := msg.(type) {
		case *DataFrame:
			s.log.Debugf("Received payload: %d bytes.", len(m.Payload))
			if s.cfg.OnMessage != nil {
				s.cfg.OnMessage(m.Payload)
			}
		case *SendResponse:
			s.log.Debugf("Send acknowledged, remaining bandwidth: %v", m.RemainingBandwidth)
		case *ErrorResponse:
			if s.State() == StateActive {
				s.log.Errorf("Gateway error: %v", m.Message)
				continue
			}
			s.deliverResponse(msg)
		default:
			s.deliverResponse(msg)
		}
	}
}

func (s *Session) deliverResponse(msg Message) {
	if atomic.LoadUint32(&s.inFlight) == 0 {
		s.log.Warningf("Dropping unsolicited %T.", msg)
		return
	}
	select {
	case s.respCh <- msg:
	default:
		s.log.Warningf("Dropping unexpected %T.", msg)
	}
}

func (s *Session) isLost() bool {
	select {
	case <-s.lostCh:
		return true
	default:
		return false
	}
}

// onConnLost handles a transport failure.  Failures caused by the session
// itself closing the connection are ignored.
func (s *Session) onConnLost(err error) {
	if s.IsHalted() {
		return
	}
	s.lostOnce.Do(func() {
		s.log.Warningf("Connection lost: %v", err)
		close(s.lostCh)
		s.teardown()
	})
}

// teardown closes the connection and moves the session to Disconnected.
func (s *Session) teardown() {
	s.Signal()
	s.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.Unlock()

	s.sendLock.Lock()
	s.setState(StateDisconnected)
	s.sendLock.Unlock()
}

// Close closes the session.  An outstanding Register or Authenticate is
// cancelled.  In Active, new Sends are refused immediately and packets
// already accepted are written before the connection is closed, bounded by
// DrainTimeout.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closingCh)
		s.sendLock.Lock()
		wasActive := s.State() == StateActive
		if st := s.State(); st != StateDisconnected {
			s.setState(StateClosing)
		}
		s.sendLock.Unlock()

		if wasActive && !s.isLost() {
			timeout := s.cfg.DrainTimeout
			if timeout == 0 {
				timeout = defaultDrainTimeout
			}
			close(s.drainCh)
			select {
			case <-s.writerDone:
			case <-time.After(timeout):
				s.log.Warningf("Timed out draining send queue.")
			}
		}

		s.teardown()
		s.Halt()
		s.log.Debugf("Closed.")
	})
}
