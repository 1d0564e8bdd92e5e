// Package testutil provides testing utilities for the satellite bridge.
// It contains a fake Wyoming satellite that accepts TCP connections, records
// every event it receives and can answer or push events on demand.
package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"vaca/internal/wyoming"
)

// Responder returns the events the fake satellite should send back after
// receiving ev. It runs on the connection's read goroutine.
type Responder func(ev wyoming.Event) []wyoming.Event

// FakeSatellite simulates a satellite endpoint speaking the Wyoming protocol.
type FakeSatellite struct {
	listener net.Listener

	connsMu sync.Mutex
	conns   []net.Conn

	eventsMu sync.Mutex
	events   []wyoming.Event
	notify   chan struct{}

	responderMu sync.RWMutex
	responder   Responder

	accepted chan net.Conn
	wg       sync.WaitGroup
}

// NewFakeSatellite creates a fake satellite. Call Start before connecting to it.
func NewFakeSatellite() *FakeSatellite {
	return &FakeSatellite{
		notify:   make(chan struct{}),
		accepted: make(chan net.Conn, 16),
	}
}

// Start listens on a random loopback port.
func (s *FakeSatellite) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every open connection.
func (s *FakeSatellite) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.CloseConnections()
	s.wg.Wait()
	return err
}

// Addr returns the host and port the fake satellite listens on.
func (s *FakeSatellite) Addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// SetResponder installs a function that answers received events.
func (s *FakeSatellite) SetResponder(r Responder) {
	s.responderMu.Lock()
	s.responder = r
	s.responderMu.Unlock()
}

// WaitForConnection waits until a client connects.
func (s *FakeSatellite) WaitForConnection(timeout time.Duration) bool {
	select {
	case <-s.accepted:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ConnectionCount returns the number of connections accepted so far that are still open.
func (s *FakeSatellite) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// Send writes an event to the most recent connection.
func (s *FakeSatellite) Send(ev wyoming.Event) error {
	s.connsMu.Lock()
	if len(s.conns) == 0 {
		s.connsMu.Unlock()
		return errors.New("no connection")
	}
	conn := s.conns[len(s.conns)-1]
	s.connsMu.Unlock()

	return wyoming.WriteEvent(conn, ev)
}

// SendRaw writes raw bytes to the most recent connection.
func (s *FakeSatellite) SendRaw(b []byte) error {
	s.connsMu.Lock()
	if len(s.conns) == 0 {
		s.connsMu.Unlock()
		return errors.New("no connection")
	}
	conn := s.conns[len(s.conns)-1]
	s.connsMu.Unlock()

	_, err := conn.Write(b)
	return err
}

// CloseConnections drops every open connection, simulating a satellite going away.
func (s *FakeSatellite) CloseConnections() {
	s.connsMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
	s.connsMu.Unlock()
}

// Events returns a copy of every event received so far.
func (s *FakeSatellite) Events() []wyoming.Event {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return append([]wyoming.Event(nil), s.events...)
}

// EventTypes returns the type tags of every event received so far, in order.
func (s *FakeSatellite) EventTypes() []string {
	events := s.Events()
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// Reset forgets recorded events.
func (s *FakeSatellite) Reset() {
	s.eventsMu.Lock()
	s.events = nil
	s.eventsMu.Unlock()
}

// WaitForEvent waits until an event of the given type has been received and returns
// the first one.
func (s *FakeSatellite) WaitForEvent(eventType string, timeout time.Duration) (wyoming.Event, bool) {
	return s.WaitFor(func(events []wyoming.Event) (wyoming.Event, bool) {
		for _, ev := range events {
			if ev.Type == eventType {
				return ev, true
			}
		}
		return wyoming.Event{}, false
	}, timeout)
}

// WaitForCount waits until n events have been received.
func (s *FakeSatellite) WaitForCount(n int, timeout time.Duration) bool {
	_, ok := s.WaitFor(func(events []wyoming.Event) (wyoming.Event, bool) {
		if len(events) >= n {
			return events[n-1], true
		}
		return wyoming.Event{}, false
	}, timeout)
	return ok
}

// WaitFor waits until match reports true for the recorded events.
func (s *FakeSatellite) WaitFor(match func([]wyoming.Event) (wyoming.Event, bool), timeout time.Duration) (wyoming.Event, bool) {
	deadline := time.After(timeout)
	for {
		s.eventsMu.Lock()
		events := append([]wyoming.Event(nil), s.events...)
		notify := s.notify
		s.eventsMu.Unlock()

		if ev, ok := match(events); ok {
			return ev, true
		}

		select {
		case <-notify:
		case <-deadline:
			return wyoming.Event{}, false
		}
	}
}

func (s *FakeSatellite) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.connsMu.Lock()
		s.conns = append(s.conns, conn)
		s.connsMu.Unlock()

		select {
		case s.accepted <- conn:
		default:
		}

		s.wg.Add(1)
		go s.readLoop(conn)
	}
}

func (s *FakeSatellite) readLoop(conn net.Conn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	reader := bufio.NewReader(conn)
	for {
		ev, err := wyoming.ReadEvent(reader)
		if err != nil {
			if !errors.Is(err, wyoming.ErrConnectionClosed) && !errors.Is(err, net.ErrClosed) {
				log.Printf("fake satellite read error: %v", err)
			}
			return
		}

		s.eventsMu.Lock()
		s.events = append(s.events, ev)
		close(s.notify)
		s.notify = make(chan struct{})
		s.eventsMu.Unlock()

		s.responderMu.RLock()
		responder := s.responder
		s.responderMu.RUnlock()

		if responder == nil {
			continue
		}
		for _, reply := range responder(ev) {
			if err := wyoming.WriteEvent(conn, reply); err != nil {
				return
			}
		}
	}
}

func (s *FakeSatellite) dropConn(conn net.Conn) {
	conn.Close()

	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}
