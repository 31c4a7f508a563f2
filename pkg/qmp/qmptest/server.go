// Package qmptest provides a fake QMP endpoint for tests.
package qmptest

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/oro-os/dbgutil/pkg/qmp"
)

// Handler answers a request. Returning nil leaves the request without a
// reply, which is how a stalled QEMU is simulated.
type Handler func(req *qmp.Request) *qmp.Response

// Return builds a successful response carrying v.
func Return(v interface{}) *qmp.Response {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &qmp.Response{Return: buf}
}

// Fail builds an error response.
func Fail(class, desc string) *qmp.Response {
	return &qmp.Response{Error: &qmp.Error{Class: class, Desc: desc}}
}

// Server listens on a unix socket and speaks enough QMP to satisfy
// qmp.Client: it sends a greeting, acknowledges qmp_capabilities and
// hands every other command to its Handler. Handlers run concurrently, so
// replies may be sent out of order.
type Server struct {
	l       net.Listener
	handler Handler

	mu    sync.Mutex
	conns map[net.Conn]*sync.Mutex
	wg    sync.WaitGroup
}

// Listen creates the socket at path and starts serving.
func Listen(path string, h Handler) (*Server, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	s := &Server{l: l, handler: h, conns: make(map[net.Conn]*sync.Mutex)}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Serve speaks QMP on an already accepted connection until it is closed.
func Serve(conn net.Conn, h Handler) {
	s := &Server{handler: h, conns: make(map[net.Conn]*sync.Mutex)}
	s.track(conn)
	s.serve(conn)
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = new(sync.Mutex)
	s.mu.Unlock()
}

func (s *Server) send(conn net.Conn, v interface{}) {
	s.mu.Lock()
	wmu := s.conns[conn]
	s.mu.Unlock()
	if wmu == nil {
		return
	}
	buf, _ := json.Marshal(v)
	wmu.Lock()
	conn.Write(append(buf, '\r', '\n'))
	wmu.Unlock()
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.send(conn, json.RawMessage(`{"QMP": {"version": {"qemu": {"micro": 0, "minor": 2, "major": 8}, "package": ""}, "capabilities": ["oob"]}}`))

	dec := json.NewDecoder(conn)
	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		var req qmp.Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if req.Execute == "qmp_capabilities" {
			s.send(conn, &qmp.Response{Return: json.RawMessage(`{}`), ID: req.ID})
			continue
		}
		handlers.Add(1)
		go func(req qmp.Request) {
			defer handlers.Done()
			resp := s.handler(&req)
			if resp == nil {
				return
			}
			resp.ID = req.ID
			s.send(conn, resp)
		}(req)
	}
}

// Emit sends an event to every connected client.
func (s *Server) Emit(event string) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.send(conn, &qmp.Event{Event: event})
	}
}

// Hangup closes every client connection, as QEMU does when it exits.
func (s *Server) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops listening and drops every connection. Handlers that never
// return keep Close from returning.
func (s *Server) Close() error {
	var err error
	if s.l != nil {
		err = s.l.Close()
	}
	s.Hangup()
	s.wg.Wait()
	return err
}
