// Package natsstub speaks enough of the NATS client protocol to accept a
// nats.go connection and record published messages.
package natsstub

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Message is one PUB received by the server.
type Message struct {
	Subject string
	Data    []byte
}

type Server struct {
	listener net.Listener

	mu       sync.Mutex
	messages []Message
	notify   chan struct{}
	closed   chan struct{}
	conns    map[net.Conn]struct{}
}

// Start listens on a random loopback port.
func Start() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ln,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go s.serve()
	return s, nil
}

// URL returns a nats:// URL for the server.
func (s *Server) URL() string {
	return "nats://" + s.listener.Addr().String()
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	_ = s.listener.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}

// Messages returns a copy of everything published so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// WaitForMessages blocks until at least n messages arrived or timeout passes.
func (s *Server) WaitForMessages(n int, timeout time.Duration) []Message {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if msgs := s.Messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return s.Messages()
		}
	}
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	host, portText, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portText)
	info, _ := json.Marshal(map[string]any{
		"server_id":   "natsstub",
		"server_name": "natsstub",
		"version":     "2.10.0",
		"proto":       1,
		"host":        host,
		"port":        port,
		"max_payload": 1 << 20,
		"headers":     false,
	})
	writer := bufio.NewWriter(conn)
	if !writeLine(writer, "INFO "+string(info)) {
		return
	}
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		op, rest, _ := strings.Cut(line, " ")
		switch strings.ToUpper(op) {
		case "CONNECT", "SUB", "UNSUB", "PONG", "":
		case "PING":
			if !writeLine(writer, "PONG") {
				return
			}
		case "PUB":
			msg, err := readPub(reader, rest)
			if err != nil {
				_ = writeLine(writer, "-ERR '"+err.Error()+"'")
				return
			}
			s.record(msg)
		default:
			_ = writeLine(writer, "-ERR 'Unknown Protocol Operation'")
			return
		}
	}
}

// readPub parses "PUB <subject> [reply] <size>" followed by the payload.
func readPub(r *bufio.Reader, args string) (Message, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 || len(fields) > 3 {
		return Message{}, fmt.Errorf("invalid pub arguments")
	}
	size, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || size < 0 {
		return Message{}, fmt.Errorf("invalid payload size")
	}
	payload := make([]byte, size+2)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Message{Subject: fields[0], Data: payload[:size]}, nil
}

func (s *Server) record(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func writeLine(w *bufio.Writer, line string) bool {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		return false
	}
	return w.Flush() == nil
}
