// Package redisstub is a tiny RESP server implementing the handful of Redis
// commands the job queue and rate limiter use. It lets go-redis clients run
// against a real socket in tests without a Redis install.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu     sync.Mutex
	kv     map[string]*kvEntry
	lists  map[string][]string
	closed chan struct{}
	conns  map[net.Conn]struct{}
}

type kvEntry struct {
	value  int64
	expiry time.Time
}

// Start listens on a random loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		lists:    make(map[string][]string),
		closed:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// Close stops the listener and drops open connections.
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

// ListLen returns the current length of the list at key.
func (s *Server) ListLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[key])
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
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			// RESP2 only; go-redis falls back when HELLO is rejected.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "LPUSH", "RPUSH":
		if len(args) < 3 {
			return writeError(w, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"'")
		}
		s.mu.Lock()
		list := s.lists[args[1]]
		for _, value := range args[2:] {
			if cmd == "LPUSH" {
				list = append([]string{value}, list...)
			} else {
				list = append(list, value)
			}
		}
		s.lists[args[1]] = list
		n := len(list)
		s.mu.Unlock()
		return writeInteger(w, int64(n))
	case "RPOP":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'rpop'")
		}
		if value, ok := s.rpop(args[1:]); ok {
			return writeBulkString(w, value[1])
		}
		return writeBulkNil(w)
	case "BRPOP":
		return s.handleBRPop(w, args)
	case "LLEN":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'llen'")
		}
		return writeInteger(w, int64(s.ListLen(args[1])))
	case "DEL":
		if len(args) < 2 {
			return writeError(w, "ERR wrong number of arguments for 'del'")
		}
		return writeInteger(w, s.del(args[1:]))
	case "INCR":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'incr'")
		}
		return writeInteger(w, s.incr(args[1]))
	case "EXPIRE", "PEXPIRE":
		if len(args) < 3 {
			return writeError(w, "ERR wrong number of arguments for 'expire'")
		}
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		return writeInteger(w, s.expire(args[1], time.Duration(amount)*unit))
	case "TTL", "PTTL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'ttl'")
		}
		remaining, code := s.ttl(args[1])
		if code < 0 {
			return writeInteger(w, code)
		}
		if cmd == "PTTL" {
			return writeInteger(w, remaining.Milliseconds())
		}
		return writeInteger(w, int64((remaining+time.Second-1)/time.Second))
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(args[0])))
	}
}

// handleBRPop polls the listed keys until one has an element or the timeout
// passes. A zero timeout blocks until the server closes.
func (s *Server) handleBRPop(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(w, "ERR wrong number of arguments for 'brpop'")
	}
	seconds, err := strconv.ParseFloat(args[len(args)-1], 64)
	if err != nil || seconds < 0 {
		return writeError(w, "ERR timeout is not a float or out of range")
	}
	keys := args[1 : len(args)-1]
	var deadline time.Time
	if seconds > 0 {
		deadline = time.Now().Add(time.Duration(seconds * float64(time.Second)))
	}
	for {
		if pair, ok := s.rpop(keys); ok {
			return writeArray(w, pair)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return writeNilArray(w)
		}
		select {
		case <-s.closed:
			return io.EOF
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Server) rpop(keys []string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		list := s.lists[key]
		if len(list) == 0 {
			continue
		}
		value := list[len(list)-1]
		list = list[:len(list)-1]
		if len(list) == 0 {
			delete(s.lists, key)
		} else {
			s.lists[key] = list
		}
		return []string{key, value}, true
	}
	return nil, false
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			removed++
		}
		if _, ok := s.kv[key]; ok {
			delete(s.kv, key)
			removed++
		}
	}
	return removed
}

func (s *Server) liveEntryLocked(key string) *kvEntry {
	entry := s.kv[key]
	if entry != nil && !entry.expiry.IsZero() && !time.Now().Before(entry.expiry) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func (s *Server) incr(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntryLocked(key)
	if entry == nil {
		entry = &kvEntry{}
		s.kv[key] = entry
	}
	entry.value++
	return entry.value
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntryLocked(key)
	if entry == nil {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

// ttl returns the remaining lifetime, or -2 for a missing key and -1 for a
// key without expiry.
func (s *Server) ttl(key string) (time.Duration, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntryLocked(key)
	if entry == nil {
		return 0, -2
	}
	if entry.expiry.IsZero() {
		return 0, -1
	}
	return time.Until(entry.expiry), 0
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeNilArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []string) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
