// Package redisstub runs a minimal in-process Redis server speaking just
// enough RESP for the session store integration tests: hash writes with
// conditional field creation, key expiry, the atomic RENAME claim, and
// PUBLISH. It is not a general Redis implementation.
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

// Options configures the stub server.
type Options struct {
	Password string
}

// Server is a single stub instance listening on a random loopback port.
type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}

	mu        sync.Mutex
	keys      map[string]*hashEntry
	published map[string][]string
}

type hashEntry struct {
	fields    map[string]string
	expiresAt time.Time
}

// Start launches the stub on 127.0.0.1 with an ephemeral port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:      opts,
		listener:  ln,
		addr:      ln.Addr().String(),
		closed:    make(chan struct{}),
		keys:      make(map[string]*hashEntry),
		published: make(map[string][]string),
	}
	go server.serve()
	return server, nil
}

// Addr returns the listen address clients should dial.
func (s *Server) Addr() string {
	return s.addr
}

// Published returns a copy of payloads published on channel.
func (s *Server) Published(channel string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.published[channel]...)
}

// ExpireNow forces the key's expiry into the past, simulating TTL elapse
// without sleeping in tests.
func (s *Server) ExpireNow(key string) {
	s.mu.Lock()
	if entry, ok := s.keys[key]; ok {
		entry.expiresAt = time.Now().Add(-time.Second)
	}
	s.mu.Unlock()
}

// Close shuts the listener down.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
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
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR empty command") != nil {
				return
			}
			continue
		}
		var replyErr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			replyErr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// Answering with unknown-command makes go-redis fall back
			// to the RESP2 AUTH/SELECT handshake this stub speaks.
			replyErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT":
			replyErr = writeSimpleString(writer, "OK")
		case "SELECT":
			replyErr = writeSimpleString(writer, "OK")
		case "AUTH":
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				replyErr = writeSimpleString(writer, "OK")
			} else {
				replyErr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				replyErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			replyErr = s.dispatch(writer, args)
		}
		if replyErr != nil {
			return
		}
		if writer.Flush() != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	s.mu.Lock()
	defer s.mu.Unlock()
	switch cmd {
	case "HSETNX":
		if len(args) != 4 {
			return writeError(writer, "ERR wrong number of arguments for 'hsetnx'")
		}
		entry := s.liveEntry(args[1])
		if entry != nil {
			if _, exists := entry.fields[args[2]]; exists {
				return writeInt(writer, 0)
			}
		} else {
			entry = &hashEntry{fields: make(map[string]string)}
			s.keys[args[1]] = entry
		}
		entry.fields[args[2]] = args[3]
		return writeInt(writer, 1)
	case "HSET":
		if len(args) < 4 || len(args)%2 != 0 {
			return writeError(writer, "ERR wrong number of arguments for 'hset'")
		}
		entry := s.liveEntry(args[1])
		if entry == nil {
			entry = &hashEntry{fields: make(map[string]string)}
			s.keys[args[1]] = entry
		}
		added := int64(0)
		for i := 2; i+1 < len(args); i += 2 {
			if _, exists := entry.fields[args[i]]; !exists {
				added++
			}
			entry.fields[args[i]] = args[i+1]
		}
		return writeInt(writer, added)
	case "HGETALL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'hgetall'")
		}
		entry := s.liveEntry(args[1])
		if entry == nil {
			return writeArrayHeader(writer, 0)
		}
		if err := writeArrayHeader(writer, 2*len(entry.fields)); err != nil {
			return err
		}
		for field, value := range entry.fields {
			if err := writeBulkString(writer, field); err != nil {
				return err
			}
			if err := writeBulkString(writer, value); err != nil {
				return err
			}
		}
		return nil
	case "EXPIRE", "PEXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments")
		}
		entry := s.liveEntry(args[1])
		if entry == nil {
			return writeInt(writer, 0)
		}
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		unit := time.Second
		if cmd == "PEXPIRE" {
			unit = time.Millisecond
		}
		entry.expiresAt = time.Now().Add(time.Duration(amount) * unit)
		return writeInt(writer, 1)
	case "RENAME":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'rename'")
		}
		entry := s.liveEntry(args[1])
		if entry == nil {
			return writeError(writer, "ERR no such key")
		}
		delete(s.keys, args[1])
		s.keys[args[2]] = entry
		return writeSimpleString(writer, "OK")
	case "DEL":
		removed := int64(0)
		for _, key := range args[1:] {
			if s.liveEntry(key) != nil {
				removed++
			}
			delete(s.keys, key)
		}
		return writeInt(writer, removed)
	case "EXISTS":
		found := int64(0)
		for _, key := range args[1:] {
			if s.liveEntry(key) != nil {
				found++
			}
		}
		return writeInt(writer, found)
	case "PUBLISH":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'publish'")
		}
		s.published[args[1]] = append(s.published[args[1]], args[2])
		return writeInt(writer, 0)
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// liveEntry returns the entry for key, lazily dropping it when expired.
// Callers must hold s.mu.
func (s *Server) liveEntry(key string) *hashEntry {
	entry, ok := s.keys[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.keys, key)
		return nil
	}
	return entry
}

func readArray(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, fmt.Errorf("expected array, got %q", line)
	}
	count, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(header, "$") {
			return nil, fmt.Errorf("expected bulk string, got %q", header)
		}
		length, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:length]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "+%s\r\n", value)
	return err
}

func writeError(w *bufio.Writer, message string) error {
	_, err := fmt.Fprintf(w, "-%s\r\n", message)
	return err
}

func writeInt(w *bufio.Writer, value int64) error {
	_, err := fmt.Fprintf(w, ":%d\r\n", value)
	return err
}

func writeBulkString(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeArrayHeader(w *bufio.Writer, count int) error {
	_, err := fmt.Fprintf(w, "*%d\r\n", count)
	return err
}
