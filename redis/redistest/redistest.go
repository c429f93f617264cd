/*
Package redistest runs a minimal in-process implementation of the
store's wire protocol for tests: just enough of the command surface
for this module's client and coordination layers to be exercised
against a real TCP socket without a live store.

Supported commands: PING, ECHO, AUTH, SELECT, GET, SET, DEL, HSET,
HGET, HGETALL, SCAN (single-pass, MATCH prefix only), SUBSCRIBE,
PUBLISH, and EVAL. EVAL does not interpret scripts; tests register
emulations with HandleScript, matched by substring, and the handler
runs while the server lock is held — the same one-script-at-a-time
execution the real store guarantees.
*/
package redistest

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/PylonLabs/pylon/resp"
)

// DB is the server's keyspace, exposed to ScriptFunc emulations and to
// WithDB so tests can seed or inspect state.
type DB struct {
	Strings map[string]string
	Hashes  map[string]map[string]string
	ZSets   map[string]map[string]float64
}

func newDB() *DB {
	return &DB{
		Strings: make(map[string]string),
		Hashes:  make(map[string]map[string]string),
		ZSets:   make(map[string]map[string]float64),
	}
}

// Hash returns the hash at key, creating it if absent.
func (db *DB) Hash(key string) map[string]string {
	h, ok := db.Hashes[key]
	if !ok {
		h = make(map[string]string)
		db.Hashes[key] = h
	}
	return h
}

// ZSet returns the sorted set at key, creating it if absent.
func (db *DB) ZSet(key string) map[string]float64 {
	z, ok := db.ZSets[key]
	if !ok {
		z = make(map[string]float64)
		db.ZSets[key] = z
	}
	return z
}

func (db *DB) deleteKey(key string) bool {
	_, s := db.Strings[key]
	_, h := db.Hashes[key]
	_, z := db.ZSets[key]
	delete(db.Strings, key)
	delete(db.Hashes, key)
	delete(db.ZSets, key)
	return s || h || z
}

func (db *DB) keys() []string {
	var out []string
	for k := range db.Strings {
		out = append(out, k)
	}
	for k := range db.Hashes {
		out = append(out, k)
	}
	for k := range db.ZSets {
		out = append(out, k)
	}
	return out
}

// ScriptFunc emulates one server-side script. It runs with the server
// lock held, so its reads and writes are atomic with respect to every
// other command and script.
type ScriptFunc func(db *DB, keys []string, args []string) resp.Reply

type scriptEntry struct {
	match string
	fn    ScriptFunc
}

type client struct {
	sock    net.Conn
	writeMu sync.Mutex
	subs    map[string]bool
}

func (c *client) send(r resp.Reply) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sock.Write(resp.EncodeReply(r))
}

// Server is one in-process store instance listening on a loopback TCP
// port.
type Server struct {
	lis      net.Listener
	password string

	mu      sync.Mutex
	db      *DB
	scripts []scriptEntry
	clients map[*client]bool
	closed  bool

	wg sync.WaitGroup
}

// New starts a server on an ephemeral loopback port. An empty password
// disables the AUTH step.
func New(password string) (*Server, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("redistest: listen: %w", err)
	}
	s := &Server{
		lis:      lis,
		password: password,
		db:       newDB(),
		clients:  make(map[*client]bool),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.lis.Addr().String()
}

// URL returns a connection URL for the server, including password and
// namespace index when set.
func (s *Server) URL(db int) string {
	if s.password != "" {
		return fmt.Sprintf("redis://:%s@%s/%d", s.password, s.Addr(), db)
	}
	return fmt.Sprintf("redis://%s/%d", s.Addr(), db)
}

// HandleScript registers an EVAL emulation for any script body
// containing match.
func (s *Server) HandleScript(match string, fn ScriptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, scriptEntry{match: match, fn: fn})
}

// WithDB runs fn with exclusive access to the keyspace.
func (s *Server) WithDB(fn func(db *DB)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.db)
}

// Publish emits a message frame to every client subscribed to channel,
// as if another process had published it. Returns the receiver count.
func (s *Server) Publish(channel string, payload []byte) int {
	frame := resp.Array(resp.Bulk("message"), resp.Bulk(channel), resp.Bulk(string(payload)))
	s.mu.Lock()
	receivers := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.subs[channel] {
			receivers = append(receivers, c)
		}
	}
	s.mu.Unlock()
	for _, c := range receivers {
		c.send(frame)
	}
	return len(receivers)
}

// DropClients severs every live client connection without stopping the
// listener, simulating a network partition the clients must survive.
func (s *Server) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.sock.Close()
	}
}

// Close stops the listener and severs all clients.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.lis.Close()
	s.DropClients()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		sock, err := s.lis.Accept()
		if err != nil {
			return
		}
		c := &client{sock: sock, subs: make(map[string]bool)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			sock.Close()
			return
		}
		s.clients[c] = true
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c *client) {
	defer s.wg.Done()
	defer func() {
		c.sock.Close()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := c.sock.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, consumed, derr := resp.Decode(buf)
				if derr != nil {
					break
				}
				buf = buf[consumed:]
				s.handle(c, frame)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(c *client, frame resp.Reply) {
	if frame.Kind != resp.KindArray || len(frame.Array) == 0 {
		c.send(resp.Error("ERR malformed command frame"))
		return
	}
	args := make([]string, len(frame.Array))
	for i, a := range frame.Array {
		args[i] = a.Text()
	}
	name := strings.ToUpper(args[0])
	args = args[1:]

	switch name {
	case "PING":
		c.send(resp.Status("PONG"))
	case "ECHO":
		c.send(resp.Bulk(argAt(args, 0)))
	case "AUTH":
		if s.password == "" {
			c.send(resp.Error("ERR Client sent AUTH, but no password is set"))
		} else if argAt(args, 0) == s.password {
			c.send(resp.Status("OK"))
		} else {
			c.send(resp.Error("ERR invalid password"))
		}
	case "SELECT":
		if _, err := strconv.Atoi(argAt(args, 0)); err != nil {
			c.send(resp.Error("ERR invalid DB index"))
		} else {
			c.send(resp.Status("OK"))
		}
	case "GET":
		s.mu.Lock()
		v, ok := s.db.Strings[argAt(args, 0)]
		s.mu.Unlock()
		if !ok {
			c.send(resp.Null())
		} else {
			c.send(resp.Bulk(v))
		}
	case "SET":
		s.mu.Lock()
		s.db.Strings[argAt(args, 0)] = argAt(args, 1)
		s.mu.Unlock()
		c.send(resp.Status("OK"))
	case "DEL":
		removed := 0
		s.mu.Lock()
		for _, key := range args {
			if s.db.deleteKey(key) {
				removed++
			}
		}
		s.mu.Unlock()
		c.send(resp.Integer(int64(removed)))
	case "HSET":
		if len(args) < 3 || len(args)%2 == 0 {
			c.send(resp.Error("ERR wrong number of arguments for 'hset' command"))
			return
		}
		added := 0
		s.mu.Lock()
		h := s.db.Hash(args[0])
		for i := 1; i+1 < len(args); i += 2 {
			if _, exists := h[args[i]]; !exists {
				added++
			}
			h[args[i]] = args[i+1]
		}
		s.mu.Unlock()
		c.send(resp.Integer(int64(added)))
	case "HGET":
		s.mu.Lock()
		h, ok := s.db.Hashes[argAt(args, 0)]
		var v string
		if ok {
			v, ok = h[argAt(args, 1)]
		}
		s.mu.Unlock()
		if !ok {
			c.send(resp.Null())
		} else {
			c.send(resp.Bulk(v))
		}
	case "HGETALL":
		s.mu.Lock()
		h := s.db.Hashes[argAt(args, 0)]
		flat := make([]resp.Reply, 0, len(h)*2)
		for f, v := range h {
			flat = append(flat, resp.Bulk(f), resp.Bulk(v))
		}
		s.mu.Unlock()
		c.send(resp.Array(flat...))
	case "SCAN":
		// Single-pass: always returns cursor 0 with every match.
		prefix := ""
		for i := 1; i < len(args); i++ {
			if strings.ToUpper(args[i]) == "MATCH" && i+1 < len(args) {
				prefix = strings.TrimSuffix(args[i+1], "*")
			}
		}
		s.mu.Lock()
		var matched []resp.Reply
		for _, k := range s.db.keys() {
			if strings.HasPrefix(k, prefix) {
				matched = append(matched, resp.Bulk(k))
			}
		}
		s.mu.Unlock()
		c.send(resp.Array(resp.Bulk("0"), resp.Array(matched...)))
	case "EVAL":
		s.evalScript(c, args)
	case "SUBSCRIBE":
		channel := argAt(args, 0)
		s.mu.Lock()
		c.subs[channel] = true
		count := int64(len(c.subs))
		s.mu.Unlock()
		c.send(resp.Array(resp.Bulk("subscribe"), resp.Bulk(channel), resp.Integer(count)))
	case "PUBLISH":
		n := s.Publish(argAt(args, 0), []byte(argAt(args, 1)))
		c.send(resp.Integer(int64(n)))
	default:
		c.send(resp.Error(fmt.Sprintf("ERR unknown command '%s'", name)))
	}
}

func (s *Server) evalScript(c *client, args []string) {
	if len(args) < 2 {
		c.send(resp.Error("ERR wrong number of arguments for 'eval' command"))
		return
	}
	body := args[0]
	numKeys, err := strconv.Atoi(args[1])
	if err != nil || numKeys < 0 || 2+numKeys > len(args) {
		c.send(resp.Error("ERR invalid numkeys"))
		return
	}
	keys := args[2 : 2+numKeys]
	rest := args[2+numKeys:]

	s.mu.Lock()
	var fn ScriptFunc
	for _, entry := range s.scripts {
		if strings.Contains(body, entry.match) {
			fn = entry.fn
			break
		}
	}
	if fn == nil {
		s.mu.Unlock()
		c.send(resp.Error("ERR no emulation registered for script"))
		return
	}
	reply := fn(s.db, keys, rest)
	s.mu.Unlock()
	c.send(reply)
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
