package osc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"vjrun/lib/trigger"
)

const (
	Prefix = "/vjrun"

	maxFrame = 64 << 10
)

// Reply is sent back for every message, on "/reply" + the request address.
type Reply struct {
	Address string `json:"address"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Server accepts OSC over SLIP/TCP and turns messages into trigger inputs:
//
//	/vjrun/layer/<id>/press i    press (non-zero) or release layer id
//	/vjrun/layer/<id>/opacity f  set layer opacity, 0..1
//	/vjrun/panic                 release every layer
//	/vjrun/key s                 tap a key, e.g. "f1" to arm a take
type Server struct {
	listener net.Listener
	push     func(trigger.Input) bool

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen starts serving on addr. push is called from connection goroutines
// and must not block.
func Listen(addr string, push func(trigger.Input) bool) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("osc: listen: %w", err)
	}
	s := &Server{listener: ln, push: push, conns: map[net.Conn]struct{}{}}
	s.wg.Add(1)
	go s.serve()
	slog.Info("OSC remote listening", "addr", ln.Addr().String())
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Error("OSC accept failed", "error", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	remote := conn.RemoteAddr().String()
	slog.Info("OSC client connected", "remote", remote)

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			slog.Info("OSC client disconnected", "remote", remote)
			return
		}
		buf = append(buf, tmp[:n]...)
		for {
			frame, rest, ok := nextFrame(buf)
			buf = rest
			if !ok {
				break
			}
			s.reply(conn, s.handleFrame(frame))
		}
		if len(buf) > maxFrame {
			slog.Warn("OSC frame too large, dropping buffer", "remote", remote, "bytes", len(buf))
			buf = buf[:0]
		}
	}
}

func (s *Server) handleFrame(frame []byte) Reply {
	addr, args, err := Decode(frame)
	if err != nil {
		return Reply{Address: addr, Status: "error", Error: err.Error()}
	}
	inputs, err := Route(addr, args)
	if err != nil {
		slog.Debug("OSC message rejected", "address", addr, "error", err)
		return Reply{Address: addr, Status: "error", Error: err.Error()}
	}
	for _, in := range inputs {
		if !s.push(in) {
			return Reply{Address: addr, Status: "error", Error: "input queue full"}
		}
	}
	return Reply{Address: addr, Status: "ok"}
}

func (s *Server) reply(conn net.Conn, r Reply) {
	body, err := json.Marshal(r)
	if err != nil {
		return
	}
	msg, err := Encode("/reply"+r.Address, string(body))
	if err != nil {
		return
	}
	if _, err := conn.Write(slipEncode(msg)); err != nil {
		slog.Debug("OSC reply failed", "error", err)
	}
}

// Route maps one message to the inputs it stands for.
func Route(addr string, args []any) ([]trigger.Input, error) {
	path, ok := strings.CutPrefix(addr, Prefix+"/")
	if !ok {
		return nil, fmt.Errorf("unknown address %q", addr)
	}
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] == "panic":
		return []trigger.Input{trigger.PanicInput{}}, nil

	case len(parts) == 1 && parts[0] == "key":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: want one string argument", addr)
		}
		k, ok := args[0].(string)
		if !ok || k == "" {
			return nil, fmt.Errorf("%s: want one string argument", addr)
		}
		return []trigger.Input{
			trigger.KeyInput{Key: k, Pressed: true},
			trigger.KeyInput{Key: k},
		}, nil

	case len(parts) == 3 && parts[0] == "layer":
		id, err := strconv.Atoi(parts[1])
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%s: bad layer id %q", addr, parts[1])
		}
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: want one argument", addr)
		}
		v, ok := number(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: argument %v is not a number", addr, args[0])
		}
		switch parts[2] {
		case "press":
			return []trigger.Input{trigger.PressInput{Layer: id, Pressed: v != 0}}, nil
		case "opacity":
			return []trigger.Input{trigger.ParamInput{Layer: id, Value: v}}, nil
		}
	}
	return nil, fmt.Errorf("unknown address %q", addr)
}

func number(arg any) (float64, bool) {
	switch v := arg.(type) {
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
