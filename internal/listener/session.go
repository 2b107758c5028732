package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"c3loc/go-ingest-server/internal/codec"
	"c3loc/go-ingest-server/internal/frame"
	"c3loc/go-ingest-server/internal/ingest"
	"c3loc/go-ingest-server/internal/stats"
)

// ErrNotIdentified closes a connection that sends a report before its ID packet.
var ErrNotIdentified = errors.New("message before listener identity")

// State is the lifecycle stage of a Session.
type State int32

const (
	AwaitingIdentity State = iota
	Identified
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingIdentity:
		return "awaiting-identity"
	case Identified:
		return "identified"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Session is one listener connection. Only the connection's reader goroutine
// mutates it; State, ListenerID and Version may be read from anywhere.
type Session struct {
	conn    net.Conn
	peer    string
	decoder *frame.Decoder
	queue   Enqueuer
	sink    stats.Sink
	logger  *slog.Logger

	state      atomic.Int32
	listenerID atomic.Pointer[string]
	version    atomic.Pointer[string]
}

func newSession(conn net.Conn, maxFrame int, queue Enqueuer, sink stats.Sink, logger *slog.Logger) *Session {
	peer := conn.RemoteAddr().String()
	return &Session{
		conn:    conn,
		peer:    peer,
		decoder: frame.NewDecoder(maxFrame),
		queue:   queue,
		sink:    sink,
		logger:  logger.With("peer", peer),
	}
}

// State reports the current stage.
func (s *Session) State() State { return State(s.state.Load()) }

// ListenerID is the hex identity announced by the peer, empty before Identified.
func (s *Session) ListenerID() string {
	if id := s.listenerID.Load(); id != nil {
		return *id
	}
	return ""
}

// Version is the firmware version announced by the peer.
func (s *Session) Version() string {
	if v := s.version.Load(); v != nil {
		return *v
	}
	return ""
}

// SessionInfo describes a connected listener.
type SessionInfo struct {
	Peer       string `json:"peer"`
	ListenerID string `json:"listener_id,omitempty"`
	Version    string `json:"version,omitempty"`
	State      string `json:"state"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{Peer: s.peer, ListenerID: s.ListenerID(), Version: s.Version(), State: s.State().String()}
}

// feed runs one received chunk through the decoder. A non-nil error is fatal
// to the connection.
func (s *Session) feed(chunk []byte) error {
	if err := s.decoder.AddBytes(chunk); err != nil {
		s.sink.Increment(fmt.Sprintf("Invalid Frame (%s)", frameReason(err)))
		return err
	}
	for msg := range s.decoder.Messages() {
		if err := s.handle(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handle(msg frame.Message) error {
	s.sink.Increment("Packet Received")
	t := codec.PacketType(msg.Type)

	if t == codec.PacketID {
		return s.identify(msg.Data)
	}
	if s.State() != Identified {
		s.sink.Increment("Packet Before ID")
		return fmt.Errorf("%w: got %s", ErrNotIdentified, t)
	}
	id := s.ListenerID()
	s.sink.ListenerPacket(id)

	switch {
	case t.Ignored():
		s.sink.Increment("Ignored Packets")
	case t.Routed():
		err := s.queue.Submit(ingest.Packet{ListenerID: id, Peer: s.peer, Msg: msg})
		if err != nil && !errors.Is(err, ingest.ErrQueueFull) {
			return fmt.Errorf("enqueue %s: %w", t, err)
		}
	default:
		s.sink.Increment("Unknown Packets")
		s.logger.Warn("unknown packet type", "listener", id, "type", t.String())
	}
	return nil
}

func (s *Session) identify(data []byte) error {
	ident, err := codec.DecodeIdentity(data)
	if err != nil {
		s.sink.Increment("Decode Failure (ID)")
		return err
	}
	id := ident.Hex()
	if prev := s.ListenerID(); prev != "" && prev != id {
		s.logger.Warn("listener changed identity", "from", prev, "to", id)
	}
	s.listenerID.Store(&id)
	version := ident.Version
	s.version.Store(&version)
	s.state.Store(int32(Identified))
	s.sink.ListenerPacket(id)
	s.logger.Info("listener identified", "listener", id, "version", ident.Version)
	return nil
}

func (s *Session) close() {
	if State(s.state.Swap(int32(Closed))) == Closed {
		return
	}
	_ = s.conn.Close()
}

func frameReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrFrameTooLarge):
		return "too large"
	case errors.Is(err, frame.ErrEmptyFrame):
		return "empty"
	}
	return "invalid"
}
