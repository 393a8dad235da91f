package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/andrew-markin/blobs/pkg/metrics"
	"github.com/andrew-markin/blobs/pkg/types"
)

// sendBuffer bounds the per-session outbound queue. Emits beyond it are
// dropped, never blocked on.
const sendBuffer = 64

// flushTimeout bounds the final write flush during teardown.
const flushTimeout = 5 * time.Second

// Session is one live bearer of a bucket identity. It owns at most one
// current reference and dispatches the protocol messages arriving on its
// websocket.
type Session struct {
	id     string
	bucket string
	ip     string
	srv    *Server
	conn   *websocket.Conn
	logger zerolog.Logger

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu  sync.Mutex
	key *types.Key
}

// ID implements subs.Subscriber.
func (s *Session) ID() string {
	return s.id
}

// Notify implements subs.Subscriber: fire-and-forget delivery of the
// changed event.
func (s *Session) Notify() {
	payload, err := json.Marshal(outboundMessage{Event: eventChanged})
	if err != nil {
		return
	}
	s.enqueue(payload)
	metrics.ChangedEvents.Inc()
}

// enqueue places a frame on the outbound queue without ever blocking.
// Frames for a closed or saturated session are dropped.
func (s *Session) enqueue(frame []byte) {
	select {
	case <-s.closed:
	case s.send <- frame:
	default:
	}
}

// ack sends the ack envelope for message id.
func (s *Session) ack(id uint64, data interface{}) {
	frame, err := json.Marshal(outboundMessage{ID: &id, Data: data})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode ack")
		return
	}
	s.enqueue(frame)
}

// readPump consumes inbound frames until the socket fails or closes. Each
// message is handled on its own goroutine; teardown does not abort
// handlers already in flight.
func (s *Session) readPump() {
	defer s.teardown("connection closed")

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("unparseable frame, closing")
			return
		}

		switch msg.Event {
		case eventDisconnect:
			s.teardown("client disconnect")
			return
		case eventNow, eventRef, eventGet, eventSet:
			// A client that asks for work but cannot receive the
			// answer is misbehaving; dropping it here keeps it from
			// leaking work.
			if msg.ID == nil {
				s.logger.Warn().Str("event", msg.Event).Msg("message without ack id, closing")
				return
			}
			go s.handle(msg)
		default:
			s.logger.Debug().Str("event", msg.Event).Msg("unknown event ignored")
		}
	}
}

// writePump owns the websocket writer and the socket close. On teardown it
// first flushes frames already queued, so acks of handlers that completed
// during the shutdown drain still reach the client.
func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.teardown("write failed")
				return
			}
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
			for {
				select {
				case frame := <-s.send:
					if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(flushTimeout))
					return
				}
			}
		}
	}
}

// teardown removes the session from the registries and closes the socket.
// Safe to call from any goroutine, any number of times.
func (s *Session) teardown(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		if s.key != nil {
			s.srv.subs.Remove(*s.key, s)
			s.key = nil
		}
		s.mu.Unlock()

		close(s.closed)
		s.srv.dropSession(s)
		metrics.ConnectionsActive.Dec()
		s.logger.Info().Str("reason", reason).Msg("connection closed")
	})
}

// currentKey returns the session's current key, or nil when detached.
func (s *Session) currentKey() *types.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil
	}
	k := *s.key
	return &k
}

// handle dispatches one protocol message under the execution gate.
func (s *Session) handle(msg inboundMessage) {
	if err := s.srv.gate.Enter(); err != nil {
		// Shutdown has begun; the server is about to close this
		// connection anyway.
		return
	}
	defer s.srv.gate.Leave()

	switch msg.Event {
	case eventNow:
		metrics.OperationsTotal.WithLabelValues(eventNow).Inc()
		s.handleNow(*msg.ID)
	case eventRef:
		metrics.OperationsTotal.WithLabelValues(eventRef).Inc()
		s.handleRef(*msg.ID, msg.Data)
	case eventGet:
		metrics.OperationsTotal.WithLabelValues(eventGet).Inc()
		s.handleGet(*msg.ID, msg.Data)
	case eventSet:
		metrics.OperationsTotal.WithLabelValues(eventSet).Inc()
		s.handleSet(*msg.ID, msg.Data)
	}
}

func (s *Session) handleNow(id uint64) {
	s.ack(id, nowResult{Timestamp: types.NowMillis()})
}

// handleRef transitions the session's subscription. On validation failure
// the prior subscription stays intact.
func (s *Session) handleRef(id uint64, data json.RawMessage) {
	var refOrNone string
	if err := json.Unmarshal(data, &refOrNone); err != nil {
		s.ack(id, ackError{Error: errInvalidReference})
		return
	}

	var next *types.Key
	if refOrNone != types.RefNone {
		ref, err := types.NormalizeRef(refOrNone)
		if err != nil {
			s.ack(id, ackError{Error: errInvalidReference})
			return
		}
		next = &types.Key{Bucket: s.bucket, Ref: ref}
	}

	s.mu.Lock()
	if s.key != nil {
		s.srv.subs.Remove(*s.key, s)
	}
	if next != nil {
		s.srv.subs.Add(*next, s)
	}
	s.key = next
	s.mu.Unlock()

	s.ack(id, nil)
}

func (s *Session) handleGet(id uint64, data json.RawMessage) {
	key := s.currentKey()
	if key == nil {
		s.ack(id, ackError{Error: errNoReference})
		return
	}

	var req getRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			s.ack(id, ackError{Error: errInvalidVersion})
			return
		}
	}
	if req.Known != nil && *req.Known <= 0 {
		s.ack(id, ackError{Error: errInvalidVersion})
		return
	}

	s.srv.locks.Lock(*key)
	blob, err := s.srv.store.Read(*key)
	s.srv.locks.Unlock(*key)

	if err != nil {
		s.logger.Error().Err(err).Str("key", key.String()).Msg("read failed")
		s.ack(id, ackError{Error: errStorage})
		return
	}
	if blob == nil {
		s.ack(id, nil)
		return
	}

	// The known version is a bandwidth shortcut only; it never drives a
	// correctness decision.
	if req.Known != nil && uint64(*req.Known) == blob.Version {
		s.ack(id, getResult{Version: blob.Version})
		return
	}
	s.ack(id, getResult{Data: &blob.Data, Version: blob.Version})
}

func (s *Session) handleSet(id uint64, data json.RawMessage) {
	key := s.currentKey()
	if key == nil {
		s.ack(id, ackError{Error: errNoReference})
		return
	}

	var req setRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.ack(id, ackError{Error: errInvalidData})
		return
	}
	if req.Data == nil || types.ValidateData(*req.Data) != nil {
		s.ack(id, ackError{Error: errInvalidData})
		return
	}
	if req.Version != nil && *req.Version <= 0 {
		s.ack(id, ackError{Error: errInvalidVersion})
		return
	}

	s.srv.locks.Lock(*key)

	current, err := s.srv.store.Read(*key)
	if err != nil {
		s.srv.locks.Unlock(*key)
		s.logger.Error().Err(err).Str("key", key.String()).Msg("read failed")
		s.ack(id, ackError{Error: errStorage})
		return
	}

	var next types.Blob
	switch {
	case current == nil:
		// First write: the request version is ignored.
		next = types.Blob{
			Data:    *req.Data,
			Version: 1,
			Created: types.NowMillis(),
			IP:      s.ip,
		}
	case req.Version != nil && uint64(*req.Version) == current.Version:
		next = types.Blob{
			Data:    *req.Data,
			Version: current.Version + 1,
			Created: current.Created,
			Updated: types.NowMillis(),
			IP:      s.ip,
		}
	default:
		s.srv.locks.Unlock(*key)
		metrics.WriteConflicts.Inc()
		s.ack(id, setResult{Success: false, Data: current.Data, Version: current.Version})
		return
	}

	if err := s.srv.store.Write(*key, &next); err != nil {
		s.srv.locks.Unlock(*key)
		s.logger.Error().Err(err).Str("key", key.String()).Msg("write failed")
		s.ack(id, ackError{Error: errStorage})
		return
	}

	// Peer snapshot is taken after the write is durable and before the
	// ack goes out; the emit itself follows the ack.
	peers := s.srv.subs.Peers(*key, s)
	s.srv.locks.Unlock(*key)

	s.ack(id, setResult{Success: true, Version: next.Version})
	for _, peer := range peers {
		peer.Notify()
	}
}
