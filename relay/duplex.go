package relay

import (
	"encoding/base64"
	"net/http"

	"github.com/fwdcast/fwdcast/observability"
	"github.com/fwdcast/fwdcast/wire"
)

// readLoop drains frames from the origin channel and routes them to the
// pending viewer requests. It owns the session lifetime: any read or
// protocol error tears the session down and releases every waiter.
func (srv *Server) readLoop(s *Session) {
	defer srv.store.Remove(s.ID, observability.RemoveReasonChannelClosed)

	for {
		b, err := s.readMessage()
		if err != nil {
			srv.log.Debug().Str("session_id", s.ID).Err(err).Msg("origin channel closed")
			return
		}
		msg, err := wire.Decode(b)
		if err != nil {
			srv.log.Warn().Str("session_id", s.ID).Err(err).Msg("malformed frame from origin")
			return
		}
		switch m := msg.(type) {
		case *wire.Response:
			srv.handleResponse(s, m)
		case *wire.Data:
			srv.handleData(s, m)
		case *wire.End:
			srv.handleEnd(s, m)
		default:
			srv.log.Warn().Str("session_id", s.ID).Msg("unexpected frame type from origin")
			return
		}
	}
}

// handleResponse writes status and headers to the matching viewer.
// Frames for unknown request IDs are dropped; the viewer may have
// timed out or disconnected already.
func (srv *Server) handleResponse(s *Session, m *wire.Response) {
	p := s.pendingReq(m.ID)
	if p == nil {
		srv.log.Debug().Str("session_id", s.ID).Str("request_id", m.ID).Msg("response for unknown request")
		return
	}
	st := &responseState{}
	wrote := p.UseWriter(func(w http.ResponseWriter) {
		h := w.Header()
		for k, v := range m.Headers {
			h.Set(k, v)
		}
		w.WriteHeader(m.Status)
		if f, ok := w.(http.Flusher); ok {
			st.flusher = f
		}
	})
	if !wrote {
		srv.log.Debug().Str("session_id", s.ID).Str("request_id", m.ID).Msg("response after viewer left")
		return
	}
	p.started.Store(true)
	s.beginResponse(m.ID, st)
}

// handleData streams one decoded body chunk to the viewer.
func (srv *Server) handleData(s *Session, m *wire.Data) {
	p := s.pendingReq(m.ID)
	st := s.response(m.ID)
	if p == nil || st == nil {
		srv.log.Debug().Str("session_id", s.ID).Str("request_id", m.ID).Msg("data for unknown request")
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(m.Chunk)
	if err != nil {
		srv.log.Warn().Str("session_id", s.ID).Str("request_id", m.ID).Err(err).Msg("undecodable chunk")
		return
	}
	if len(chunk) == 0 {
		return
	}
	var n int
	var werr error
	wrote := p.UseWriter(func(w http.ResponseWriter) {
		n, werr = w.Write(chunk)
		if werr == nil && st.flusher != nil {
			st.flusher.Flush()
		}
	})
	if !wrote {
		return
	}
	if werr != nil {
		srv.log.Debug().Str("session_id", s.ID).Str("request_id", m.ID).Err(werr).Msg("viewer write failed")
		return
	}
	srv.obs.BytesStreamed(n)
}

// handleEnd completes the viewer request and frees its state.
func (srv *Server) handleEnd(s *Session, m *wire.End) {
	p := s.pendingReq(m.ID)
	s.endResponse(m.ID)
	if p == nil {
		return
	}
	p.Finish()
}
