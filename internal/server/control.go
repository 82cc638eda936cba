package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/lspbridge/internal/control"
	"github.com/gaspardpetit/lspbridge/internal/logx"
	"github.com/gaspardpetit/lspbridge/internal/serverstate"
	"github.com/gaspardpetit/lspbridge/internal/session"
)

const controlWriteTimeout = 10 * time.Second

// controlConn sends session answers and events over the control websocket.
type controlConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (cc *controlConn) Send(ctx context.Context, msg control.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.c.Write(ctx, websocket.MessageText, b)
}

type closerFunc func()

func (f closerFunc) Close() { f() }

// handleControl runs one session for the lifetime of the control connection.
// Commands are handled in arrival order.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if serverstate.IsDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "draining"})
		return
	}
	c, err := websocket.Accept(w, r, s.acceptOptions)
	if err != nil {
		logx.Log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("control upgrade failed")
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		c.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	}
	conn := &controlConn{c: c}
	sess := session.New(session.Options{
		Process:         s.cfg.ProcessName,
		SyncRoot:        s.cfg.SyncRoot,
		ChannelWait:     s.cfg.ChannelWait,
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		SyncConcurrency: s.cfg.SyncConcurrency,
		RemoteAddr:      r.RemoteAddr,
	}, session.Deps{
		Runtime:  s.runtime,
		Channels: s.channels,
		Control:  conn,
		Sources:  s.sources,
	})
	log := logx.Session(sess.ID())
	s.live.add(sess.ID(), closerFunc(func() {
		sess.Close()
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}))
	defer s.live.remove(sess.ID())
	log.Info().Str("remote_addr", r.RemoteAddr).Msg("control connected")

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			st := websocket.CloseStatus(err)
			if st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Msg("control read ended")
			}
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := control.Decode(data)
		if err != nil || msg.Cmd == "" {
			log.Warn().Err(err).Msg("invalid control message")
			continue
		}
		_ = sess.Handle(ctx, msg)
	}

	sess.Close()
	_ = c.Close(websocket.StatusNormalClosure, "")
	log.Info().Msg("control disconnected")
}
