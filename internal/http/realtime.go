package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"medical-translator/internal/core"
	"medical-translator/internal/realtime"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const relayWriteWait = 5 * time.Second

// repeatAudioSignal tells the browser to replay the last translated audio.
var repeatAudioSignal = []byte(`{"type":"client.repeat_audio"}`)

// handleCreateSession mints an ephemeral realtime credential for a browser
// that connects to the model itself.  The upstream body is returned as is.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
	defer cancel()
	cred, err := s.Credentials.Mint(ctx)
	if err != nil {
		s.Logger.Error("mint realtime credential failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to create session", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cred.Raw)
}

// relayConn serializes writes to the browser socket.
type relayConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (c *relayConn) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("relay write failed", zap.Error(err))
	}
}

// handleRealtime relays one browser connection to a realtime session run
// by this process.  Binary frames are PCM16 audio, text frames are client
// events; every session event is sent back as a text frame.  The session
// stops when the browser disconnects.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	out := &relayConn{conn: ws, logger: s.Logger}

	audio := realtime.NewChannelSource(s.Relay.AudioBuffer)
	sess := core.NewSession(s.Relay.Session, core.SessionDeps{
		Gateway:       s.Store,
		Parker:        s.Relay.Parker,
		Mirror:        s.Relay.Mirror,
		Analyzer:      s.Analyzer,
		OnEvent:       func(ev realtime.Event) { out.send(ev.Raw) },
		OnRepeatAudio: func() { out.send(repeatAudioSignal) },
		Logger:        s.Logger,
	})
	bridge := realtime.NewBridge(s.Credentials, audio, s.Relay.Bridge, sess.HandleEvent, s.Logger)
	sess.AttachBridge(bridge)

	ctx, cancel := context.WithTimeout(r.Context(), s.RequestTimeout)
	id, err := sess.Start(ctx)
	cancel()
	if err != nil {
		s.Logger.Error("start realtime session failed", zap.Error(err))
		out.send(realtime.NewEvent(realtime.EventError, map[string]any{
			"error": map[string]string{"message": err.Error()},
		}).Raw)
		return
	}
	s.Registry.Add(sess)
	log := s.Logger.With(zap.String("session_id", id))
	log.Info("relay connected")

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("relay closed unexpectedly", zap.Error(err))
			}
			break
		}
		switch mt {
		case websocket.BinaryMessage:
			if !audio.Push(data) {
				log.Debug("audio chunk dropped")
			}
		case websocket.TextMessage:
			var event map[string]any
			if err := json.Unmarshal(data, &event); err != nil {
				log.Warn("ignoring malformed client event", zap.Error(err))
				continue
			}
			if err := sess.SendClientEvent(event); err != nil {
				log.Warn("forward client event failed", zap.Error(err))
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.RequestTimeout)
	sess.Stop(stopCtx)
	stopCancel()
	// late writes may still confirm through the registry
	go func() {
		sess.Wait()
		s.Registry.Remove(id)
	}()
	log.Info("relay disconnected")
}
