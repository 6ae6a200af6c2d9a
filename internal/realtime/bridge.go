// Package realtime bridges a session to the hosted realtime speech model.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrChannelClosed is returned when an event is sent while no session is open.
var ErrChannelClosed = errors.New("realtime channel is not open")

// EventHandler receives every inbound event, every echoed outbound event
// and the synthetic session.started / session.stopped events.
type EventHandler func(Event)

type BridgeConfig struct {
	// URL is the realtime websocket endpoint without query string.
	URL   string
	Model string
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
}

// Bridge owns one realtime connection at a time.
type Bridge struct {
	creds   CredentialSource
	audio   AudioSource
	cfg     BridgeConfig
	dialer  *websocket.Dialer
	onEvent EventHandler
	logger  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	stream    AudioStream
	sessionID string
	done      chan struct{}

	writeMu sync.Mutex
}

func NewBridge(creds CredentialSource, audio AudioSource, cfg BridgeConfig, onEvent EventHandler, logger *zap.Logger) *Bridge {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Bridge{
		creds:   creds,
		audio:   audio,
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		onEvent: onEvent,
		logger:  logger,
	}
}

// StartSession mints a credential, opens the audio source and connects to
// the model.  It returns the new 8 character session ID.  Nothing is retried
// and anything acquired before a failure is released.
func (b *Bridge) StartSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return "", errors.New("realtime session already running")
	}

	cred, err := b.creds.Mint(ctx)
	if err != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("mint credential: %w", err)
	}
	stream, err := b.audio.Open(ctx)
	if err != nil {
		b.mu.Unlock()
		return "", fmt.Errorf("open audio: %w", err)
	}

	endpoint, err := b.endpoint()
	if err != nil {
		stream.Stop()
		b.mu.Unlock()
		return "", err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Value)
	header.Set("OpenAI-Beta", "realtime=v1")
	conn, resp, err := b.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		stream.Stop()
		b.mu.Unlock()
		if resp != nil {
			return "", fmt.Errorf("connect realtime: %w (status %d)", err, resp.StatusCode)
		}
		return "", fmt.Errorf("connect realtime: %w", err)
	}

	id := uuid.NewString()[:8]
	done := make(chan struct{})
	ready := make(chan struct{})
	b.conn, b.stream, b.sessionID, b.done = conn, stream, id, done
	go b.readLoop(conn, done, ready)
	go b.pumpAudio(conn, stream, done, ready)
	b.mu.Unlock()

	b.logger.Info("realtime session started", zap.String("session_id", id))
	b.onEvent(NewEvent(EventSessionStarted, map[string]any{"sessionId": id}))
	close(ready)
	return id, nil
}

// StopSession closes the channel and the audio source.  Calling it with no
// open session is a no-op.
func (b *Bridge) StopSession() {
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return
	}
	conn, stream, id, done := b.conn, b.stream, b.sessionID, b.done
	b.conn, b.stream, b.done = nil, nil, nil
	b.mu.Unlock()

	close(done)
	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	b.writeMu.Unlock()
	_ = conn.Close()
	stream.Stop()

	b.logger.Info("realtime session stopped", zap.String("session_id", id))
	b.onEvent(NewEvent(EventSessionStopped, map[string]any{"sessionId": id}))
}

// SendClientEvent writes event to the model and echoes it to the handler.
// An event_id is generated when the event has none.
func (b *Bridge) SendClientEvent(event map[string]any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}
	if id, _ := event["event_id"].(string); id == "" {
		event["event_id"] = "evt_" + uuid.NewString()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode client event: %w", err)
	}
	if err := b.write(conn, raw); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	ev, err := DecodeEvent(raw)
	if err != nil {
		return err
	}
	b.onEvent(ev)
	return nil
}

// SessionID returns the ID of the running session, or "".
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return ""
	}
	return b.sessionID
}

func (b *Bridge) endpoint() (string, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if b.cfg.Model != "" {
		q.Set("model", b.cfg.Model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (b *Bridge) write(conn *websocket.Conn, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) readLoop(conn *websocket.Conn, done, ready chan struct{}) {
	select {
	case <-ready:
	case <-done:
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					b.logger.Warn("realtime channel closed unexpectedly", zap.Error(err))
				}
				b.StopSession()
			}
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			b.logger.Warn("dropping undecodable realtime frame", zap.Error(err))
			continue
		}
		b.onEvent(ev)
	}
}

// pumpAudio forwards audio chunks as input_audio_buffer.append events.
// Appends are not echoed to the handler.
func (b *Bridge) pumpAudio(conn *websocket.Conn, stream AudioStream, done, ready chan struct{}) {
	select {
	case <-ready:
	case <-done:
		return
	}
	frames := stream.Frames()
	for {
		select {
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			payload, _ := json.Marshal(map[string]string{
				"type":  EventAudioAppend,
				"audio": base64.StdEncoding.EncodeToString(frame),
			})
			if err := b.write(conn, payload); err != nil {
				select {
				case <-done:
				default:
					b.logger.Warn("audio append failed", zap.Error(err))
				}
				return
			}
		}
	}
}
