package realtime

import (
	"context"
	"errors"
	"sync"
)

// ErrAudioUnavailable is returned by an AudioSource that cannot be opened,
// e.g. because the client refused microphone access.
var ErrAudioUnavailable = errors.New("audio source unavailable")

// AudioSource yields the local audio for one session.
type AudioSource interface {
	Open(ctx context.Context) (AudioStream, error)
}

// AudioStream delivers PCM16 chunks until Stop is called or the channel is
// closed by the producer.
type AudioStream interface {
	Frames() <-chan []byte
	Stop()
}

// ChannelSource is an AudioSource fed by Push, used by the websocket relay to
// forward the browser's binary frames.  It serves a single stream.
type ChannelSource struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
	opened bool
}

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{frames: make(chan []byte, buffer)}
}

func (s *ChannelSource) Open(context.Context) (AudioStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.opened {
		return nil, ErrAudioUnavailable
	}
	s.opened = true
	return s, nil
}

// Push queues one chunk.  It reports false when the chunk was dropped
// because the buffer is full or the source is closed.
func (s *ChannelSource) Push(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *ChannelSource) Frames() <-chan []byte { return s.frames }

func (s *ChannelSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}
