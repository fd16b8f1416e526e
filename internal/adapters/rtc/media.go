// Package rtc acquires the local media side of a connected call.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
)

// Factory builds one peer connection per connected call.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(iceURLs []string) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	cfg := webrtc.Configuration{}
	if len(iceURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)),
		config: cfg,
	}, nil
}

// Acquire opens a peer connection with an Opus track, plus VP8 for video calls.
func (f *Factory) Acquire(ctx context.Context, kind domain.CallKind, peer domain.UserID) (core.MediaSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	s := &Session{kind: kind, peer: peer, pc: pc}

	stream := "telecall-" + string(peer)
	s.audio, err = addTrack(pc, webrtc.MimeTypeOpus, "audio", stream)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if kind == domain.CallVideo {
		s.video, err = addTrack(pc, webrtc.MimeTypeVP8, "video", stream)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("peer_connection_state", st.String()).Msg("Peer state")
	})
	log.Info().Str("module", "rtc").Str("peer", string(peer)).Str("kind", string(kind)).Msg("media acquired")
	return s, nil
}

func addTrack(pc *webrtc.PeerConnection, mime, id, stream string) (*localTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, stream)
	if err != nil {
		return nil, fmt.Errorf("%s track: %w", id, err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", id, err)
	}
	// RTCP must be read for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &localTrack{track: track, sender: sender}, nil
}

// localTrack is a local track and the sender carrying it.
type localTrack struct {
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
}

// attach puts the track on its sender, or takes it off so nothing is sent.
func (t *localTrack) attach(on bool) error {
	if on {
		return t.sender.ReplaceTrack(t.track)
	}
	return t.sender.ReplaceTrack(nil)
}

// Session implements core.MediaSession.
type Session struct {
	kind domain.CallKind
	peer domain.UserID
	pc   *webrtc.PeerConnection

	audio *localTrack
	video *localTrack

	mu       sync.Mutex
	muted    bool
	videoOff bool
	once     sync.Once
}

func (s *Session) Kind() domain.CallKind { return s.kind }

// ToggleAudio detaches or reattaches the microphone track.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.audio.attach(s.muted); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(s.peer)).Msg("toggle audio")
		return s.muted
	}
	s.muted = !s.muted
	return s.muted
}

// ToggleVideo detaches or reattaches the camera track. Audio-only sessions
// report the camera as off.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil {
		return true
	}
	if err := s.video.attach(s.videoOff); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(s.peer)).Msg("toggle video")
		return s.videoOff
	}
	s.videoOff = !s.videoOff
	return s.videoOff
}

func (s *Session) Release() {
	s.once.Do(func() {
		if err := s.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", string(s.peer)).Msg("close error")
			return
		}
		log.Info().Str("module", "rtc").Str("peer", string(s.peer)).Msg("media released")
	})
}
