// Package rtc joins LiveKit rooms and exposes their tracks to the call
// coordinator.
package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/app/sfu"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

var ErrNoRoom = errors.New("credential has no relay url")

// Connector opens LiveKit media sessions. AudioFile (Ogg/Opus) and VideoFile
// (IVF/VP8) are looped into the published tracks; silence is sent when empty.
type Connector struct {
	AudioFile string
	VideoFile string
}

func (c *Connector) Connect(ctx context.Context, cred core.Credential, events core.MediaEvents) (core.MediaSession, error) {
	if cred.URL == "" {
		return nil, ErrNoRoom
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Connection{
		self:      cred.Identity,
		room:      cred.Room,
		events:    events,
		relays:    sfu.NewRelayManager(),
		remote:    make(map[string]*remoteTrack),
		ctx:       sctx,
		cancel:    cancel,
		audioFile: c.AudioFile,
		videoFile: c.VideoFile,
	}
	s.logger = log.With().Str("module", "rtc").Str("room", cred.Room.String()).Logger()

	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   s.onTrackSubscribed,
			OnTrackUnsubscribed: s.onTrackUnsubscribed,
		},
		OnParticipantConnected:    s.onParticipantConnected,
		OnParticipantDisconnected: s.onParticipantDisconnected,
		OnDisconnected:            s.onDisconnected,
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(cred.URL, cred.Token, cb)
		ch <- result{room: room, err: err}
	}()

	select {
	case <-ctx.Done():
		s.closing.Store(true)
		go func() {
			if r := <-ch; r.room != nil {
				r.room.Disconnect()
			}
			s.relays.StopAll()
			cancel()
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			cancel()
			return nil, r.err
		}
		s.lk = r.room
		s.logger.Info().Str("identity", cred.Identity.String()).Msg("joined relay room")
		return s, nil
	}
}

// Connection is one joined LiveKit room.
type Connection struct {
	self   domain.UserID
	room   domain.SessionID
	lk     *lksdk.Room
	events core.MediaEvents
	relays *sfu.RelayManager
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	remote map[string]*remoteTrack
	audio  *localTrack
	video  *localTrack

	audioFile string
	videoFile string

	closing atomic.Bool
	once    sync.Once
}

func participantOf(rp *lksdk.RemoteParticipant) core.Participant {
	return core.Participant{Identity: domain.UserID(rp.Identity()), Name: rp.Name()}
}

func (s *Connection) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if s.closing.Load() {
		return
	}
	s.logger.Info().
		Str("kind", track.Kind().String()).
		Str("track_id", pub.SID()).
		Str("participant", rp.Identity()).
		Msg("track subscribed")
	s.events.TrackSubscribed(s.remoteTrack(track, pub.SID(), participantOf(rp)))
}

func (s *Connection) onTrackUnsubscribed(_ *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	s.logger.Info().Str("track_id", pub.SID()).Str("participant", rp.Identity()).Msg("track unsubscribed")
	s.events.TrackUnsubscribed(pub.SID())
}

func (s *Connection) onParticipantConnected(rp *lksdk.RemoteParticipant) {
	p := participantOf(rp)
	s.logger.Info().Str("participant", rp.Identity()).Msg("participant connected")
	s.events.ParticipantConnected(p, s.tracksOf(p.Identity))
}

func (s *Connection) onParticipantDisconnected(rp *lksdk.RemoteParticipant) {
	s.logger.Info().Str("participant", rp.Identity()).Msg("participant disconnected")
	s.events.ParticipantDisconnected(participantOf(rp))
}

func (s *Connection) onDisconnected() {
	if s.closing.Load() {
		return
	}
	s.logger.Warn().Msg("relay connection lost")
	s.events.Disconnected("relay disconnected")
}

// remoteTrack returns the wrapper for id, starting its relay on first use.
func (s *Connection) remoteTrack(track *webrtc.TrackRemote, id string, p core.Participant) *remoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.remote[id]; ok {
		return t
	}
	kind := domain.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	t := &remoteTrack{id: id, kind: kind, participant: p, conn: s}
	t.relay = s.relays.StartRelay(s.ctx, id, func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	})
	s.remote[id] = t
	return t
}

func (s *Connection) forget(id string) {
	s.mu.Lock()
	delete(s.remote, id)
	s.mu.Unlock()
	s.relays.StopRelay(id)
}

func (s *Connection) tracksOf(user domain.UserID) []core.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.MediaTrack
	for _, t := range s.remote {
		if t.participant.Identity == user {
			out = append(out, t)
		}
	}
	return out
}

func (s *Connection) SetMicrophoneEnabled(enabled bool) error {
	s.mu.Lock()
	t := s.audio
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.setEnabled(enabled)
}

func (s *Connection) SetCameraEnabled(enabled bool) error {
	s.mu.Lock()
	t := s.video
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.setEnabled(enabled)
}

// Disconnect leaves the room and stops every relay. Safe to call more than once.
func (s *Connection) Disconnect() {
	s.once.Do(func() {
		s.closing.Store(true)
		s.mu.Lock()
		locals := []*localTrack{s.audio, s.video}
		s.mu.Unlock()
		for _, t := range locals {
			if t != nil {
				_ = t.Stop()
			}
		}
		if s.lk != nil {
			s.lk.Disconnect()
		}
		s.relays.StopAll()
		s.cancel()
		s.logger.Info().Msg("left relay room")
	})
}
