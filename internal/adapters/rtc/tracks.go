package rtc

import (
	"fmt"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"

	"github.com/dkeye/Ring/internal/app/sfu"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// remoteTrack is a subscribed track; taps hang off its relay.
type remoteTrack struct {
	id          string
	kind        domain.TrackKind
	participant core.Participant
	conn        *Connection
	relay       *sfu.Relay
}

func (t *remoteTrack) ID() string                    { return t.id }
func (t *remoteTrack) Kind() domain.TrackKind        { return t.kind }
func (t *remoteTrack) Participant() core.Participant { return t.participant }

func (t *remoteTrack) AddTap(key string, w core.PacketWriter) { t.relay.AddTap(key, w) }
func (t *remoteTrack) RemoveTap(key string)                   { t.relay.RemoveTap(key) }

func (t *remoteTrack) Stop() error {
	t.conn.forget(t.id)
	return nil
}

// localTrack is a published sample track fed from a file or silence. Its
// samples are repacketized into a relay so recorders and recognizers can tap
// the local microphone too.
type localTrack struct {
	id          string
	kind        domain.TrackKind
	participant core.Participant
	sample      *lksdk.LocalSampleTrack
	pub         *lksdk.LocalTrackPublication
	tee         *sampleTee
	relay       *sfu.Relay
	conn        *Connection

	stop chan struct{}
	once sync.Once
}

func (t *localTrack) ID() string                    { return t.id }
func (t *localTrack) Kind() domain.TrackKind        { return t.kind }
func (t *localTrack) Participant() core.Participant { return t.participant }

func (t *localTrack) AddTap(key string, w core.PacketWriter) { t.relay.AddTap(key, w) }
func (t *localTrack) RemoveTap(key string)                   { t.relay.RemoveTap(key) }

func (t *localTrack) Stop() error {
	t.once.Do(func() {
		close(t.stop)
		t.conn.relays.StopRelay(t.id)
	})
	return nil
}

// setEnabled mutes the publication; a muted track feeds no taps.
func (t *localTrack) setEnabled(enabled bool) error {
	t.tee.muted.Store(!enabled)
	if t.pub != nil {
		t.pub.SetMuted(!enabled)
	}
	return nil
}

// PublishLocal publishes a microphone track, plus a camera track for video calls.
func (s *Connection) PublishLocal(mode domain.CallMode) ([]core.MediaTrack, error) {
	audio, err := s.publish(domain.TrackAudio, "microphone", livekit.TrackSource_MICROPHONE, opusCodec, opusPayloadType)
	if err != nil {
		return nil, err
	}
	go s.pump(audio, func(stop <-chan struct{}) error {
		if s.audioFile == "" {
			return pumpSilence(audio.tee, stop)
		}
		return pumpOgg(s.audioFile, audio.tee, stop)
	})
	out := []core.MediaTrack{audio}

	var video *localTrack
	if mode == domain.ModeVideo {
		video, err = s.publish(domain.TrackVideo, "camera", livekit.TrackSource_CAMERA, vp8Codec, vp8PayloadType)
		if err != nil {
			_ = audio.Stop()
			return nil, err
		}
		if s.videoFile != "" {
			go s.pump(video, func(stop <-chan struct{}) error {
				return pumpIVF(s.videoFile, video.tee, stop)
			})
		}
		out = append(out, video)
	}

	s.mu.Lock()
	s.audio, s.video = audio, video
	s.mu.Unlock()
	return out, nil
}

func (s *Connection) publish(kind domain.TrackKind, name string, source livekit.TrackSource, codec webrtc.RTPCodecCapability, pt uint8) (*localTrack, error) {
	if s.lk == nil || s.closing.Load() {
		return nil, fmt.Errorf("%w: not connected", domain.ErrDeviceNotReady)
	}
	sample, err := lksdk.NewLocalSampleTrack(codec)
	if err != nil {
		return nil, fmt.Errorf("%s track: %w", kind, err)
	}
	pub, err := s.lk.LocalParticipant.PublishTrack(sample, &lksdk.TrackPublicationOptions{
		Name:   name,
		Source: source,
	})
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", kind, err)
	}
	s.logger.Info().Str("kind", string(kind)).Str("track_id", pub.SID()).Msg("local track published")
	return s.localTrack(pub.SID(), kind, sample, pub, newSampleTee(sample, codec.ClockRate, pt)), nil
}

// localTrack wraps a published track and starts the relay its tee feeds.
func (s *Connection) localTrack(id string, kind domain.TrackKind, sample *lksdk.LocalSampleTrack, pub *lksdk.LocalTrackPublication, tee *sampleTee) *localTrack {
	t := &localTrack{
		id:          id,
		kind:        kind,
		participant: core.Participant{Identity: s.self},
		sample:      sample,
		pub:         pub,
		tee:         tee,
		conn:        s,
		stop:        make(chan struct{}),
	}
	t.relay = s.relays.StartRelay(s.ctx, id, tee.read(t.stop))
	return t
}

func (s *Connection) pump(t *localTrack, run func(stop <-chan struct{}) error) {
	if err := run(t.stop); err != nil {
		s.logger.Warn().Err(err).Str("track_id", t.id).Msg("local media source ended")
	}
}
