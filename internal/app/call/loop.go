package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/app/tracks"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

func (c *Coordinator) handle(msg message) {
	switch m := msg.(type) {
	case cmdEnable:
		m.reply <- c.onEnable()
	case cmdDial:
		m.reply <- c.onDial(m.target, m.mode)
	case cmdAccept:
		m.reply <- c.onAccept()
	case cmdReject:
		m.reply <- c.onReject(m.reason)
	case cmdHangup:
		m.reply <- c.onHangup()
	case cmdMute:
		m.reply <- c.onMute(m.muted)
	case cmdCamera:
		m.reply <- c.onCamera(m.enabled)

	case evSignal:
		c.onSignal(m.sig)
	case evOnline:
		c.online = m.users
	case evSignalClosed:
		c.onSignalClosed(m.err)
	case evSignalOpened:
		if c.autoEnable && c.sess == nil && (c.state == StateIdle || c.state == StateError) {
			c.startEnable()
		}

	case evEnabled:
		c.onEnabled(m)
	case evMediaConnected:
		c.onMediaConnected(m)
	case evPublished:
		c.onPublished(m)
	case evTeardownDone:
		c.onTeardownDone(m)

	case evTrackSubscribed:
		c.onTrackSubscribed(m.attempt, m.track)
	case evTrackUnsubscribed:
		c.onTrackUnsubscribed(m)
	case evParticipantConnected:
		for _, t := range m.tracks {
			c.onTrackSubscribed(m.attempt, t)
		}
	case evParticipantDisconnected:
		if s := c.current(m.attempt); s != nil && m.p.Identity == s.remote {
			c.teardown("remote participant left", false)
		}
	case evMediaDisconnected:
		if c.current(m.attempt) != nil {
			c.teardown("media disconnected: "+m.reason, false)
		}
	default:
		log.Warn().Str("module", "app.call").Msgf("unknown message %T", msg)
	}
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	log.Info().
		Str("module", "app.call").
		Str("from", c.state.String()).
		Str("to", s.String()).
		Msg("state change")
	c.state = s
	c.publish()
}

// current returns the live session for an attempt, nil when the event is stale.
func (c *Coordinator) current(attempt uint64) *session {
	s := c.sess
	if s == nil || s.attempt != attempt || s.ending {
		return nil
	}
	return s
}

func (c *Coordinator) sendSignal(sig core.Signal) {
	ctx := c.runCtx
	c.async(func() {
		if err := c.sig.Send(ctx, sig); err != nil {
			log.Warn().
				Err(err).
				Str("module", "app.call").
				Str("type", sig.Type).
				Str("to", string(sig.To)).
				Msg("signal send failed")
		}
	})
}

// device

func (c *Coordinator) onEnable() error {
	if c.sess == nil && (c.state == StateIdle || c.state == StateError) {
		c.startEnable()
	}
	return nil
}

func (c *Coordinator) startEnable() {
	c.attempt++
	a := c.attempt
	c.enableAttempt = a
	c.reason = ""
	c.setState(StateDeviceInitializing)

	ctx := c.runCtx
	go func() {
		cred, err := c.creds.VoiceCredential(ctx)
		switch {
		case err != nil:
			if !errors.Is(err, domain.ErrCredential) {
				err = fmt.Errorf("%w: %v", domain.ErrCredential, err)
			}
		case cred.Identity == "":
			err = fmt.Errorf("%w: credential without identity", domain.ErrCredential)
		default:
			if aerr := c.sig.Announce(ctx, cred.Identity); aerr != nil {
				err = fmt.Errorf("%w: register %s: %v", domain.ErrDeviceNotReady, cred.Identity, aerr)
			}
		}
		c.post(evEnabled{attempt: a, cred: cred, err: err})
	}()
}

func (c *Coordinator) onEnabled(ev evEnabled) {
	if ev.attempt != c.enableAttempt || c.state != StateDeviceInitializing {
		return
	}
	if ev.err != nil {
		log.Error().Err(ev.err).Str("module", "app.call").Msg("device enable failed")
		c.reason = ev.err.Error()
		c.setState(StateError)
		c.setState(StateIdle)
		return
	}
	c.self = ev.cred
	c.setState(StateReady)
}

func (c *Coordinator) onSignalClosed(err error) {
	log.Warn().Err(err).Str("module", "app.call").Msg("signaling closed")
	c.enableAttempt = 0
	switch {
	case c.sess != nil && !c.sess.ending && c.state.busy():
		if c.state == StateRingingIncoming {
			c.dropSession()
			c.setState(StateIdle)
			return
		}
		c.teardown("signaling lost", true)
	case c.state == StateReady || c.state == StateDeviceInitializing:
		c.setState(StateIdle)
	}
}

// sessions

func (c *Coordinator) newSession(room domain.SessionID, remote domain.UserID, mode domain.CallMode, outgoing bool) *session {
	c.attempt++
	ctx, cancel := context.WithCancel(c.runCtx)
	s := &session{
		attempt:  c.attempt,
		id:       room,
		remote:   remote,
		mode:     mode,
		outgoing: outgoing,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.sess = s
	c.muted = false
	c.camera = mode == domain.ModeVideo
	c.reason = ""
	c.speakers.Clear()
	if c.stt != nil {
		c.stt.Reset()
	}
	return s
}

func (c *Coordinator) dropSession() {
	if c.sess != nil {
		c.sess.cancel()
		c.sess = nil
	}
}

func (c *Coordinator) onDial(target domain.UserID, mode domain.CallMode) error {
	if err := dialGuard(c.state); err != nil {
		return err
	}
	if mode == "" {
		mode = domain.ModeVoice
	}
	if !mode.Valid() {
		return fmt.Errorf("unknown call mode %q", mode)
	}
	room, err := domain.DeriveSessionID(c.self.Identity, target)
	if err != nil {
		return err
	}
	s := c.newSession(room, target, mode, true)
	c.setState(StateDialing)
	c.sendSignal(core.Signal{Type: core.SignalInvite, To: target, Room: room, Mode: mode})
	c.connect(s)

	log.Info().
		Str("module", "app.call").
		Str("room", string(room)).
		Str("to", string(target)).
		Str("mode", string(mode)).
		Msg("dialing")
	return nil
}

func (c *Coordinator) onAccept() error {
	if err := acceptGuard(c.state); err != nil {
		return err
	}
	s := c.sess
	c.sendSignal(core.Signal{Type: core.SignalAccept, To: s.remote, Room: s.id})
	c.enterConnected()
	c.connect(s)
	return nil
}

func (c *Coordinator) onReject(reason string) error {
	if c.state != StateRingingIncoming {
		return domain.ErrNoIncomingCall
	}
	if reason == "" {
		reason = "declined"
	}
	s := c.sess
	c.sendSignal(core.Signal{Type: core.SignalReject, To: s.remote, Room: s.id, Reason: reason})
	c.dropSession()
	c.setState(StateReady)
	return nil
}

func (c *Coordinator) onHangup() error {
	switch c.state {
	case StateDialing, StateConnected:
		s := c.sess
		c.sendSignal(core.Signal{Type: core.SignalHangup, To: s.remote, Room: s.id})
		c.teardown("local hangup", false)
		return nil
	case StateRingingIncoming:
		return c.onReject("declined")
	case StateEnding:
		return nil
	default:
		return domain.ErrNotConnected
	}
}

func (c *Coordinator) onMute(muted bool) error {
	if c.state != StateConnected {
		return domain.ErrNotConnected
	}
	if c.muted == muted {
		return nil
	}
	c.muted = muted
	if s := c.sess; s.published {
		ms := s.media
		c.async(func() {
			if err := ms.SetMicrophoneEnabled(!muted); err != nil {
				log.Warn().Err(fmt.Errorf("%w: %v", domain.ErrTrack, err)).Str("module", "app.call").Msg("mute failed")
			}
		})
	}
	log.Info().Str("module", "app.call").Bool("muted", muted).Msg("microphone toggled")
	return nil
}

func (c *Coordinator) onCamera(enabled bool) error {
	if c.state != StateConnected {
		return domain.ErrNotConnected
	}
	s := c.sess
	if s.mode != domain.ModeVideo {
		return ErrVoiceOnly
	}
	if c.camera == enabled {
		return nil
	}
	c.camera = enabled
	if s.published {
		ms := s.media
		c.async(func() {
			if err := ms.SetCameraEnabled(enabled); err != nil {
				log.Warn().Err(fmt.Errorf("%w: %v", domain.ErrTrack, err)).Str("module", "app.call").Msg("camera toggle failed")
			}
		})
	}
	return nil
}

// signaling

func (c *Coordinator) onSignal(sig core.Signal) {
	s := c.sess
	switch sig.Type {
	case core.SignalInvite:
		c.onInvite(sig)
	case core.SignalAccept:
		if c.state == StateDialing && s.matches(sig) && s.outgoing {
			c.enterConnected()
		}
	case core.SignalReject:
		if c.state == StateDialing && s.matches(sig) {
			reason := sig.Reason
			if reason == "" {
				reason = "declined"
			}
			c.teardown("rejected: "+reason, false)
		}
	case core.SignalHangup:
		if !s.matches(sig) {
			return
		}
		switch c.state {
		case StateRingingIncoming:
			// caller gave up before we answered
			c.dropSession()
			c.reason = "caller cancelled"
			c.setState(StateReady)
		case StateDialing, StateConnected:
			c.teardown("remote hangup", false)
		}
	case core.SignalError:
		log.Warn().Str("module", "app.call").Str("reason", sig.Reason).Msg("signaling error")
	}
}

func (c *Coordinator) onInvite(sig core.Signal) {
	if sig.From == "" {
		return
	}
	if c.state == StateRingingIncoming && c.sess.matches(sig) {
		return
	}
	if c.state != StateReady {
		reason := "unavailable"
		if c.state.busy() {
			reason = "busy"
		}
		c.sendSignal(core.Signal{Type: core.SignalReject, To: sig.From, Room: sig.Room, Reason: reason, Auto: true})
		log.Info().
			Str("module", "app.call").
			Str("from", string(sig.From)).
			Str("reason", reason).
			Msg("invite auto-rejected")
		return
	}
	room, err := domain.DeriveSessionID(c.self.Identity, sig.From)
	if err != nil || room != sig.Room {
		c.sendSignal(core.Signal{Type: core.SignalReject, To: sig.From, Room: sig.Room, Reason: "invalid_room", Auto: true})
		return
	}
	mode := sig.Mode
	if !mode.Valid() {
		mode = domain.ModeVoice
	}
	c.newSession(room, sig.From, mode, false)
	c.setState(StateRingingIncoming)
}

// media

func (c *Coordinator) connect(s *session) {
	a, ctx, room := s.attempt, s.ctx, s.id
	events := mediaEvents{c: c, attempt: a}
	go func() {
		cred, err := c.creds.VideoCredential(ctx, room)
		if err != nil {
			if !errors.Is(err, domain.ErrCredential) {
				err = fmt.Errorf("%w: %v", domain.ErrCredential, err)
			}
			c.post(evMediaConnected{attempt: a, err: err})
			return
		}
		if cred.Room == "" {
			cred.Room = room
		}
		ms, err := c.media.Connect(ctx, cred, events)
		if err != nil {
			err = fmt.Errorf("%w: media connect: %v", domain.ErrDeviceNotReady, err)
		}
		if !c.post(evMediaConnected{attempt: a, media: ms, err: err}) && ms != nil {
			disconnect(ms)
		}
	}()
}

func (c *Coordinator) onMediaConnected(ev evMediaConnected) {
	s := c.current(ev.attempt)
	if s == nil {
		if ev.media != nil {
			log.Info().Str("module", "app.call").Msg("late media session, disconnecting")
			go disconnect(ev.media)
		}
		return
	}
	if ev.err != nil {
		log.Error().Err(ev.err).Str("module", "app.call").Str("room", string(s.id)).Msg("media connect failed")
		c.sendSignal(core.Signal{Type: core.SignalHangup, To: s.remote, Room: s.id, Reason: "media_failed"})
		c.teardown(ev.err.Error(), true)
		return
	}
	s.media = ev.media
	c.activate()
}

func (c *Coordinator) enterConnected() {
	c.sess.connectedAt = c.now()
	c.setState(StateConnected)
	c.activate()
}

// activate publishes local tracks and flushes held remote tracks once the
// call is answered and the media session is up.
func (c *Coordinator) activate() {
	s := c.sess
	if c.state != StateConnected || s == nil {
		return
	}
	pending := s.pending
	s.pending = nil
	for _, t := range pending {
		c.register(s, t)
	}
	if s.media == nil || s.publishing {
		return
	}
	s.publishing = true
	a, ms, mode := s.attempt, s.media, s.mode
	go func() {
		published, err := ms.PublishLocal(mode)
		if !c.post(evPublished{attempt: a, tracks: published, err: err}) {
			for _, t := range published {
				tracks.StopTrack(t)
			}
		}
	}()
}

func (c *Coordinator) onPublished(ev evPublished) {
	s := c.current(ev.attempt)
	if s == nil {
		for _, t := range ev.tracks {
			tracks.StopTrack(t)
		}
		return
	}
	if ev.err != nil {
		err := fmt.Errorf("%w: publish local tracks: %v", domain.ErrTrack, ev.err)
		log.Error().Err(err).Str("module", "app.call").Msg("publish failed")
		c.sendSignal(core.Signal{Type: core.SignalHangup, To: s.remote, Room: s.id, Reason: "media_failed"})
		c.teardown(err.Error(), true)
		return
	}
	s.published = true
	s.local = ev.tracks
	name := c.self.Name
	if name == "" {
		name = domain.UnknownSpeaker
	}
	for _, t := range ev.tracks {
		if err := c.trk.Attach(t, c.localSink); err != nil {
			log.Warn().Err(err).Str("module", "app.call").Str("track", t.ID()).Msg("local attach failed")
			continue
		}
		if t.Kind() != domain.TrackAudio {
			continue
		}
		c.speakers.Set(t.ID(), name)
		if c.stt != nil {
			c.stt.StartForTrackAsync(s.ctx, t, name)
		}
	}

	ms, muted, camera, mode := s.media, c.muted, c.camera, s.mode
	if muted || (mode == domain.ModeVideo && !camera) {
		c.async(func() {
			if muted {
				_ = ms.SetMicrophoneEnabled(false)
			}
			if mode == domain.ModeVideo && !camera {
				_ = ms.SetCameraEnabled(false)
			}
		})
	}
}

func (c *Coordinator) onTrackSubscribed(attempt uint64, track core.MediaTrack) {
	s := c.current(attempt)
	if s == nil {
		c.stopLateTrack(track)
		return
	}
	if track.Participant().Identity == c.self.Identity {
		return
	}
	if c.state != StateConnected {
		s.hold(track)
		return
	}
	c.register(s, track)
}

// register attaches a remote track, records its speaker and starts
// recognition. Every step is idempotent per track id.
func (c *Coordinator) register(s *session, track core.MediaTrack) {
	name := c.displayName(track.Participant())
	if track.Kind() == domain.TrackAudio {
		c.speakers.Set(track.ID(), name)
	}
	if err := c.trk.Attach(track, c.remoteSink); err != nil {
		log.Warn().Err(err).Str("module", "app.call").Str("track", track.ID()).Msg("remote attach failed")
		return
	}
	if c.stt != nil {
		c.stt.StartForTrackAsync(s.ctx, track, name)
	}
}

func (c *Coordinator) onTrackUnsubscribed(ev evTrackUnsubscribed) {
	s := c.current(ev.attempt)
	if s == nil {
		return
	}
	s.release(ev.trackID)
	if c.stt != nil {
		c.stt.StopForTrack(ev.trackID)
	}
	c.trk.Detach(ev.trackID)
	c.speakers.Delete(ev.trackID)
}

func (c *Coordinator) stopLateTrack(track core.MediaTrack) {
	log.Debug().Str("module", "app.call").Str("track", track.ID()).Msg("late track, stopping")
	tracks.StopTrack(track)
}

func (c *Coordinator) displayName(p core.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	for _, u := range c.online {
		if u.ID == p.Identity {
			return u.DisplayName()
		}
	}
	return string(p.Identity)
}

// teardown

// teardown ends the session. Cleanup runs off the loop in a fixed order and
// reports back with evTeardownDone; the state stays Ending (or Error) until then.
func (c *Coordinator) teardown(reason string, failed bool) {
	s := c.sess
	if s == nil || s.ending {
		return
	}
	s.ending = true
	s.cancel()
	c.reason = reason
	if failed {
		c.setState(StateError)
	} else {
		c.setState(StateEnding)
	}
	log.Info().
		Str("module", "app.call").
		Str("room", string(s.id)).
		Str("reason", reason).
		Msg("call ending")

	pending, ms, a := s.pending, s.media, s.attempt
	s.pending = nil
	go func() {
		defer c.post(evTeardownDone{attempt: a})
		c.cleanup(pending, ms)
	}()
}

func (c *Coordinator) cleanup(pending []core.MediaTrack, ms core.MediaSession) {
	step("stop recognizers", func() {
		if c.stt != nil {
			c.stt.StopAll()
		}
	})
	step("detach tracks", func() {
		for _, t := range pending {
			tracks.StopTrack(t)
		}
		c.trk.DetachAll()
	})
	step("clear speakers", c.speakers.Clear)
	step("disconnect media", func() {
		if ms != nil {
			ms.Disconnect()
		}
	})
}

func (c *Coordinator) onTeardownDone(ev evTeardownDone) {
	s := c.sess
	if s == nil || s.attempt != ev.attempt {
		return
	}
	c.sess = nil
	c.muted = false
	c.camera = false
	c.setState(StateIdle)
	log.Info().Str("module", "app.call").Str("room", string(s.id)).Msg("call ended")
	if c.autoEnable {
		c.startEnable()
	}
}

func (c *Coordinator) shutdown() {
	close(c.done)
	if s := c.sess; s != nil {
		s.cancel()
		if !s.ending {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			switch c.state {
			case StateDialing, StateConnected:
				_ = c.sig.Send(ctx, core.Signal{Type: core.SignalHangup, To: s.remote, Room: s.id})
			case StateRingingIncoming:
				_ = c.sig.Send(ctx, core.Signal{Type: core.SignalReject, To: s.remote, Room: s.id, Reason: "unavailable", Auto: true})
			}
			cancel()
			c.cleanup(s.pending, s.media)
		}
		c.sess = nil
	}
	c.setState(StateIdle)
	c.closeSubscribers()
}

func step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.call").Str("step", name).Msgf("teardown step panicked: %v", r)
		}
	}()
	fn()
}

func disconnect(ms core.MediaSession) {
	step("disconnect media", ms.Disconnect)
}
