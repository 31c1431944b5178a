package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/adapters/rtc"
	"github.com/dkeye/Ring/internal/adapters/signalclient"
	"github.com/dkeye/Ring/internal/adapters/sink"
	"github.com/dkeye/Ring/internal/adapters/speech"
	"github.com/dkeye/Ring/internal/app/call"
	"github.com/dkeye/Ring/internal/app/tracks"
	"github.com/dkeye/Ring/internal/app/transcribe"
	"github.com/dkeye/Ring/internal/config"
)

type agent struct {
	coord *call.Coordinator
	wg    sync.WaitGroup
}

// startAgent logs in and runs the coordinator and the signaling client
// until ctx is done.
func startAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	c := cfg.Caller
	client, token, err := login(ctx, c)
	if err != nil {
		return nil, err
	}

	var remote tracks.Container = tracks.DiscardContainer{}
	if c.RecordDir != "" {
		remote = sink.FileContainer{Dir: c.RecordDir}
	}
	var stt *transcribe.Manager
	if c.Speech.URL != "" {
		stt = transcribe.NewManager(speech.NewEngine(c.Speech, client.SpeechCredential))
		stt.OnLine = func(l transcribe.Line) {
			if l.Final {
				log.Info().Str("module", "caller").Str("speaker", l.Speaker).Msg(l.Text)
			}
		}
	}

	signals := signalclient.New(c.Signal, token, nil)
	coord := call.New(call.Config{
		Credentials: client,
		Signaler:    signals,
		Media:       &rtc.Connector{AudioFile: c.AudioFile, VideoFile: c.VideoFile},
		Transcriber: stt,
		RemoteSink:  remote,
		AutoEnable:  c.AutoEnable,
	})
	signals.SetHandler(coord)

	a := &agent{coord: coord}
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := coord.Run(ctx); err != nil {
			log.Error().Err(err).Str("module", "caller").Msg("coordinator stopped")
		}
	}()
	go func() {
		defer a.wg.Done()
		_ = signals.Run(ctx)
	}()
	return a, nil
}

func (a *agent) wait() { a.wg.Wait() }

// watch prints state changes and optionally answers incoming calls.
func (a *agent) watch(ctx context.Context, out io.Writer, autoAccept bool) {
	snaps, cancel := a.coord.Subscribe()
	defer cancel()
	last := call.Snapshot{State: -1}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			if line := describe(last, s); line != "" {
				fmt.Fprintln(out, line)
			}
			if autoAccept && s.State == call.StateRingingIncoming && last.State != call.StateRingingIncoming {
				go func() {
					if err := a.coord.Accept(ctx); err != nil {
						log.Warn().Err(err).Str("module", "caller").Msg("auto accept failed")
					}
				}()
			}
			last = s
		}
	}
}

// describe renders what changed between two snapshots.
func describe(prev, cur call.Snapshot) string {
	switch {
	case prev.State != cur.State:
		line := "state: " + cur.State.String()
		if cur.Remote != "" {
			line += fmt.Sprintf(" (%s, %s, room %s)", cur.Remote, cur.Mode, cur.Session)
		}
		if cur.Reason != "" && cur.State != call.StateConnected {
			line += " reason: " + cur.Reason
		}
		return line
	case prev.Muted != cur.Muted:
		if cur.Muted {
			return "microphone muted"
		}
		return "microphone live"
	case prev.Camera != cur.Camera:
		if cur.Camera {
			return "camera on"
		}
		return "camera off"
	case len(prev.Online) != len(cur.Online):
		return fmt.Sprintf("%d users callable", len(cur.Online))
	}
	return ""
}
