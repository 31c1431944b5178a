// Package sink records tracks to disk.
package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/app/tracks"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

var errClosed = errors.New("writer closed")

// FileContainer writes audio tracks to Ogg/Opus and video tracks to IVF,
// one file per track id under Dir.
type FileContainer struct {
	Dir string
}

func (c FileContainer) Name() string { return "file" }

func (c FileContainer) Mount(track core.MediaTrack) ([]tracks.Element, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, err
	}
	path := c.Path(track)
	var (
		w   mediaWriter
		err error
	)
	switch track.Kind() {
	case domain.TrackAudio:
		w, err = oggwriter.New(path, 48000, 2)
	case domain.TrackVideo:
		w, err = ivfwriter.New(path)
	default:
		return nil, fmt.Errorf("unsupported track kind %q", track.Kind())
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	fw := &fileWriter{w: w, path: path}
	key := "file:" + track.ID()
	track.AddTap(key, fw)
	log.Debug().Str("module", "sink").Str("track", track.ID()).Str("path", path).Msg("recording track")
	return []tracks.Element{tracks.TapElement(track, key), fw}, nil
}

// Path is where a track is recorded.
func (c FileContainer) Path(track core.MediaTrack) string {
	name := sanitize(string(track.Participant().Identity)) + "-" + sanitize(track.ID())
	if track.Kind() == domain.TrackVideo {
		return filepath.Join(c.Dir, name+".ivf")
	}
	return filepath.Join(c.Dir, name+".ogg")
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == '.' {
			return '_'
		}
		return r
	}, s)
}

type mediaWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// fileWriter serializes relay writes against Close.
type fileWriter struct {
	mu     sync.Mutex
	w      mediaWriter
	path   string
	closed bool
}

func (f *fileWriter) WriteRTP(p *rtp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	return f.w.WriteRTP(p)
}

// Remove closes the file; the recording stays on disk.
func (f *fileWriter) Remove() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.w.Close()
}
