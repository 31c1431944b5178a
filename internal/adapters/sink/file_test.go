package sink

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ring/internal/app/tracks"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

type track struct {
	id   string
	kind domain.TrackKind

	mu   sync.Mutex
	taps map[string]core.PacketWriter
	stop int
}

func newTrack(id string, kind domain.TrackKind) *track {
	return &track{id: id, kind: kind, taps: map[string]core.PacketWriter{}}
}

func (t *track) ID() string             { return t.id }
func (t *track) Kind() domain.TrackKind { return t.kind }
func (t *track) Participant() core.Participant {
	return core.Participant{Identity: "u2", Name: "bob"}
}

func (t *track) AddTap(key string, w core.PacketWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taps[key] = w
}

func (t *track) RemoveTap(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.taps, key)
}

func (t *track) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop++
	return nil
}

func (t *track) emit(p *rtp.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.taps {
		_ = w.WriteRTP(p)
	}
}

func TestFileContainerRecordsAudio(t *testing.T) {
	c := FileContainer{Dir: t.TempDir()}
	trk := newTrack("TR_audio", domain.TrackAudio)

	m := tracks.NewManager()
	require.NoError(t, m.Attach(trk, c))
	for i := 0; i < 5; i++ {
		trk.emit(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xf8, 0xff, 0xfe},
		})
	}
	m.Detach("TR_audio")
	assert.Empty(t, trk.taps)
	assert.Equal(t, 1, trk.stop)

	f, err := os.Open(c.Path(trk))
	require.NoError(t, err)
	defer f.Close()
	_, header, err := oggreader.NewWith(f)
	require.NoError(t, err)
	assert.EqualValues(t, 2, header.Channels)
	assert.EqualValues(t, 48000, header.SampleRate)
}

func TestFileContainerVideoPath(t *testing.T) {
	c := FileContainer{Dir: t.TempDir()}
	trk := newTrack("TR/video", domain.TrackVideo)
	elems, err := c.Mount(trk)
	require.NoError(t, err)
	assert.Len(t, elems, 2)
	assert.Equal(t, "u2-TR_video.ivf", filepath.Base(c.Path(trk)))
	for _, e := range elems {
		assert.NoError(t, e.Remove())
	}
	assert.FileExists(t, c.Path(trk))
}

func TestWriterRejectsAfterRemove(t *testing.T) {
	c := FileContainer{Dir: t.TempDir()}
	trk := newTrack("TR_a", domain.TrackAudio)
	elems, err := c.Mount(trk)
	require.NoError(t, err)

	fw := elems[1].(*fileWriter)
	require.NoError(t, fw.Remove())
	require.NoError(t, fw.Remove())
	assert.ErrorIs(t, fw.WriteRTP(&rtp.Packet{Payload: []byte{1}}), errClosed)
}
