package rtc

import (
	"io"
	"math/rand/v2"
	"sync/atomic"

	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/dkeye/Ring/internal/app/sfu"
)

const (
	opusPayloadType = 111
	vp8PayloadType  = 96

	// packets queued for the local relay before new ones are dropped
	teeQueue = 64
)

// sampleTee writes samples to the published track and repacketizes them as
// RTP for the local relay, so local tracks can be tapped like remote ones.
// Only one goroutine may call WriteSample.
type sampleTee struct {
	out       sampleWriter
	pkts      chan *rtp.Packet
	clockRate uint32
	pt        uint8
	ssrc      uint32
	seq       uint16
	ts        uint32
	muted     atomic.Bool
}

func newSampleTee(out sampleWriter, clockRate uint32, pt uint8) *sampleTee {
	return &sampleTee{
		out:       out,
		pkts:      make(chan *rtp.Packet, teeQueue),
		clockRate: clockRate,
		pt:        pt,
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.Uint32()),
	}
}

func (t *sampleTee) WriteSample(s media.Sample, opts *lksdk.SampleWriteOptions) error {
	if err := t.out.WriteSample(s, opts); err != nil {
		return err
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    t.pt,
			SequenceNumber: t.seq,
			Timestamp:      t.ts,
			SSRC:           t.ssrc,
		},
		Payload: append([]byte(nil), s.Data...),
	}
	t.seq++
	t.ts += uint32(s.Duration.Seconds() * float64(t.clockRate))
	if t.muted.Load() {
		return nil
	}
	select {
	case t.pkts <- pkt:
	default:
	}
	return nil
}

// read feeds the relay loop until stop is closed.
func (t *sampleTee) read(stop <-chan struct{}) sfu.ReadFunc {
	return func() (*rtp.Packet, error) {
		select {
		case p := <-t.pkts:
			return p, nil
		case <-stop:
			return nil, io.EOF
		}
	}
}
