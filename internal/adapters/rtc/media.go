package rtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const oggPageDuration = 20 * time.Millisecond

var errEmptyMedia = errors.New("media file has no frames")

// opusSilence is one 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type sampleWriter interface {
	WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error
}

func pumpSilence(w sampleWriter, stop <-chan struct{}) error {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
		}
		if err := w.WriteSample(media.Sample{Data: opusSilence, Duration: oggPageDuration}, nil); err != nil {
			return err
		}
	}
}

// pumpOgg loops an Ogg/Opus file into w until stop is closed.
func pumpOgg(path string, w sampleWriter, stop <-chan struct{}) error {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		done, err := playOgg(path, w, ticker, stop)
		if err != nil || done {
			return err
		}
	}
}

func playOgg(path string, w sampleWriter, ticker *time.Ticker, stop <-chan struct{}) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return true, err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return true, fmt.Errorf("ogg %s: %w", path, err)
	}
	var granule uint64
	for n := 0; ; n++ {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if n == 0 {
				return true, fmt.Errorf("ogg %s: %w", path, errEmptyMedia)
			}
			return false, nil
		}
		if err != nil {
			return true, fmt.Errorf("ogg %s: %w", path, err)
		}
		samples := header.GranulePosition - granule
		granule = header.GranulePosition
		d := time.Duration(float64(samples) / 48000 * float64(time.Second))
		if err := w.WriteSample(media.Sample{Data: page, Duration: d}, nil); err != nil {
			return true, err
		}
		select {
		case <-stop:
			return true, nil
		case <-ticker.C:
		}
	}
}

// pumpIVF loops an IVF (VP8) file into w until stop is closed.
func pumpIVF(path string, w sampleWriter, stop <-chan struct{}) error {
	for {
		done, err := playIVF(path, w, stop)
		if err != nil || done {
			return err
		}
	}
}

func playIVF(path string, w sampleWriter, stop <-chan struct{}) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return true, err
	}
	defer f.Close()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return true, fmt.Errorf("ivf %s: %w", path, err)
	}
	frame := time.Second / 30
	if header.TimebaseDenominator > 0 {
		frame = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for n := 0; ; n++ {
		data, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if n == 0 {
				return true, fmt.Errorf("ivf %s: %w", path, errEmptyMedia)
			}
			return false, nil
		}
		if err != nil {
			return true, fmt.Errorf("ivf %s: %w", path, err)
		}
		if err := w.WriteSample(media.Sample{Data: data, Duration: frame}, nil); err != nil {
			return true, err
		}
		select {
		case <-stop:
			return true, nil
		case <-ticker.C:
		}
	}
}
