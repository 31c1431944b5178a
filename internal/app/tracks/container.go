package tracks

import (
	"github.com/dkeye/Ring/internal/core"
)

// Element is one render artifact a container produced for a track.
type Element interface {
	Remove() error
}

// Container renders tracks. Mount may produce several elements; on error it
// must return the elements it already created so they can be removed.
type Container interface {
	Name() string
	Mount(track core.MediaTrack) ([]Element, error)
}

// DiscardContainer drains packets without rendering them.
type DiscardContainer struct{}

func (DiscardContainer) Name() string { return "discard" }

func (DiscardContainer) Mount(track core.MediaTrack) ([]Element, error) {
	key := "discard:" + track.ID()
	track.AddTap(key, discardWriter{})
	return []Element{tapElement{track: track, key: key}}, nil
}

// TapElement removes a packet tap when the element is removed.
func TapElement(track core.MediaTrack, key string) Element {
	return tapElement{track: track, key: key}
}

type tapElement struct {
	track core.MediaTrack
	key   string
}

func (e tapElement) Remove() error {
	e.track.RemoveTap(e.key)
	return nil
}
