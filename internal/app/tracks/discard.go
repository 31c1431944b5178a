package tracks

import "github.com/pion/rtp"

type discardWriter struct{}

func (discardWriter) WriteRTP(*rtp.Packet) error { return nil }
