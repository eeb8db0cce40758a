// Package telemetry defines the samples a client streams during an exam and the
// messages that carry them to a session monitor.
package telemetry

import (
	"errors"
	"time"
)

var ErrMalformedFrame = errors.New("frame size does not match its dimensions")

type Keystroke struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

func (k Keystroke) Time() time.Time { return k.At }

type Pointer struct {
	X  float64   `json:"x"`
	Y  float64   `json:"y"`
	At time.Time `json:"at"`
}

func (p Pointer) Time() time.Time { return p.At }

// Frame is a downscaled camera frame: Width*Height pixels, 3 bytes (R, G, B) each.
type Frame struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Pix    []byte `json:"pix"`
}

func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || len(f.Pix) != f.Width*f.Height*3 {
		return ErrMalformedFrame
	}
	return nil
}
