package camera

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/disintegration/imaging"
)

const DefaultQuality = 90

/* Encode drops alpha channel of a raw BGRA simulator image and compresses it to jpeg.
quality is in [1, 100]
*/
func Encode(img *simulator.Image, quality int) ([]byte, error) {
	rgb, err := ToNRGBA(img)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err = imaging.Encode(&buf, rgb, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("unable to encode frame %v to jpeg: %w", img.Frame, err)
	}
	return buf.Bytes(), nil
}

// ToNRGBA converts BGRA pixels to an opaque image
func ToNRGBA(img *simulator.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("no image")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %vx%v", img.Width, img.Height)
	}
	expected := img.Width * img.Height * 4
	if len(img.RawData) != expected {
		return nil, fmt.Errorf("invalid frame %v: %v bytes, wants %v", img.Frame, len(img.RawData), expected)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	src := img.RawData
	for i := 0; i < len(src); i += 4 {
		dst.Pix[i] = src[i+2]
		dst.Pix[i+1] = src[i+1]
		dst.Pix[i+2] = src[i]
		dst.Pix[i+3] = 0xff
	}
	return dst, nil
}

/* Frame holds the latest encoded camera frame.
Writers overwrite the previous value, there is no queue: readers always get the most recent frame
*/
type Frame struct {
	mu      sync.Mutex
	content []byte
	seq     uint64
}

func (f *Frame) Set(content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = content
	f.seq++
}

// Get returns the latest frame, nil if none, with its sequence number
func (f *Frame) Get() ([]byte, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content, f.seq
}

func (f *Frame) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.content = nil
}
