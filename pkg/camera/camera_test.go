package camera

import (
	"bytes"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/cyrilix/robocar-fleet/pkg/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bgra builds a w*h image filled with a single BGRA pixel
func bgra(w, h int, b, g, r, a byte) *simulator.Image {
	raw := make([]byte, 0, w*h*4)
	for i := 0; i < w*h; i++ {
		raw = append(raw, b, g, r, a)
	}
	return &simulator.Image{Width: w, Height: h, RawData: raw}
}

func TestToNRGBA(t *testing.T) {
	img, err := ToNRGBA(bgra(2, 2, 10, 20, 30, 0))
	require.NoError(t, err)

	for i := 0; i < len(img.Pix); i += 4 {
		assert.Equal(t, []byte{30, 20, 10, 0xff}, img.Pix[i:i+4])
	}
}

func TestToNRGBA_InvalidFrame(t *testing.T) {
	cases := []struct {
		name string
		img  *simulator.Image
	}{
		{"nil image", nil},
		{"empty size", &simulator.Image{}},
		{"truncated data", &simulator.Image{Width: 2, Height: 2, RawData: make([]byte, 15)}},
	}
	for _, c := range cases {
		_, err := ToNRGBA(c.img)
		assert.Error(t, err, c.name)
	}
}

func TestEncode(t *testing.T) {
	content, err := Encode(bgra(64, 48, 0, 0, 255, 128), DefaultQuality)
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, 64, decoded.Bounds().Dx())
	assert.Equal(t, 48, decoded.Bounds().Dy())

	r, g, b, _ := decoded.At(10, 10).RGBA()
	assert.Greater(t, r>>8, uint32(200), "red channel")
	assert.Less(t, g>>8, uint32(50), "green channel")
	assert.Less(t, b>>8, uint32(50), "blue channel")
}

func TestFrame(t *testing.T) {
	var f Frame

	content, seq := f.Get()
	assert.Nil(t, content)
	assert.Equal(t, uint64(0), seq)

	f.Set([]byte("first"))
	f.Set([]byte("second"))
	content, seq = f.Get()
	assert.Equal(t, []byte("second"), content)
	assert.Equal(t, uint64(2), seq)

	f.Clear()
	content, _ = f.Get()
	assert.Nil(t, content)
}

func TestFrame_ConcurrentAccess(t *testing.T) {
	var f Frame
	frames := [][]byte{[]byte("aaaa"), []byte("bbbb")}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			f.Set(frames[i%2])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			content, _ := f.Get()
			if content != nil && !bytes.Equal(content, frames[0]) && !bytes.Equal(content, frames[1]) {
				t.Errorf("partial frame read: %v", content)
				return
			}
		}
	}()
	wg.Wait()
}
