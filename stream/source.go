package stream

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Source opens a video transport and hands back a frame reader. The manager
// takes a Source so tests and smoke runs can capture without a live camera.
type Source interface {
	Open(url string) (Reader, error)
}

// Reader yields decoded frames. The returned Mat is owned by the caller.
type Reader interface {
	Read() (gocv.Mat, error)
	Close() error
}

type rtspSource struct {
}

// NewRTSPSource captures from an RTSP URL (or anything else gocv's
// VideoCapture accepts, such as a file path or device index).
func NewRTSPSource() Source {
	return &rtspSource{}
}

func (s *rtspSource) Open(url string) (Reader, error) {
	webcam, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, fmt.Errorf("error opening video capture %s: %w", url, err)
	}
	return &rtspReader{webcam: webcam}, nil
}

type rtspReader struct {
	webcam *gocv.VideoCapture
}

func (r *rtspReader) Read() (gocv.Mat, error) {
	img := gocv.NewMat()
	if ok := r.webcam.Read(&img); !ok || img.Empty() {
		img.Close() // Crucial to close the image to avoid memory leaks
		return gocv.Mat{}, fmt.Errorf("error reading frame from capture")
	}
	return img, nil
}

func (r *rtspReader) Close() error {
	return r.webcam.Close()
}

type syntheticSource struct {
	interval time.Duration
	width    int
	height   int
}

// NewSyntheticSource generates blank frames at a fixed interval. Used by
// tests and smoke runs where no camera is available.
func NewSyntheticSource(interval time.Duration) Source {
	return &syntheticSource{
		interval: interval,
		width:    640,
		height:   480,
	}
}

func (s *syntheticSource) Open(_ string) (Reader, error) {
	return &syntheticReader{src: s}, nil
}

type syntheticReader struct {
	src *syntheticSource
}

func (r *syntheticReader) Read() (gocv.Mat, error) {
	time.Sleep(r.src.interval)
	return gocv.NewMatWithSize(r.src.height, r.src.width, gocv.MatTypeCV8UC3), nil
}

func (r *syntheticReader) Close() error {
	return nil
}
