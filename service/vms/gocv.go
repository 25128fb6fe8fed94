package vms

import (
	"fmt"
	"image"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/lgr"
)

// WARNING:
// GoCV is not an optimal choice for MP4 encoding: it writes uncompressed
// frames, which can generate large files. It keeps the media stack to one
// library; swap this service for an ffmpeg-backed one if size matters.
type gocvService struct {
}

func NewGocv() IService {
	return &gocvService{}
}

func (svc *gocvService) EncodeSegment(path string, frames []model.Frame, fps float64) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to save")
	}

	first := frames[0].Mat
	if first.Empty() || first.Cols() <= 0 || first.Rows() <= 0 {
		return fmt.Errorf("invalid first frame: cols=%d, rows=%d", first.Cols(), first.Rows())
	}

	if fps <= 0 {
		fps = 25
	}

	writer, err := gocv.VideoWriterFile(path, "avc1", fps, first.Cols(), first.Rows(), true)
	if err != nil {
		return fmt.Errorf("error creating video writer: %w", err)
	}
	defer writer.Close()

	for _, f := range frames {
		if err := writeFrame(writer, f.Mat, first.Cols(), first.Rows()); err != nil {
			return err
		}
	}

	return nil
}

func (svc *gocvService) MergeSegments(paths []string, outPath string) error {
	if len(paths) == 0 {
		return fmt.Errorf("no segments to merge")
	}

	var writer *gocv.VideoWriter
	var cols, rows int

	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	for _, p := range paths {
		capture, err := gocv.VideoCaptureFile(p)
		if err != nil {
			lgr.Logger.Warn(
				"skipping unreadable segment during merge",
				slog.String("segment", p),
				lgr.Err(err),
			)
			continue
		}

		img := gocv.NewMat()
		for capture.Read(&img) && !img.Empty() {
			if writer == nil {
				cols, rows = img.Cols(), img.Rows()
				fps := capture.Get(gocv.VideoCaptureFPS)
				if fps <= 0 {
					fps = 25
				}
				writer, err = gocv.VideoWriterFile(outPath, "avc1", fps, cols, rows, true)
				if err != nil {
					img.Close()
					capture.Close()
					return fmt.Errorf("error creating merge writer: %w", err)
				}
			}

			if err := writeFrame(writer, img, cols, rows); err != nil {
				img.Close()
				capture.Close()
				return err
			}
		}
		img.Close()
		capture.Close()
	}

	if writer == nil {
		return fmt.Errorf("no readable frames in segments")
	}
	return nil
}

// writeFrame resizes mismatched frames so one writer geometry covers the
// whole clip.
func writeFrame(writer *gocv.VideoWriter, mat gocv.Mat, cols, rows int) error {
	if mat.Cols() == cols && mat.Rows() == rows {
		return writer.Write(mat)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(mat, &resized, image.Pt(cols, rows), 0, 0, gocv.InterpolationLinear)
	return writer.Write(resized)
}
