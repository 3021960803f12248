package server

import (
	"fmt"
	"image"
	"net/http"
	"path/filepath"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/vew/pkg/videox"
	"github.com/cyclopcam/vew/server/tracks"
	"github.com/cyclopcam/vew/server/visualizer"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// AnnotatedFrame renders one frame of a processed video with its tracks, and returns it as a JPEG
func (s *Server) AnnotatedFrame(video string, frameIndex int) ([]byte, error) {
	if video == "" || filepath.Base(video) != video {
		return nil, fmt.Errorf("Invalid video name '%v'", video)
	}
	framesDir, tracksDir, _ := s.watcher.Dirs(video)
	ext := s.Config.Watcher.FrameExt
	img, err := videox.LoadFrame(framesDir, frameIndex, ext)
	if err != nil {
		return nil, err
	}
	store := &tracks.Store{Dir: tracksDir}
	var trs []tracks.Track
	if store.Exists(frameIndex) {
		if trs, err = store.Read(frameIndex); err != nil {
			return nil, err
		}
	}
	vis := visualizer.New(s.processor.Line(), s.Config.WatcherSettings().VisualizerSeed)
	annotated := vis.DrawAnnotations(frameIndex, img, trs)
	return cimg.Compress(toCImage(annotated), cimg.MakeCompressParams(cimg.Sampling420, 85, 0))
}

// toCImage copies an image into a packed RGB cimg.Image
func toCImage(img image.Image) *cimg.Image {
	b := img.Bounds()
	pix := make([]byte, b.Dx()*b.Dy()*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pix[i] = byte(r >> 8)
			pix[i+1] = byte(g >> 8)
			pix[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return cimg.WrapImage(b.Dx(), b.Dy(), cimg.PixelFormatRGB, pix)
}

func (s *Server) httpFrame(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	video := www.RequiredQueryValue(r, "video")
	frameIndex := www.RequiredQueryInt(r, "frame")
	jpg, err := s.AnnotatedFrame(video, frameIndex)
	www.Check(err)
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}
