// Package media declares the metadata probing and thumbnail extraction
// collaborators used after an upload finishes. No codec work happens in this
// repository; the simulated implementations stand in for an ffprobe/ffmpeg
// sidecar.
package media

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/clipforge/clipforge/internal/uploader"
)

// Metadata describes a probed video file.
type Metadata struct {
	Duration float64 // seconds
	Width    int
	Height   int
}

// Prober extracts container metadata from an uploaded source.
type Prober interface {
	Probe(ctx context.Context, src uploader.Source) (Metadata, error)
}

// Thumbnailer extracts a poster frame from an uploaded source.
type Thumbnailer interface {
	Extract(ctx context.Context, src uploader.Source) (data []byte, contentType string, err error)
}

// SimulatedProber derives deterministic metadata from the file itself so the
// rest of the system has realistic values to carry around.
type SimulatedProber struct {
	Delay time.Duration
}

// Probe returns stable pseudo-metadata for the source.
func (p *SimulatedProber) Probe(ctx context.Context, src uploader.Source) (Metadata, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return Metadata{}, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	h := fnv.New32a()
	h.Write([]byte(src.Name()))
	seed := h.Sum32()
	dims := [...][2]int{{1920, 1080}, {1280, 720}, {3840, 2160}, {1080, 1920}}
	d := dims[seed%uint32(len(dims))]
	// rough bitrate assumption just to produce a plausible duration
	duration := float64(src.Size()) / (1 << 20) * 4
	return Metadata{Duration: duration, Width: d[0], Height: d[1]}, nil
}

// SimulatedThumbnailer emits a tiny placeholder image.
type SimulatedThumbnailer struct{}

// Extract returns a deterministic placeholder thumbnail.
func (t *SimulatedThumbnailer) Extract(ctx context.Context, src uploader.Source) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	payload := fmt.Sprintf("thumbnail:%s:%d", src.Name(), src.Size())
	return []byte(payload), "image/jpeg", nil
}
