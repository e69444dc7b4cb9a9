package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ErrOpen is returned when a video cannot be inspected or has no decodable video stream.
var ErrOpen = errors.New("cannot open video file")

// DefaultMaxPixels caps decoded frame area (8K UHD) when Options leaves it unset.
const DefaultMaxPixels = 7680 * 4320

// VideoInfo is the subset of container metadata the decoder needs.
type VideoInfo struct {
	// Width and Height are the displayed size, after rotation.
	Width    int
	Height   int
	Rotation int
	// FrameCount comes from container metadata or is estimated from duration and
	// frame rate. It may be 0 or inaccurate.
	FrameCount int
	Duration   float64
}

// CheckInstallation verifies if FFmpeg is installed and accessible
func CheckInstallation(ctx context.Context, ffmpegPath string) error {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg is not installed or not in PATH: %w", err)
	}
	return nil
}

// GetVideoMetadata retrieves the first video stream's geometry and frame
// count. Streams larger than maxPixels are rejected; maxPixels <= 0 uses
// DefaultMaxPixels.
func GetVideoMetadata(ctx context.Context, ffprobePath, videoPath string, maxPixels int) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,nb_frames,r_frame_rate,duration:stream_tags=rotate:stream_side_data=rotation",
		"-show_entries", "format=duration",
		"-of", "json",
		videoPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe: %v", ErrOpen, err)
	}

	return parseMetadata(output, maxPixels)
}

type sideData struct {
	Rotation *float64 `json:"rotation"`
}

type metadataOutput struct {
	Streams []struct {
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		NbFrames   string `json:"nb_frames"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
		Tags       struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []sideData `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseMetadata(output []byte, maxPixels int) (*VideoInfo, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	var meta metadataOutput
	if err := json.Unmarshal(output, &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid ffprobe output: %v", ErrOpen, err)
	}
	if len(meta.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream", ErrOpen)
	}

	stream := meta.Streams[0]
	if stream.Width <= 0 || stream.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %dx%d", ErrOpen, stream.Width, stream.Height)
	}
	if int64(stream.Width)*int64(stream.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: frame size %dx%d exceeds limit", ErrOpen, stream.Width, stream.Height)
	}

	info := &VideoInfo{
		Width:    stream.Width,
		Height:   stream.Height,
		Duration: parseFloat(stream.Duration),
	}

	// ffmpeg applies the display matrix while decoding, so quarter turns swap the output size.
	info.Rotation = streamRotation(stream.Tags.Rotate, stream.SideDataList)
	if info.Rotation%180 != 0 {
		info.Width, info.Height = info.Height, info.Width
	}
	if info.Duration == 0 {
		info.Duration = parseFloat(meta.Format.Duration)
	}

	if n, err := strconv.Atoi(stream.NbFrames); err == nil && n > 0 {
		info.FrameCount = n
	} else if fps := parseRate(stream.RFrameRate); fps > 0 && info.Duration > 0 {
		// Same estimate players use when the container carries no frame count.
		info.FrameCount = int(math.Round(info.Duration * fps))
	}

	return info, nil
}

// streamRotation normalizes the stream rotation to 0, 90, 180 or 270. Side
// data wins over the legacy rotate tag.
func streamRotation(tag string, list []sideData) int {
	deg := 0.0
	found := false
	for _, sd := range list {
		if sd.Rotation != nil {
			deg, found = *sd.Rotation, true
			break
		}
	}
	if !found {
		if v, err := strconv.ParseFloat(strings.TrimSpace(tag), 64); err == nil {
			deg = v
		}
	}

	quarter := int(math.Round(deg/90)) % 4
	if quarter < 0 {
		quarter += 4
	}
	return quarter * 90
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || f < 0 {
		return 0
	}
	return f
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(value string) float64 {
	num, den, found := strings.Cut(value, "/")
	if !found {
		return parseFloat(value)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return n / d
}
