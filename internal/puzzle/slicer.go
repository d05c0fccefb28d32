package puzzle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const sliceCanvasSize = 600

var errUnsupportedImageURL = errors.New("image url must be http(s) or a data:image url")

// ImageLoadError reports that the source image could not be turned into tiles.
type ImageLoadError struct {
	ImageURL string
	Err      error
}

func (e *ImageLoadError) Error() string {
	return fmt.Sprintf("puzzle: load image %q: %v", truncateURL(e.ImageURL), e.Err)
}

func (e *ImageLoadError) Unwrap() error {
	return e.Err
}

// ImageSlicer cuts a source image into gridSize² tiles ordered row by row.
type ImageSlicer interface {
	Slice(ctx context.Context, imageURL string, gridSize int) ([]Tile, error)
}

// GridSlicer emits tiles that reference regions of the source image through
// media-fragment coordinates on a square canvas; decoding happens client side.
type GridSlicer struct{}

// NewGridSlicer returns the default ImageSlicer.
func NewGridSlicer() GridSlicer {
	return GridSlicer{}
}

func (GridSlicer) Slice(ctx context.Context, imageURL string, gridSize int) ([]Tile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateImageURL(imageURL); err != nil {
		return nil, &ImageLoadError{ImageURL: imageURL, Err: err}
	}
	if err := ValidateGridSize(gridSize); err != nil {
		return nil, &ImageLoadError{ImageURL: imageURL, Err: err}
	}

	tiles := make([]Tile, 0, gridSize*gridSize)
	for row := 0; row < gridSize; row++ {
		for col := 0; col < gridSize; col++ {
			home := Position{Row: row, Col: col}
			x0, x1 := col*sliceCanvasSize/gridSize, (col+1)*sliceCanvasSize/gridSize
			y0, y1 := row*sliceCanvasSize/gridSize, (row+1)*sliceCanvasSize/gridSize
			tiles = append(tiles, Tile{
				ID:       home.TileID(),
				ImageRef: fmt.Sprintf("%s#xywh=%d,%d,%d,%d", imageURL, x0, y0, x1-x0, y1-y0),
				Home:     home,
			})
		}
	}
	return tiles, nil
}

// ValidateImageURL accepts absolute http(s) URLs and data:image URLs.
func ValidateImageURL(imageURL string) error {
	trimmed := strings.TrimSpace(imageURL)
	if strings.HasPrefix(trimmed, "data:image/") {
		return nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return err
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errUnsupportedImageURL
	}
	return nil
}

// truncateURL shortens value to at most 64 bytes without splitting a rune.
func truncateURL(value string) string {
	const limit = 64
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}
