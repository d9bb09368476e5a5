package media

import "math"

// ThumbnailBound is the bounding box, in pixels, of feed thumbnails.
const ThumbnailBound = 200

// CalculateImageThumbnailSize scales natural dimensions down into the thumbnail box. Width is
// clamped first; if the adjusted height still exceeds the box, height is clamped and width
// rescaled from the width-adjusted dimensions. Results are rounded to whole pixels.
func CalculateImageThumbnailSize(width, height int) (int, int) {
	if width <= 0 || height <= 0 {
		return width, height
	}
	scaledWidth := float64(width)
	scaledHeight := float64(height)
	if scaledWidth > ThumbnailBound {
		scaledHeight = scaledHeight * ThumbnailBound / scaledWidth
		scaledWidth = ThumbnailBound
	}
	if scaledHeight > ThumbnailBound {
		scaledWidth = scaledWidth * ThumbnailBound / scaledHeight
		scaledHeight = ThumbnailBound
	}
	return int(math.Round(scaledWidth)), int(math.Round(scaledHeight))
}
