package cvbridge

import (
	"context"
	"log/slog"

	"starstack/internal/raster"
	"starstack/internal/tasks"

	"gocv.io/x/gocv"
)

// BlobDetector finds star centroids with OpenCV's SimpleBlobDetector. The
// sensitivity passed to Detect is the minimum binarisation threshold on a
// 0-255 scale, so raising it yields fewer, brighter stars.
type BlobDetector struct {
	ThresholdStep    float32
	MaxThreshold     float32
	MinRepeatability int
	MinDistance      float64
	MinArea          float64
	MaxArea          float64
	Log              *slog.Logger
}

// NewBlobDetector returns a detector tuned for small round stars.
func NewBlobDetector(minArea, maxArea float64, log *slog.Logger) *BlobDetector {
	if log == nil {
		log = slog.Default()
	}
	return &BlobDetector{
		ThresholdStep:    10,
		MaxThreshold:     255,
		MinRepeatability: 2,
		MinDistance:      5,
		MinArea:          minArea,
		MaxArea:          maxArea,
		Log:              log,
	}
}

func (d *BlobDetector) Detect(ctx context.Context, f *raster.Frame, sensitivity int) (tasks.FeatureSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gray, err := toGrayBytes(f)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	params := gocv.NewSimpleBlobDetectorParams()
	params.SetMinThreshold(float32(sensitivity))
	params.SetMaxThreshold(d.MaxThreshold)
	params.SetThresholdStep(d.ThresholdStep)
	params.SetMinRepeatability(d.MinRepeatability)
	params.SetMinDistBetweenBlobs(d.MinDistance)
	params.SetFilterByColor(true)
	params.SetBlobColor(255)
	params.SetFilterByArea(true)
	params.SetMinArea(d.MinArea)
	params.SetMaxArea(d.MaxArea)
	params.SetFilterByCircularity(false)
	params.SetFilterByConvexity(false)
	params.SetFilterByInertia(false)

	detector := gocv.NewSimpleBlobDetectorWithParams(params)
	defer detector.Close()

	kps := detector.Detect(gray)
	set := make(tasks.FeatureSet, len(kps))
	for i, kp := range kps {
		set[i] = tasks.FeaturePoint{X: kp.X, Y: kp.Y, Response: kp.Response, Size: kp.Size}
	}
	d.Log.Debug("stars detected", "frame", f.Index, "sensitivity", sensitivity, "count", len(set))
	return set, nil
}
