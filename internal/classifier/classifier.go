// Package classifier turns a leaf image into a disease prediction.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// ErrEmptyImage is returned when no image bytes are supplied.
var ErrEmptyImage = errors.New("image is empty")

// Prediction is the classifier output for one image.
type Prediction struct {
	Disease    string  `json:"disease"`
	Confidence float64 `json:"confidence"`
	Crop       string  `json:"crop"`
}

// Classifier predicts the disease shown in an image.
type Classifier interface {
	Predict(ctx context.Context, image []byte) (Prediction, error)
}

// Known labels.
var (
	DiseaseClasses = []string{
		"Healthy",
		"Early_Blight",
		"Late_Blight",
		"Powdery_Mildew",
		"Leaf_Rust",
		"Septoria_Leaf_Spot",
	}
	CropTypes = []string{"Tomato", "Potato", "Grape", "Corn", "Wheat"}
)

// --------------------------------------------------------------------------
// Mock
// --------------------------------------------------------------------------

// Mock returns random labels with a confidence in [0.80, 0.95].
type Mock struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewMock creates a mock classifier. A nil rng is seeded from the clock.
func NewMock(rng *rand.Rand) *Mock {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Mock{rng: rng}
}

// Predict ignores the image content.
func (m *Mock) Predict(ctx context.Context, image []byte) (Prediction, error) {
	if len(image) == 0 {
		return Prediction{}, ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conf := 0.80 + m.rng.Float64()*0.15
	return Prediction{
		Disease:    DiseaseClasses[m.rng.Intn(len(DiseaseClasses))],
		Crop:       CropTypes[m.rng.Intn(len(CropTypes))],
		Confidence: math.Round(conf*100) / 100,
	}, nil
}

// --------------------------------------------------------------------------
// Remote
// --------------------------------------------------------------------------

// Remote calls an external inference service.
type Remote struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
}

// NewRemote creates a client for the inference service at url.
func NewRemote(url string, timeout time.Duration, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		logger:     logger,
	}
}

// Predict posts the raw image and decodes {disease, confidence, crop}.
func (r *Remote) Predict(ctx context.Context, image []byte) (Prediction, error) {
	if len(image) == 0 {
		return Prediction{}, ErrEmptyImage
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(image))
	if err != nil {
		return Prediction{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Prediction{}, fmt.Errorf("read classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var p Prediction
	if err := json.Unmarshal(body, &p); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	if p.Disease == "" {
		return Prediction{}, fmt.Errorf("classifier returned no disease")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return Prediction{}, fmt.Errorf("classifier confidence %v out of range", p.Confidence)
	}

	r.logger.Debug("Classified image", "disease", p.Disease, "confidence", p.Confidence,
		"elapsed", time.Since(start))
	return p, nil
}

func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
