package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"challan-service/internal/config"
	"challan-service/internal/domain/challan"
)

// ModelRecognizer sends the cropped plate region to the OCR endpoint of
// the inference service.
type ModelRecognizer struct {
	baseURL string
	client  *http.Client
}

func NewModelRecognizer(cfg config.DetectionConfig) *ModelRecognizer {
	timeout := cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ModelRecognizer{
		baseURL: cfg.InferenceURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *ModelRecognizer) Backend() string { return BackendModel }

func (r *ModelRecognizer) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCR service health check returned %d", resp.StatusCode)
	}
	return nil
}

type ocrRequest struct {
	Image  []byte         `json:"image"`
	Region challan.Region `json:"region"`
}

type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (r *ModelRecognizer) Recognize(ctx context.Context, frame *challan.Frame, region challan.Region) (challan.PlateReading, error) {
	if len(frame.Image) == 0 || region.Empty() {
		return challan.PlateReading{}, fmt.Errorf("%w: nothing to read", ErrRecognition)
	}

	body, err := json.Marshal(ocrRequest{Image: frame.Image, Region: region})
	if err != nil {
		return challan.PlateReading{}, fmt.Errorf("%w: %v", ErrRecognition, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return challan.PlateReading{}, fmt.Errorf("%w: %v", ErrRecognition, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return challan.PlateReading{}, fmt.Errorf("%w: %v", ErrRecognition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return challan.PlateReading{}, fmt.Errorf("%w: OCR service returned %d", ErrRecognition, resp.StatusCode)
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return challan.PlateReading{}, fmt.Errorf("%w: decode OCR response: %v", ErrRecognition, err)
	}
	return normalizeReading(out.Text, out.Confidence, BackendModel)
}
