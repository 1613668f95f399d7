package detector

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

// ModelDetector runs frames through an external object-detection
// inference service and applies spatial reasoning to the returned
// boxes.
type ModelDetector struct {
	baseURL   string
	threshold float64
	client    *http.Client
}

func NewModelDetector(cfg config.DetectionConfig) *ModelDetector {
	timeout := cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ModelDetector{
		baseURL:   cfg.InferenceURL,
		threshold: cfg.ConfidenceThreshold,
		client:    &http.Client{Timeout: timeout},
	}
}

func (d *ModelDetector) Backend() string { return BackendModel }

// Ping probes the inference service health endpoint. Used by the
// factory to decide whether this backend is usable.
func (d *ModelDetector) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service health check returned %d", resp.StatusCode)
	}
	return nil
}

type inferResponse struct {
	Objects []Object `json:"objects"`
}

func (d *ModelDetector) Detect(ctx context.Context, frame *challan.Frame) ([]challan.Detection, error) {
	if len(frame.Image) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDetection)
	}

	objects, err := d.infer(ctx, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetection, err)
	}

	dets := violationsFromObjects(objects, BackendModel)
	return filterByThreshold(dets, d.threshold), nil
}

func (d *ModelDetector) infer(ctx context.Context, image []byte) ([]Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/detect", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference service returned %d", resp.StatusCode)
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	return out.Objects, nil
}
