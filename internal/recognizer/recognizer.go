package recognizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"challan-service/internal/config"
	"challan-service/internal/domain/challan"
	"challan-service/internal/utils"
)

// ErrRecognition marks a frame region from which no usable plate could
// be read. Terminal for that candidate: evidence is retained as
// unidentified but no challan is issued.
var ErrRecognition = errors.New("plate recognition failed")

// Backend identifiers stamped on every PlateReading.
const (
	BackendModel     = "model"
	BackendHeuristic = "heuristic"
)

// Recognizer extracts a normalized plate from a frame region.
type Recognizer interface {
	Recognize(ctx context.Context, frame *challan.Frame, region challan.Region) (challan.PlateReading, error)
	Backend() string
}

// New selects the recognizer backend once at startup, mirroring the
// detector factory: the OCR service is probed and the camera-hint
// fallback used when it is unreachable.
func New(cfg config.DetectionConfig, log zerolog.Logger) Recognizer {
	if cfg.Backend == BackendHeuristic {
		return NewHintRecognizer()
	}
	m := NewModelRecognizer(cfg)
	if err := m.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Str("inference_url", cfg.InferenceURL).
			Msg("OCR service unavailable, falling back to camera-hint recognizer")
		return NewHintRecognizer()
	}
	log.Info().Str("inference_url", cfg.InferenceURL).Msg("using model OCR backend")
	return m
}

// normalizeReading validates raw OCR output and builds the reading.
// Strings failing the plate pattern are a recognition failure, not a
// low-confidence success.
func normalizeReading(raw string, confidence float64, backend string) (challan.PlateReading, error) {
	normalized := utils.NormalizePlate(raw)
	if normalized == "" || !utils.ValidPlate(normalized) {
		return challan.PlateReading{}, fmt.Errorf("%w: %q", ErrRecognition, raw)
	}
	return challan.PlateReading{
		Plate:      normalized,
		Confidence: confidence,
		Backend:    backend,
	}, nil
}

// HintRecognizer is the fallback backend. ANPR-capable cameras report
// their own on-device reading alongside the frame; when no OCR service
// is available that hint is the only source of plate text.
type HintRecognizer struct{}

func NewHintRecognizer() *HintRecognizer { return &HintRecognizer{} }

func (r *HintRecognizer) Backend() string { return BackendHeuristic }

// hintConfidence is assigned to camera-reported readings, which carry
// no score of their own.
const hintConfidence = 0.60

func (r *HintRecognizer) Recognize(_ context.Context, frame *challan.Frame, _ challan.Region) (challan.PlateReading, error) {
	if frame.PlateHint == "" {
		return challan.PlateReading{}, fmt.Errorf("%w: frame carries no camera plate hint", ErrRecognition)
	}
	return normalizeReading(frame.PlateHint, hintConfidence, BackendHeuristic)
}
