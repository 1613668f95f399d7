package detector

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"challan-service/internal/config"
	"challan-service/internal/domain/challan"
)

// ErrDetection marks a frame the detector could not process (corrupt or
// undecodable image). Recoverable: the pipeline skips the frame.
var ErrDetection = errors.New("detection failed")

// Backend identifiers stamped on every Detection for provenance.
const (
	BackendModel     = "model"
	BackendHeuristic = "heuristic"
)

// ObjectClass is a raw object category reported by a backend before
// spatial reasoning turns objects into violations.
type ObjectClass string

const (
	ObjectPerson ObjectClass = "person"
	ObjectBike   ObjectClass = "motorbike"
	ObjectHelmet ObjectClass = "helmet"
)

// Object is a classed bounding box from a backend.
type Object struct {
	Class      ObjectClass    `json:"class"`
	Region     challan.Region `json:"region"`
	Confidence float64        `json:"confidence"`
}

// tripleRidingMin is the rider count at which a bike is overloaded.
const tripleRidingMin = 3

// Detector finds candidate violations in a frame. Implementations
// filter sub-threshold detections before returning; callers never see
// them.
type Detector interface {
	Detect(ctx context.Context, frame *challan.Frame) ([]challan.Detection, error)
	Backend() string
}

// New selects the detector backend once at startup. "heuristic" forces
// the classical fallback; anything else probes the inference service
// and falls back to the heuristic when it is unreachable.
func New(cfg config.DetectionConfig, log zerolog.Logger) Detector {
	if cfg.Backend == BackendHeuristic {
		return NewHeuristicDetector(cfg.ConfidenceThreshold)
	}
	m := NewModelDetector(cfg)
	if err := m.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Str("inference_url", cfg.InferenceURL).
			Msg("inference service unavailable, falling back to heuristic detector")
		return NewHeuristicDetector(cfg.ConfidenceThreshold)
	}
	log.Info().Str("inference_url", cfg.InferenceURL).Msg("using model detector backend")
	return m
}

// violationsFromObjects applies rider/helmet spatial reasoning to raw
// object boxes and returns candidate violations tagged with backend.
// A violation inherits the confidence of the object that implies it:
// the rider box for NO_HELMET, the bike box for TRIPLE_RIDING.
func violationsFromObjects(objects []Object, backend string) []challan.Detection {
	var persons, bikes, helmets []Object
	for _, o := range objects {
		switch o.Class {
		case ObjectPerson:
			persons = append(persons, o)
		case ObjectBike:
			bikes = append(bikes, o)
		case ObjectHelmet:
			helmets = append(helmets, o)
		}
	}

	helmetRegions := make([]challan.Region, len(helmets))
	for i, h := range helmets {
		helmetRegions[i] = h.Region
	}

	var out []challan.Detection
	for _, bike := range bikes {
		riders := assignRiders(bike.Region, persons)

		if len(riders) >= tripleRidingMin {
			out = append(out, challan.Detection{
				Type:       challan.ViolationTripleRiding,
				Region:     bike.Region,
				Confidence: bike.Confidence,
				Backend:    backend,
				Riders:     len(riders),
			})
		}

		for _, rider := range riders {
			if !hasHelmet(rider.Region, helmetRegions) {
				out = append(out, challan.Detection{
					Type:       challan.ViolationNoHelmet,
					Region:     bike.Region,
					Confidence: rider.Confidence,
					Backend:    backend,
					Riders:     len(riders),
				})
			}
		}
	}
	return out
}

// filterByThreshold drops detections below the configured confidence
// threshold. This is the single tunable controlling false positives.
func filterByThreshold(dets []challan.Detection, threshold float64) []challan.Detection {
	out := dets[:0]
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}
