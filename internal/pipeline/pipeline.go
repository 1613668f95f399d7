package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"challan-service/internal/config"
	"challan-service/internal/detector"
	"challan-service/internal/domain/challan"
	"challan-service/internal/evidence"
	"challan-service/internal/recognizer"
	"challan-service/internal/service"
)

// FrameSource supplies frames from a camera feed or ingestion job.
// Next returns io.EOF when the feed ends.
type FrameSource interface {
	Next(ctx context.Context) (*challan.Frame, error)
}

// FrameResult summarizes what one frame produced.
type FrameResult struct {
	Challans []*challan.Challan `json:"challans"`
	// Unidentified lists evidence refs retained without a challan
	// because no plate could be read. Queued for manual review.
	Unidentified []string `json:"unidentified,omitempty"`
	// Deduped counts detections dropped as repeats of a recently
	// issued challan.
	Deduped int `json:"deduped,omitempty"`
	// Failed counts candidates lost to evidence or issuance errors.
	Failed int `json:"failed,omitempty"`
}

// Violations reports whether the frame produced any accepted detection,
// challan-issuing or not.
func (r *FrameResult) Violations() bool {
	return len(r.Challans) > 0 || len(r.Unidentified) > 0 || r.Deduped > 0 || r.Failed > 0
}

// Pipeline composes detector, recognizer, evidence store and ledger
// into the frame-to-challan flow.
type Pipeline struct {
	det       detector.Detector
	rec       recognizer.Recognizer
	store     evidence.Store
	ledger    *service.Ledger
	dedupe    *dedupeWindow
	opTimeout time.Duration
	workers   int
	log       zerolog.Logger
}

func New(cfg config.PipelineConfig, det detector.Detector, rec recognizer.Recognizer, store evidence.Store, ledger *service.Ledger, log zerolog.Logger) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Pipeline{
		det:       det,
		rec:       rec,
		store:     store,
		ledger:    ledger,
		dedupe:    newDedupeWindow(cfg.DedupeWindow, cfg.DedupeDistanceMeter),
		opTimeout: opTimeout,
		workers:   workers,
		log:       log,
	}
}

// ProcessFrame is the single entry point from ingestion to challan.
// Frame-level detector failures are returned to the caller (the frame
// is skipped); candidate-level failures are absorbed into the result so
// the stream keeps flowing.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame *challan.Frame) (*FrameResult, error) {
	detections, err := p.det.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("detect frame from camera %q: %w", frame.CameraID, err)
	}

	result := &FrameResult{}
	for i := range detections {
		p.processCandidate(ctx, frame, detections[i], result)
	}
	return result, nil
}

func (p *Pipeline) processCandidate(ctx context.Context, frame *challan.Frame, det challan.Detection, result *FrameResult) {
	log := p.log.With().
		Str("camera_id", frame.CameraID).
		Str("violation_type", string(det.Type)).
		Str("detector_backend", det.Backend).
		Logger()

	reading, recErr := p.rec.Recognize(ctx, frame, det.Region)
	if recErr != nil && !errors.Is(recErr, recognizer.ErrRecognition) {
		log.Error().Err(recErr).Msg("recognizer failed")
		result.Failed++
		return
	}

	if recErr != nil {
		// No plate, no challan. The frame is still kept as evidence,
		// tagged for manual review.
		ref, err := p.storeEvidence(ctx, frame, det, "")
		if err != nil {
			log.Error().Err(err).Msg("failed to retain unidentified evidence")
			result.Failed++
			return
		}
		log.Warn().Str("evidence_ref", ref).Msg("plate unreadable, evidence retained as unidentified")
		result.Unidentified = append(result.Unidentified, ref)
		return
	}

	capturedAt := frame.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	// Claiming the pair before evidence and issuance closes the race
	// between workers carrying frames of the same event: the loser is
	// dropped here even while the winner is still mid-issuance.
	if !p.dedupe.Reserve(reading.Plate, det.Type, capturedAt, frame.Location) {
		log.Debug().Str("plate", reading.Plate).Msg("duplicate of recently issued challan, dropped")
		result.Deduped++
		return
	}

	// The in-memory window starts empty after a restart; fall back to
	// the ledger for challans issued inside the window.
	recent, err := p.ledger.RecentlyIssued(ctx, reading.Plate, det.Type, capturedAt.Add(-p.dedupe.window))
	if err != nil {
		log.Warn().Err(err).Str("plate", reading.Plate).Msg("recent challan lookup failed, proceeding")
	} else if match := p.dedupe.matchPersisted(recent, capturedAt, frame.Location); match != nil {
		log.Debug().Str("plate", reading.Plate).Str("challan_id", match.ID).Msg("duplicate of persisted challan, dropped")
		p.dedupe.Remember(match.Plate, match.ViolationType, match.IssuedAt, match.GPS())
		result.Deduped++
		return
	}

	ref, err := p.storeEvidence(ctx, frame, det, reading.Plate)
	if err != nil {
		// No challan without evidence.
		log.Error().Err(err).Str("plate", reading.Plate).Msg("evidence store failed, candidate dropped")
		p.dedupe.Release(reading.Plate, det.Type)
		result.Failed++
		return
	}

	issueCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	c, err := p.ledger.Issue(issueCtx, service.Candidate{
		Plate:         reading.Plate,
		ViolationType: det.Type,
		CapturedAt:    capturedAt,
		CameraID:      frame.CameraID,
		Location:      frame.Location,
		EvidenceRef:   ref,
		Detection:     det,
		Reading:       reading,
	})
	if err != nil {
		log.Error().Err(err).Str("plate", reading.Plate).Msg("challan issuance failed")
		p.dedupe.Release(reading.Plate, det.Type)
		result.Failed++
		return
	}

	p.dedupe.Remember(c.Plate, c.ViolationType, c.IssuedAt, frame.Location)
	result.Challans = append(result.Challans, c)
}

func (p *Pipeline) storeEvidence(ctx context.Context, frame *challan.Frame, det challan.Detection, plate string) (string, error) {
	tag := evidence.TagViolation
	if plate == "" {
		tag = evidence.TagUnidentified
	}
	putCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	return p.store.Put(putCtx, frame.Image, evidence.Metadata{
		Tag:        tag,
		Plate:      plate,
		Violation:  string(det.Type),
		CameraID:   frame.CameraID,
		CapturedAt: frame.CapturedAt,
	})
}

// Run drains a frame source on a worker pool. Each frame is processed
// to completion or explicit failure, never abandoned mid-flight;
// detector errors skip the frame and the stream continues.
func (p *Pipeline) Run(ctx context.Context, src FrameSource) error {
	frames := make(chan *challan.Frame)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(frames)
		for {
			frame, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("frame source: %w", err)
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for frame := range frames {
				res, err := p.ProcessFrame(ctx, frame)
				if err != nil {
					p.log.Warn().Err(err).Str("camera_id", frame.CameraID).Msg("frame skipped")
					continue
				}
				if res.Violations() {
					p.log.Info().
						Str("camera_id", frame.CameraID).
						Int("challans", len(res.Challans)).
						Int("unidentified", len(res.Unidentified)).
						Int("deduped", res.Deduped).
						Int("failed", res.Failed).
						Msg("frame processed")
				}
			}
			return nil
		})
	}

	return g.Wait()
}
