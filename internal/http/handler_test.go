package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"challan-service/internal/config"
	"challan-service/internal/detector"
	"challan-service/internal/domain/challan"
	"challan-service/internal/evidence"
	"challan-service/internal/fines"
	"challan-service/internal/pipeline"
	"challan-service/internal/repository"
	"challan-service/internal/service"
)

const testSecret = "test-secret"

type memStore struct {
	mu       sync.Mutex
	challans map[string]*challan.Challan
}

func newMemStore() *memStore { return &memStore{challans: make(map[string]*challan.Challan)} }

func (m *memStore) WithTransaction(_ context.Context, fn func(tx repository.Store) error) error {
	return fn(m)
}

func (m *memStore) MaxSequence(_ context.Context, plate string, t challan.ViolationType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxSeq := 0
	for _, c := range m.challans {
		if c.Plate == plate && c.ViolationType == t && c.Seq > maxSeq {
			maxSeq = c.Seq
		}
	}
	return maxSeq, nil
}

func (m *memStore) InsertChallan(_ context.Context, c *challan.Challan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.challans {
		if existing.Plate == c.Plate && existing.ViolationType == c.ViolationType && existing.Seq == c.Seq {
			return repository.ErrConflict
		}
	}
	cp := *c
	m.challans[c.ID] = &cp
	return nil
}

func (m *memStore) MarkPaid(_ context.Context, id, reference, payerEmail string, amount int64, paidAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challans[id]
	if !ok || c.Status != challan.StatusUnpaid {
		return 0, nil
	}
	c.Status = challan.StatusPaid
	c.PaymentRef = &reference
	c.PayerEmail = &payerEmail
	c.PaidAmount = &amount
	c.PaidAt = &paidAt
	return 1, nil
}

func (m *memStore) MarkDisputed(_ context.Context, id, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challans[id]
	if !ok || c.Status != challan.StatusUnpaid {
		return 0, nil
	}
	c.Status = challan.StatusDisputed
	c.DisputeReason = &reason
	return 1, nil
}

func (m *memStore) GetChallan(_ context.Context, id string) (*challan.Challan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challans[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListChallans(_ context.Context, plate string) ([]challan.Challan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []challan.Challan{}
	for _, c := range m.challans {
		if c.Plate == plate {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) RecentByPlateType(context.Context, string, challan.ViolationType, time.Time) ([]challan.Challan, error) {
	return nil, nil
}

func (m *memStore) Stats(context.Context) (*challan.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &challan.Stats{
		ByType:   make(map[challan.ViolationType]int64),
		ByStatus: make(map[challan.PaymentStatus]int64),
	}
	for _, c := range m.challans {
		s.TotalChallans++
		s.TotalFines += c.FineAmount
		s.ByType[c.ViolationType]++
		s.ByStatus[c.Status]++
	}
	return s, nil
}

var _ repository.Store = (*memStore)(nil)

type memEvidence struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemEvidence() *memEvidence { return &memEvidence{blobs: make(map[string][]byte)} }

func (s *memEvidence) Put(_ context.Context, image []byte, _ evidence.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := fmt.Sprintf("ref-%d", len(s.blobs)+1)
	s.blobs[ref] = image
	return ref, nil
}

func (s *memEvidence) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown ref %s", evidence.ErrStore, ref)
	}
	return data, nil
}

type fixedDetector struct {
	detections []challan.Detection
	err        error
}

func (d *fixedDetector) Detect(context.Context, *challan.Frame) ([]challan.Detection, error) {
	return d.detections, d.err
}

func (d *fixedDetector) Backend() string { return "stub" }

type fixedRecognizer struct {
	reading challan.PlateReading
}

func (r *fixedRecognizer) Recognize(context.Context, *challan.Frame, challan.Region) (challan.PlateReading, error) {
	return r.reading, nil
}

func (r *fixedRecognizer) Backend() string { return "stub" }

type fixture struct {
	router   *gin.Engine
	store    *memStore
	evidence *memEvidence
	ledger   *service.Ledger
}

func newFixture(det detector.Detector) *fixture {
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	ev := newMemEvidence()
	ledger := service.NewLedger(store, fines.NewSchedule(2), zerolog.Nop())
	p := pipeline.New(config.PipelineConfig{
		Workers:      1,
		DedupeWindow: 5 * time.Second,
		OpTimeout:    time.Second,
	}, det, &fixedRecognizer{reading: challan.PlateReading{Plate: "MH01AB1234", Confidence: 0.9, Backend: "stub"}}, ev, ledger, zerolog.Nop())

	router := gin.New()
	h := NewHandler(ledger, p, ev, zerolog.Nop())
	h.Register(router, AuthMiddleware(testSecret))

	return &fixture{router: router, store: store, evidence: ev, ledger: ledger}
}

func defaultFixture() *fixture {
	return newFixture(&fixedDetector{detections: []challan.Detection{{
		Type:       challan.ViolationNoHelmet,
		Region:     challan.Region{X1: 10, Y1: 10, X2: 200, Y2: 150},
		Confidence: 0.85,
		Backend:    "stub",
	}}})
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) issue(t *testing.T, plate string) *challan.Challan {
	t.Helper()
	c, err := f.ledger.Issue(context.Background(), service.Candidate{
		Plate:         plate,
		ViolationType: challan.ViolationNoHelmet,
		CapturedAt:    time.Now(),
		EvidenceRef:   "ref-test",
	})
	require.NoError(t, err)
	return c
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestIngestFrameIssuesChallan(t *testing.T) {
	f := defaultFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/frames", gin.H{
		"image":     []byte("jpeg bytes"),
		"camera_id": "cam-1",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		ViolationsFound bool              `json:"violations_found"`
		Challans        []challan.Challan `json:"challans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.ViolationsFound)
	require.Len(t, body.Challans, 1)
	assert.Equal(t, "MH01AB1234", body.Challans[0].Plate)
	assert.Equal(t, int64(500), body.Challans[0].FineAmount)
}

func TestIngestFrameMissingImage(t *testing.T) {
	f := defaultFixture()

	rec := f.do(t, http.MethodPost, "/api/v1/frames", gin.H{"camera_id": "cam-1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestFrameDetectionFailure(t *testing.T) {
	f := newFixture(&fixedDetector{err: fmt.Errorf("%w: corrupt frame", detector.ErrDetection)})

	rec := f.do(t, http.MethodPost, "/api/v1/frames", gin.H{"image": []byte("x")}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListChallans(t *testing.T) {
	f := defaultFixture()
	f.issue(t, "MH01AB1234")

	rec := f.do(t, http.MethodGet, "/api/v1/challans?plate=mh+01+ab+1234", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []challan.Challan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "MH01AB1234", body.Data[0].Plate)

	rec = f.do(t, http.MethodGet, "/api/v1/challans", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetChallanNotFound(t *testing.T) {
	f := defaultFixture()

	rec := f.do(t, http.MethodGet, "/api/v1/challans/no-such-id", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkPaidRequiresAuth(t *testing.T) {
	f := defaultFixture()
	c := f.issue(t, "MH01AB1234")

	payload := gin.H{"reference": "TXN-1", "amount": c.FineAmount}

	rec := f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/pay", payload, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/pay", payload, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaymentFlow(t *testing.T) {
	f := defaultFixture()
	c := f.issue(t, "MH01AB1234")
	token := operatorToken(t)

	// Wrong amount is rejected and leaves the challan payable.
	rec := f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/pay",
		gin.H{"reference": "TXN-1", "amount": c.FineAmount - 100}, token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/pay",
		gin.H{"reference": "TXN-1", "payer_email": "rider@example.com", "amount": c.FineAmount}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data challan.Challan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, challan.StatusPaid, body.Data.Status)
	require.NotNil(t, body.Data.PaymentRef)
	assert.Equal(t, "TXN-1", *body.Data.PaymentRef)

	// Double payment and dispute-after-payment both hit the terminal
	// state guard.
	rec = f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/pay",
		gin.H{"reference": "TXN-2", "amount": c.FineAmount}, token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/dispute",
		gin.H{"reason": "not my vehicle"}, token)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDisputeFlow(t *testing.T) {
	f := defaultFixture()
	c := f.issue(t, "KA05MN1234")
	token := operatorToken(t)

	rec := f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/dispute", gin.H{}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/challans/"+c.ID+"/dispute",
		gin.H{"reason": "helmet was worn"}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data challan.Challan `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, challan.StatusDisputed, body.Data.Status)
	require.NotNil(t, body.Data.DisputeReason)
	assert.Equal(t, "helmet was worn", *body.Data.DisputeReason)
}

func TestGetEvidence(t *testing.T) {
	f := defaultFixture()

	ref, err := f.evidence.Put(context.Background(), []byte("jpeg bytes"), evidence.Metadata{})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/evidence/"+ref, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte("jpeg bytes"), rec.Body.Bytes())

	rec = f.do(t, http.MethodGet, "/api/v1/evidence/no-such-ref", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	f := defaultFixture()
	f.issue(t, "MH01AB1234")
	f.issue(t, "MH01AB1234")

	rec := f.do(t, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data challan.Stats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.Data.TotalChallans)
	assert.Equal(t, int64(1500), body.Data.TotalFines) // 500 + escalated 1000
}
