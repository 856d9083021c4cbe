package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/client"
	"github.com/23skdu/longbow-quiver/internal/coerce"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/loss"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_requests_total",
		Help: "HTTP requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_request_duration_seconds",
		Help:    "Time spent serving requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	lossEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_loss_evaluations_total",
		Help: "The total number of weighted smooth-L1 evaluations",
	})

	lossElements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_loss_elements_total",
		Help: "The total number of elements reduced by loss evaluations",
	})
)

var tracer = otel.Tracer("quiver-server")

// LossEvaluator evaluates loss batches somewhere else, typically a remote quiver over Flight.
type LossEvaluator interface {
	WeightedSmoothL1(ctx context.Context, batches []client.LossBatch) ([]client.LossResult, error)
	Close() error
}

type Server struct {
	registry *device.Registry
	device   device.Device
	remote   LossEvaluator
	alloc    memory.Allocator
	builder  *client.RecordBatchBuilder
	sem      *semaphore.Weighted
	capacity int64
}

// NewServer serves coercion and loss evaluation on dev. maxConcurrent bounds the number of
// tensor elements in flight; a single request larger than that runs alone.
func NewServer(reg *device.Registry, dev device.Device, remote LossEvaluator, maxConcurrent int) *Server {
	alloc := memory.NewGoAllocator()
	return &Server{
		registry: reg,
		device:   dev,
		remote:   remote,
		alloc:    alloc,
		builder:  client.NewRecordBatchBuilder(alloc),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		capacity: int64(maxConcurrent),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/coerce", s.instrument("coerce", s.handleCoerce))
	mux.HandleFunc("/loss", s.instrument("loss", s.handleLoss))
	mux.HandleFunc("/loss/arrow", s.instrument("loss_arrow", s.handleLossArrow))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(rec.code)).Inc()
	}
}

// isInputError reports whether err was caused by the request rather than the server.
func isInputError(err error) bool {
	return errors.Is(err, coerce.ErrShapeOrType) ||
		errors.Is(err, device.ErrShapeMismatch) ||
		errors.Is(err, device.ErrDeviceMismatch) ||
		errors.Is(err, device.ErrUnknownDevice)
}

func httpStatus(err error) int {
	switch {
	case isInputError(err), status.Code(err) == codes.InvalidArgument:
		return http.StatusBadRequest
	case errors.Is(err, client.ErrCircuitOpen), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case status.Code(err) != codes.Unknown:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", code).Msg("Request failed")
	} else {
		log.Debug().Err(err).Msg("Rejected request")
	}
	http.Error(w, err.Error(), code)
}

// backendFor resolves the optional ?device= override, falling back to the configured device.
func (s *Server) backendFor(r *http.Request) (device.Backend, error) {
	dev := s.device
	if name := r.URL.Query().Get("device"); name != "" {
		var err error
		if dev, err = device.Parse(name); err != nil {
			return nil, err
		}
	}
	return s.registry.Backend(dev), nil
}

func (s *Server) acquire(ctx context.Context, elements int) (func(), error) {
	weight := int64(elements)
	if weight < 1 {
		weight = 1
	}
	if weight > s.capacity {
		weight = s.capacity
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(weight) }, nil
}

// evaluate computes one loss batch under admission control.
func (s *Server) evaluate(ctx context.Context, lb client.LossBatch) (client.LossResult, error) {
	if lb.Prediction == nil || lb.Target == nil {
		return client.LossResult{}, fmt.Errorf("%w: prediction and target are required", coerce.ErrShapeOrType)
	}
	shapes := []device.Shape{lb.Prediction.Shape(), lb.Target.Shape()}
	if lb.Weights != nil {
		shapes = append(shapes, lb.Weights.Shape())
	}
	shape, err := device.BroadcastShapes(shapes...)
	if err != nil {
		return client.LossResult{}, err
	}

	release, err := s.acquire(ctx, shape.NumElements())
	if err != nil {
		return client.LossResult{}, err
	}
	defer release()

	l, err := loss.WeightedSmoothL1(lb.Prediction, lb.Target, lb.Weights)
	if err != nil {
		return client.LossResult{}, err
	}
	lossEvaluations.Inc()
	lossElements.Add(float64(shape.NumElements()))
	return client.LossResult{Loss: l, Elements: int64(shape.NumElements())}, nil
}

type coerceResponse struct {
	Shape  []int     `cbor:"shape"`
	Data   []float32 `cbor:"data"`
	Device string    `cbor:"device"`
}

type lossRequest struct {
	Prediction any `cbor:"prediction"`
	Target     any `cbor:"target"`
	Weights    any `cbor:"weights,omitempty"`
}

type lossResponse struct {
	Loss     float32 `cbor:"loss"`
	Elements int64   `cbor:"elements"`
	Device   string  `cbor:"device"`
}

func writeCBOR(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write CBOR response")
	}
}

func (s *Server) handleCoerce(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleCoerce")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var value any
	if err := cbor.NewDecoder(r.Body).Decode(&value); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	backend, err := s.backendFor(r)
	if err != nil {
		fail(w, span, err)
		return
	}

	t, err := coerce.ToFloatTensor(value, backend)
	if err != nil {
		fail(w, span, err)
		return
	}
	span.SetAttributes(
		attribute.Int("elements", t.Len()),
		attribute.String("device", t.Device().String()),
	)
	writeCBOR(w, coerceResponse{Shape: t.Shape(), Data: t.ToHost(), Device: t.Device().String()})
}

func (s *Server) handleLoss(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleLoss")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req lossRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	backend, err := s.backendFor(r)
	if err != nil {
		fail(w, span, err)
		return
	}

	var lb client.LossBatch
	if lb.Prediction, err = coerce.ToFloatTensor(req.Prediction, backend); err != nil {
		fail(w, span, fmt.Errorf("prediction: %w", err))
		return
	}
	if lb.Target, err = coerce.ToFloatTensor(req.Target, backend); err != nil {
		fail(w, span, fmt.Errorf("target: %w", err))
		return
	}
	if req.Weights != nil {
		if lb.Weights, err = coerce.ToFloatTensor(req.Weights, backend); err != nil {
			fail(w, span, fmt.Errorf("weights: %w", err))
			return
		}
	}

	res, err := s.evaluate(ctx, lb)
	if err != nil {
		fail(w, span, err)
		return
	}
	span.SetAttributes(
		attribute.Int64("elements", res.Elements),
		attribute.String("device", backend.Device().String()),
	)
	writeCBOR(w, lossResponse{Loss: res.Loss, Elements: res.Elements, Device: backend.Device().String()})
}

func (s *Server) handleLossArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleLossArrow")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	backend, err := s.backendFor(r)
	if err != nil {
		fail(w, span, err)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var batches []client.LossBatch
	for reader.Next() {
		lb, err := client.ReadLossBatch(reader.Record(), backend)
		if err != nil {
			fail(w, span, fmt.Errorf("batch %d: %w", len(batches), err))
			return
		}
		batches = append(batches, lb)
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		http.Error(w, fmt.Sprintf("Stream error: %v", err), http.StatusBadRequest)
		return
	}

	var results []client.LossResult
	if s.remote != nil {
		if results, err = s.remote.WeightedSmoothL1(ctx, batches); err != nil {
			fail(w, span, err)
			return
		}
	} else {
		results = make([]client.LossResult, 0, len(batches))
		for i, lb := range batches {
			res, err := s.evaluate(ctx, lb)
			if err != nil {
				fail(w, span, fmt.Errorf("batch %d: %w", i, err))
				return
			}
			results = append(results, res)
		}
	}
	span.SetAttributes(attribute.Int("batches", len(batches)), attribute.Bool("remote", s.remote != nil))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(client.ResultSchema), ipc.WithAllocator(s.alloc))
	for _, res := range results {
		rec := s.builder.BuildLossResult(res)
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			log.Error().Err(err).Msg("Failed to write Arrow result")
			_ = writer.Close()
			return
		}
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close Arrow result stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
