// Package downstream applies graph operations to the knowledge-graph API.
// Every request passes the applied-key cache, an outbound rate limit and
// a circuit breaker, and every failure comes back classified.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"event-ingestion-service/internal/processor"
)

const tracerName = "event-ingestion-service/downstream"

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond caps outbound requests; zero means unlimited.
	RatePerSecond float64
	Burst         int
}

// Observer receives one call per downstream request.
type Observer interface {
	ObserveDownstream(operation, outcome string, d time.Duration)
}

type Applier struct {
	base    string
	apiKey  string
	client  *http.Client
	breaker *Breaker
	limiter *rate.Limiter
	cache   AppliedCache
	tracer  trace.Tracer
	obs     Observer
	log     *slog.Logger
}

type Option func(*Applier)

func WithHTTPClient(c *http.Client) Option { return func(a *Applier) { a.client = c } }
func WithBreaker(b *Breaker) Option        { return func(a *Applier) { a.breaker = b } }
func WithCache(c AppliedCache) Option      { return func(a *Applier) { a.cache = c } }
func WithObserver(o Observer) Option       { return func(a *Applier) { a.obs = o } }
func WithLogger(l *slog.Logger) Option     { return func(a *Applier) { a.log = l } }
func WithTracer(t trace.Tracer) Option     { return func(a *Applier) { a.tracer = t } }

func NewApplier(cfg Config, opts ...Option) *Applier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	a := &Applier{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.breaker == nil {
		a.breaker = NewBreaker(DefaultBreakerConfig(), nil)
	}
	if a.cache == nil {
		a.cache = NewMemoryCache(DefaultAppliedTTL)
	}
	if a.tracer == nil {
		a.tracer = otel.Tracer(tracerName)
	}
	if a.log == nil {
		a.log = slog.New(slog.DiscardHandler)
	}
	return a
}

func (a *Applier) BreakerState() State { return a.breaker.State() }

// ApplyResult summarises one Apply call. Err is nil when every operation
// was applied or skipped; otherwise Class says how the first failing
// operation failed and the rest were not attempted.
type ApplyResult struct {
	Applied int
	Skipped int
	Class   Class
	Err     error
}

func (r ApplyResult) OK() bool { return r.Err == nil }

// Apply executes ops in order. Operations already applied with identical
// content are skipped.
func (a *Applier) Apply(ctx context.Context, tenantID string, ops []processor.Operation) ApplyResult {
	ctx, span := a.tracer.Start(ctx, "downstream.apply", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("ops.count", len(ops)),
	))
	defer span.End()

	var res ApplyResult
	for i, op := range ops {
		digest := processor.Digest(op)

		seen, err := a.cache.Seen(ctx, op.IdempotencyKey, digest)
		if err != nil {
			a.log.Warn("applied cache lookup failed", "err", err)
		}
		if seen {
			res.Skipped++
			continue
		}

		if err := a.applyOne(ctx, tenantID, op); err != nil {
			res.Class = Classify(err)
			res.Err = fmt.Errorf("op %d/%d %s %s: %w", i+1, len(ops), op.OperationType(), op.ID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, res.Class.String())
			return res
		}
		res.Applied++

		if err := a.cache.Mark(ctx, op.IdempotencyKey, digest); err != nil {
			a.log.Warn("applied cache write failed", "err", err)
		}
	}
	span.SetAttributes(attribute.Int("ops.applied", res.Applied), attribute.Int("ops.skipped", res.Skipped))
	return res
}

func (a *Applier) applyOne(ctx context.Context, tenantID string, op processor.Operation) error {
	name := op.OperationType()
	if err := a.limiter.Wait(ctx); err != nil {
		return &TransientError{Op: name, Err: err}
	}
	if !a.breaker.Allow() {
		a.observe(name, "circuit_open", 0)
		return &TransientError{Op: name, Err: ErrCircuitOpen}
	}

	start := time.Now()
	err := a.put(ctx, tenantID, op)
	class := Classify(err)
	a.observe(name, class.String(), time.Since(start))

	// A permanent rejection proves the service is answering.
	if class == ClassTransient {
		a.breaker.Failure()
	} else {
		a.breaker.Success()
	}
	return err
}

func (a *Applier) observe(op, outcome string, d time.Duration) {
	if a.obs != nil {
		if outcome == ClassNone.String() {
			outcome = "ok"
		}
		a.obs.ObserveDownstream(op, outcome, d)
	}
}

func (a *Applier) put(ctx context.Context, tenantID string, op processor.Operation) error {
	name := op.OperationType()

	collection := "entities"
	if op.Kind == processor.KindUpsertRelationship {
		collection = "relationships"
	}
	target := a.base + "/api/v1/" + collection + "/" + url.PathEscape(op.ID)

	body, err := json.Marshal(processor.Body(op))
	if err != nil {
		return &PermanentError{Op: name, Err: err}
	}

	ctx, span := a.tracer.Start(ctx, "downstream.put", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("graph.operation", name),
		attribute.String("graph.target", op.ID),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Op: name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	req.Header.Set("X-Tenant-Id", tenantID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.client.Do(req)
	if err != nil {
		span.RecordError(err)
		if IsTimeout(err) {
			return &TransientError{Op: name, Err: fmt.Errorf("timeout: %w", err)}
		}
		return &TransientError{Op: name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, resp.Body)

	switch classifyStatus(resp.StatusCode) {
	case ClassNone:
		return nil
	case ClassPermanent:
		return &PermanentError{Op: name, StatusCode: resp.StatusCode, Err: responseError(snippet)}
	default:
		return &TransientError{Op: name, StatusCode: resp.StatusCode, Err: responseError(snippet)}
	}
}

func responseError(body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "empty response body"
	}
	return errors.New(msg)
}
