package outbox

import (
	"context"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/veloplane/tenantkit/internal/bus"
	"github.com/veloplane/tenantkit/internal/metrics"
)

// DrainerConfig tunes one drain cycle.
type DrainerConfig struct {
	BatchSize   int           // rows claimed per cycle
	Parallelism int           // max concurrent publishes
	MaxAttempts int           // attempts before quarantine
	BaseBackoff time.Duration // first retry delay, doubled per attempt
	MaxBackoff  time.Duration // retry delay ceiling, before jitter
}

// DefaultDrainerConfig returns production defaults.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		BatchSize:   100,
		Parallelism: 8,
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

func (c DrainerConfig) withDefaults() DrainerConfig {
	d := DefaultDrainerConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Drainer claims due outbox rows and publishes them. A claimed row is owned
// by this drainer until it reaches PUBLISHED, RETRY or QUARANTINED.
type Drainer struct {
	store  Store
	pub    bus.Publisher
	cfg    DrainerConfig
	met    *metrics.Metrics
	worker string

	// Now and Jitter are injectable for tests. Jitter returns the additive
	// retry fuzz, 50..250ms by default, spreading competing retries apart.
	Now    func() time.Time
	Jitter func() time.Duration
}

// NewDrainer wires a drainer. The worker identity lands in claimed_by so
// operators can see which pod holds a stuck row.
func NewDrainer(store Store, pub bus.Publisher, cfg DrainerConfig, met *metrics.Metrics) *Drainer {
	if met == nil {
		met = metrics.NewNop()
	}
	host, _ := os.Hostname()
	return &Drainer{
		store:  store,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		met:    met,
		worker: host + "/" + uuid.NewString()[:8],
		Now:    time.Now,
		Jitter: func() time.Duration {
			return time.Duration(50+rand.Intn(201)) * time.Millisecond
		},
	}
}

// DrainOnce claims one batch and publishes it, returning the number of rows
// claimed. It returns only after every in-flight publish of the batch has
// completed, success or failure. A claim failure ends the cycle with zero
// published and an incremented claim-error counter.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	batch, err := d.store.Claim(ctx, d.worker, d.cfg.BatchSize)
	if err != nil {
		d.met.OutboxClaimErrors.Inc()
		log.Error().Err(err).Msg("outbox claim failed")
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	width := d.cfg.Parallelism
	if len(batch) < width {
		width = len(batch)
	}
	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	for i := range batch {
		row := batch[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			d.publishRow(ctx, row)
		}()
	}
	wg.Wait()
	return len(batch), nil
}

func (d *Drainer) publishRow(ctx context.Context, row Row) {
	headers := make(map[string]string, len(row.Headers)+3)
	for k, v := range row.Headers {
		headers[k] = v
	}
	if _, ok := headers[HeaderTenantID]; !ok {
		headers[HeaderTenantID] = row.TenantID
	}
	if _, ok := headers[HeaderEventID]; !ok {
		headers[HeaderEventID] = row.ID.String()
	}
	if _, ok := headers[HeaderEntityVersion]; !ok && row.EntityVersion > 0 {
		headers[HeaderEntityVersion] = strconv.FormatUint(row.EntityVersion, 10)
	}

	start := d.Now()
	receipt, err := d.pub.Publish(ctx, bus.Message{
		Topic:   row.Topic,
		Key:     row.OrderingKey(),
		Value:   row.Payload,
		Headers: headers,
	})
	d.met.PublishLatency.Observe(d.Now().Sub(start).Seconds())

	// Marks run on a detached context: a publish that raced shutdown must
	// still record its outcome.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err == nil {
		if err := d.store.MarkPublished(markCtx, row.ID, receipt, d.Now()); err != nil {
			log.Error().Err(err).Stringer("row_id", row.ID).Msg("outbox mark published failed")
			return
		}
		d.met.OutboxPublished.WithLabelValues(row.TenantID, row.Topic).Inc()
		log.Debug().
			Stringer("row_id", row.ID).
			Str("topic", row.Topic).
			Str("receipt", receipt.String()).
			Int("attempts", row.Attempts).
			Msg("outbox row published")
		return
	}

	if row.Attempts >= d.cfg.MaxAttempts {
		if merr := d.store.MarkQuarantined(markCtx, row.ID, err.Error()); merr != nil {
			log.Error().Err(merr).Stringer("row_id", row.ID).Msg("outbox mark quarantined failed")
			return
		}
		d.met.OutboxQuarantined.WithLabelValues(row.TenantID, row.Topic).Inc()
		log.Error().Err(err).
			Stringer("row_id", row.ID).
			Str("tenant_id", row.TenantID).
			Str("topic", row.Topic).
			Int("attempts", row.Attempts).
			Msg("outbox row quarantined")
		return
	}

	delay := d.backoff(row.Attempts)
	if merr := d.store.MarkRetry(markCtx, row.ID, d.Now().Add(delay), err.Error()); merr != nil {
		log.Error().Err(merr).Stringer("row_id", row.ID).Msg("outbox mark retry failed")
		return
	}
	d.met.OutboxRetried.WithLabelValues(row.TenantID, row.Topic).Inc()
	log.Warn().Err(err).
		Stringer("row_id", row.ID).
		Str("topic", row.Topic).
		Int("attempts", row.Attempts).
		Bool("retryable", bus.Retryable(err)).
		Dur("retry_in", delay).
		Msg("outbox publish failed, scheduled retry")
}

// backoff computes min(base * 2^(attempts-1), maxBackoff) plus jitter.
func (d *Drainer) backoff(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff || delay <= 0 {
			delay = d.cfg.MaxBackoff
			break
		}
	}
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	return delay + d.Jitter()
}
