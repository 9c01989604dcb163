package shipper

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/relaycast/relaycast/pkg/relayrpc"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second

	DefaultBufferSize = 1000
	DefaultBatchSize  = 100
)

// Options configures a Shipper.
type Options struct {
	// Endpoint is the relay's gRPC address, host:port.
	Endpoint string

	// BufferSize is the number of messages held while the relay is unreachable.
	BufferSize int

	// BatchSize caps the messages sent per PublishBatch call.
	BatchSize int

	// APIKey is sent in the APIKeyHeader metadata key when non-empty.
	APIKey       string
	APIKeyHeader string

	// TLS enables transport security. Nil dials in plaintext.
	TLS *tls.Config
}

// Stats counts messages by outcome.
type Stats struct {
	Shipped   uint64 // accepted by the relay
	Delivered uint64 // notifications queued to subscribers
	Evicted   uint64 // dropped from a full buffer
	Rejected  uint64 // discarded after a permanent error
}

// Shipper buffers messages and publishes them to a relay in batches.
// Ship() is non-blocking; when the buffer is full the oldest message is evicted.
// Run() must be called in a goroutine to drain the buffer and handle reconnection.
type Shipper struct {
	opts   Options
	buf    chan *relayrpc.PublishRequest
	dialFn dialFunc // injectable for tests

	closeOnce sync.Once
	closed    chan struct{}

	// pending is the batch that failed on a broken connection. It is resent
	// first after reconnecting so ordering is kept. Only Run touches it.
	pending []*relayrpc.PublishRequest

	shipped   atomic.Uint64
	delivered atomic.Uint64
	evicted   atomic.Uint64
	rejected  atomic.Uint64
}

// dialFunc is the function signature used to open a gRPC connection.
type dialFunc func(ctx context.Context, opts Options) (*grpc.ClientConn, error)

// New creates a Shipper.
func New(opts Options) *Shipper {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize > relayrpc.MaxBatchSize {
		opts.BatchSize = relayrpc.MaxBatchSize
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "x-api-key"
	}
	return &Shipper{
		opts:   opts,
		buf:    make(chan *relayrpc.PublishRequest, opts.BufferSize),
		dialFn: defaultDial,
		closed: make(chan struct{}),
	}
}

// Ship enqueues payload for topic. If the buffer is full the oldest entry is
// evicted to make room. Ship after Close drops the message.
func (s *Shipper) Ship(topic string, payload json.RawMessage) {
	select {
	case <-s.closed:
		s.evicted.Add(1)
		return
	default:
	}

	m := &relayrpc.PublishRequest{Topic: topic, Payload: payload}
	for {
		select {
		case s.buf <- m:
			return
		default:
		}
		// Buffer full: drop the oldest message, keep the newest.
		select {
		case old := <-s.buf:
			s.evicted.Add(1)
			slog.Warn("shipper: buffer full, evicted oldest message",
				"topic", old.Topic, "buffer_cap", cap(s.buf))
		default:
		}
	}
}

// Close stops accepting messages. Run returns once everything already
// buffered has been sent.
func (s *Shipper) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Stats returns the shipper's counters.
func (s *Shipper) Stats() Stats {
	return Stats{
		Shipped:   s.shipped.Load(),
		Delivered: s.delivered.Load(),
		Evicted:   s.evicted.Load(),
		Rejected:  s.rejected.Load(),
	}
}

// Run drains the buffer, sending batches to the relay.
// It reconnects with exponential backoff when the connection is lost.
// Run blocks until ctx is cancelled, or until Close was called and the
// buffer is empty.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil || s.finished() {
			return
		}

		conn, err := s.dialFn(ctx, s.opts)
		if err != nil {
			wait := bo.next()
			slog.Error("shipper: dial failed, will retry",
				"endpoint", s.opts.Endpoint,
				"err", err,
				"retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		slog.Info("shipper: connected", "endpoint", s.opts.Endpoint)

		err = s.drain(ctx, relayrpc.NewPublisherClient(conn), bo)
		conn.Close()

		if ctx.Err() != nil || err == nil {
			return
		}

		wait := bo.next()
		slog.Warn("shipper: connection lost, will reconnect",
			"endpoint", s.opts.Endpoint,
			"err", err,
			"retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// drain sends batches until the connection fails, ctx is cancelled, or the
// shipper is closed and empty. It returns nil in the last two cases.
func (s *Shipper) drain(ctx context.Context, client relayrpc.PublisherClient, bo *backoff) error {
	for {
		batch := s.next(ctx)
		if batch == nil {
			return nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		if s.opts.APIKey != "" {
			sendCtx = metadata.AppendToOutgoingContext(sendCtx, s.opts.APIKeyHeader, s.opts.APIKey)
		}
		resp, err := client.PublishBatch(sendCtx, &relayrpc.PublishBatchRequest{Messages: batch})
		cancel()

		if err != nil {
			// Permanent errors (unauthenticated, invalid arg) → log and discard.
			// Anything else → keep the batch and reconnect.
			if isPermanentError(err) {
				s.rejected.Add(uint64(len(batch)))
				slog.Error("shipper: permanent send error, discarding batch",
					"messages", len(batch), "err", err)
				continue
			}
			s.pending = batch
			return fmt.Errorf("send: %w", err)
		}

		bo.reset()
		s.shipped.Add(uint64(len(batch)))
		var delivered int32
		for _, r := range resp.Results {
			if r != nil {
				delivered += r.Delivered
			}
		}
		s.delivered.Add(uint64(delivered))
		slog.Debug("shipper: batch published", "messages", len(batch), "delivered", delivered)
	}
}

// next returns the next batch: the pending batch if any, otherwise up to
// BatchSize buffered messages. It blocks for the first message and returns
// nil when ctx is cancelled or the shipper is closed and empty.
func (s *Shipper) next(ctx context.Context) []*relayrpc.PublishRequest {
	if s.pending != nil {
		batch := s.pending
		s.pending = nil
		return batch
	}

	var first *relayrpc.PublishRequest
	select {
	case <-ctx.Done():
		return nil
	case first = <-s.buf:
	case <-s.closed:
		select {
		case first = <-s.buf:
		default:
			return nil
		}
	}

	batch := []*relayrpc.PublishRequest{first}
	for len(batch) < s.opts.BatchSize {
		select {
		case m := <-s.buf:
			batch = append(batch, m)
		default:
			return batch
		}
	}
	return batch
}

func (s *Shipper) finished() bool {
	select {
	case <-s.closed:
		return s.pending == nil && len(s.buf) == 0
	default:
		return false
	}
}

// isPermanentError returns true for gRPC errors that indicate the batch
// itself is invalid and should not be retried.
func isPermanentError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// defaultDial opens a gRPC connection to the configured endpoint.
func defaultDial(ctx context.Context, opts Options) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if opts.TLS != nil {
		creds = credentials.NewTLS(opts.TLS)
	}
	return grpc.DialContext(ctx, opts.Endpoint, grpc.WithTransportCredentials(creds)) //nolint:staticcheck // NewClient needs grpc 1.63
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
