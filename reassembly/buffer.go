package reassembly

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/pkg/cache"
	"github.com/c360/sensorstream/telemetry"
)

// Config holds reassembly limits.
type Config struct {
	// MaxAge is how long an incomplete block is kept before it is abandoned.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`
	// SweepInterval is how often Run checks for abandoned blocks.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// MaxPending bounds the number of blocks being reassembled at once.
	MaxPending int `json:"max_pending" yaml:"max_pending"`
	// CompletedTTL is how long a completed block id is remembered. Meta and
	// chunks for it are dropped as redeliveries during that time.
	CompletedTTL time.Duration `json:"completed_ttl" yaml:"completed_ttl"`
}

// DefaultConfig returns the default reassembly limits.
func DefaultConfig() Config {
	return Config{
		MaxAge:        60 * time.Second,
		SweepInterval: 5 * time.Second,
		MaxPending:    10000,
		CompletedTTL:  60 * time.Second,
	}
}

// EmitFunc receives every completed block exactly once. It is called without
// the buffer lock held and must not block for long.
type EmitFunc func(*telemetry.RawBlock)

type entry struct {
	deviceID  string
	meta      *telemetry.RawBlockMeta
	chunks    map[int][]byte
	startedAt time.Time
}

// complete reports whether every chunk announced by meta is present. Indices
// are kept in [0, total), so a full count means a full index set.
func (e *entry) complete() bool {
	return e.meta != nil && len(e.chunks) == e.meta.TotalChunks
}

// Buffer reassembles raw blocks from a meta message and unordered,
// possibly duplicated, chunks. It is safe for concurrent use.
type Buffer struct {
	cfg     Config
	emit    EmitFunc
	logger  *slog.Logger
	metrics *metric.PipelineMetrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	completed *cache.TTL[string, struct{}]
	registrar metric.MetricsRegistrar
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metric.PipelineMetrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// WithCacheMetrics exports metrics of the completed-block cache through r.
func WithCacheMetrics(r metric.MetricsRegistrar) Option {
	return func(b *Buffer) { b.registrar = r }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a Buffer that hands completed blocks to emit.
func New(cfg Config, emit EmitFunc, opts ...Option) *Buffer {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.CompletedTTL <= 0 {
		cfg.CompletedTTL = def.CompletedTTL
	}

	b := &Buffer{
		cfg:     cfg,
		emit:    emit,
		logger:  slog.Default().With("component", "reassembly"),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}

	// expired ids are removed by Sweep
	clock := cache.WithClock[string, struct{}](b.now)
	completed, err := cache.NewTTL[string, struct{}](cfg.CompletedTTL, 0,
		clock, cache.WithMetrics[string, struct{}](b.registrar, "reassembly_completed"))
	if err != nil {
		b.logger.Warn("completed block cache metrics unavailable", "error", err)
		completed, _ = cache.NewTTL[string, struct{}](cfg.CompletedTTL, 0, clock)
	}
	b.completed = completed
	return b
}

// redelivered reports whether blockID completed recently. Call with b.mu held.
func (b *Buffer) redelivered(blockID, deviceID, kind string) bool {
	if _, ok := b.completed.Get(blockID); !ok {
		return false
	}
	b.metrics.RecordAssemblyDuplicate()
	b.logger.Debug("message for completed block dropped",
		"block_id", blockID, "device_id", deviceID, "kind", kind)
	return true
}

// Forget drops the record of a completed block so a redelivery is
// reassembled again, for blocks whose write failed.
func (b *Buffer) Forget(blockID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed.Delete(blockID)
}

// getOrCreate must be called with b.mu held.
func (b *Buffer) getOrCreate(blockID, deviceID string) (*entry, error) {
	if e, ok := b.entries[blockID]; ok {
		return e, nil
	}
	if len(b.entries) >= b.cfg.MaxPending {
		return nil, fmt.Errorf("block %s: %w (limit %d)", blockID, errors.ErrTooManyPending, b.cfg.MaxPending)
	}
	e := &entry{
		deviceID:  deviceID,
		chunks:    make(map[int][]byte),
		startedAt: b.now(),
	}
	b.entries[blockID] = e
	return e, nil
}

// OnMeta records the announcement of a block. A second meta for the same
// block is ignored.
func (b *Buffer) OnMeta(meta *telemetry.RawBlockMeta) error {
	b.mu.Lock()
	if b.redelivered(meta.BlockID, meta.DeviceID, "meta") {
		b.mu.Unlock()
		return nil
	}
	e, err := b.getOrCreate(meta.BlockID, meta.DeviceID)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	if e.meta != nil {
		b.mu.Unlock()
		b.logger.Debug("duplicate meta ignored", "block_id", meta.BlockID, "device_id", meta.DeviceID)
		return nil
	}
	e.meta = meta

	var pruned []int
	for idx := range e.chunks {
		if idx >= meta.TotalChunks {
			delete(e.chunks, idx)
			pruned = append(pruned, idx)
		}
	}

	block := b.takeIfComplete(meta.BlockID, e)
	pending := len(b.entries)
	b.mu.Unlock()

	if len(pruned) > 0 {
		sort.Ints(pruned)
		b.logger.Warn("chunks beyond announced total discarded",
			"block_id", meta.BlockID, "device_id", e.deviceID,
			"total", meta.TotalChunks, "indices", pruned)
	}
	b.finish(block, pending)
	return nil
}

// OnChunk stores one fragment. Negative indices and indices at or beyond a
// known total are rejected with errors.ErrIndexOutOfRange. A duplicate index
// replaces the earlier payload.
func (b *Buffer) OnChunk(chunk *telemetry.RawChunk) error {
	if chunk.Index < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("block %s index %d: %w", chunk.BlockID, chunk.Index, errors.ErrIndexOutOfRange),
			"Buffer", "OnChunk", "validate index")
	}

	b.mu.Lock()
	if b.redelivered(chunk.BlockID, chunk.DeviceID, "chunk") {
		b.mu.Unlock()
		return nil
	}
	e, err := b.getOrCreate(chunk.BlockID, chunk.DeviceID)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	if e.meta != nil && chunk.Index >= e.meta.TotalChunks {
		total := e.meta.TotalChunks
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("block %s index %d of %d: %w", chunk.BlockID, chunk.Index, total, errors.ErrIndexOutOfRange),
			"Buffer", "OnChunk", "validate index")
	}

	e.chunks[chunk.Index] = chunk.Payload

	block := b.takeIfComplete(chunk.BlockID, e)
	pending := len(b.entries)
	b.mu.Unlock()

	b.finish(block, pending)
	return nil
}

// takeIfComplete removes a complete entry and builds its block. It must be
// called with b.mu held.
func (b *Buffer) takeIfComplete(blockID string, e *entry) *telemetry.RawBlock {
	if !e.complete() {
		return nil
	}
	delete(b.entries, blockID)
	b.completed.Set(blockID, struct{}{})

	size := 0
	for _, p := range e.chunks {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for i := 0; i < e.meta.TotalChunks; i++ {
		payload = append(payload, e.chunks[i]...)
	}

	ts := b.now().UnixMilli()
	if e.meta.TimestampMillis != nil {
		ts = *e.meta.TimestampMillis
	}

	return &telemetry.RawBlock{
		BlockID:         blockID,
		DeviceID:        e.deviceID,
		TimestampMillis: ts,
		SampleRateHz:    e.meta.SampleRateHz,
		SampleCount:     len(payload) / telemetry.BytesPerSample,
		Encoding:        e.meta.Encoding,
		Payload:         payload,
		CRC32:           e.meta.CRC32,
	}
}

func (b *Buffer) finish(block *telemetry.RawBlock, pending int) {
	b.metrics.SetAssemblyPending(pending)
	if block == nil {
		return
	}
	b.metrics.RecordAssemblyCompleted()
	b.logger.Debug("block reassembled",
		"block_id", block.BlockID, "device_id", block.DeviceID,
		"payload_bytes", len(block.Payload), "samples", block.SampleCount)
	if b.emit != nil {
		b.emit(block)
	}
}

// Sweep abandons every block older than MaxAge and returns how many were
// removed. A chunk arriving later for an abandoned block starts a new entry.
// Completed block ids past CompletedTTL are forgotten.
func (b *Buffer) Sweep() int {
	type abandoned struct {
		blockID  string
		deviceID string
		received int
		total    int
		age      time.Duration
	}

	now := b.now()
	var evicted []abandoned

	b.mu.Lock()
	for id, e := range b.entries {
		age := now.Sub(e.startedAt)
		if age <= b.cfg.MaxAge {
			continue
		}
		total := -1
		if e.meta != nil {
			total = e.meta.TotalChunks
		}
		evicted = append(evicted, abandoned{id, e.deviceID, len(e.chunks), total, age})
		delete(b.entries, id)
	}
	pending := len(b.entries)
	b.completed.RemoveExpired()
	b.mu.Unlock()

	for _, a := range evicted {
		total := "unknown"
		if a.total >= 0 {
			total = fmt.Sprint(a.total)
		}
		b.logger.Warn("block abandoned",
			"block_id", a.blockID, "device_id", a.deviceID,
			"chunks", fmt.Sprintf("%d/%s", a.received, total),
			"age", a.age.Round(time.Millisecond))
	}
	b.metrics.RecordAssemblyEvicted(len(evicted))
	b.metrics.SetAssemblyPending(pending)
	return len(evicted)
}

// Run sweeps every SweepInterval until ctx is done.
func (b *Buffer) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Sweep()
		}
	}
}

// Discard drops every pending block and returns how many there were.
func (b *Buffer) Discard() int {
	b.mu.Lock()
	n := len(b.entries)
	b.entries = make(map[string]*entry)
	b.mu.Unlock()

	if n > 0 {
		b.logger.Info("pending blocks discarded", "count", n)
	}
	b.metrics.SetAssemblyPending(0)
	return n
}

// Pending returns the number of blocks being reassembled.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
