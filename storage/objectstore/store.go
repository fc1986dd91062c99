package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/sensorstream/errors"
	"github.com/c360/sensorstream/metric"
	"github.com/c360/sensorstream/natsclient"
	"github.com/c360/sensorstream/storage"
	"github.com/c360/sensorstream/telemetry"
)

// Object header names.
const (
	HeaderDevice      = "Sensorstream-Device"
	HeaderTimestamp   = "Sensorstream-Ts-Ms"
	HeaderEncoding    = "Sensorstream-Encoding"
	HeaderSamples     = "Sensorstream-Samples"
	HeaderSampleRate  = "Sensorstream-Sample-Rate-Hz"
	HeaderCRC32       = "Sensorstream-Crc32"
	HeaderCompression = "Sensorstream-Compression"
	HeaderSize        = "Sensorstream-Size"
)

// bucket is the part of jetstream.ObjectStore the store uses.
type bucket interface {
	Put(ctx context.Context, meta jetstream.ObjectMeta, reader io.Reader) (*jetstream.ObjectInfo, error)
	GetInfo(ctx context.Context, name string, opts ...jetstream.GetObjectInfoOpt) (*jetstream.ObjectInfo, error)
	GetBytes(ctx context.Context, name string, opts ...jetstream.GetObjectOpt) ([]byte, error)
}

// Store writes raw blocks to an object store bucket.
type Store struct {
	bucket  bucket
	config  Config
	logger  *slog.Logger
	metrics *storeMetrics
}

var _ storage.RawBlockWriter = (*Store)(nil)

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMetrics registers store metrics with registry.
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(s *Store) error {
		m, err := newStoreMetrics(registry, s.config.BucketName)
		if err != nil {
			return err
		}
		s.metrics = m
		return nil
	}
}

// NewStore creates or opens the configured bucket on client.
func NewStore(ctx context.Context, client *natsclient.Client, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b, err := client.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.BucketName,
		Description: "sensorstream raw sensor blocks",
		TTL:         cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    max(cfg.Replicas, 1),
	})
	if err != nil {
		return nil, err
	}

	return newStore(b, cfg, opts...)
}

func newStore(b bucket, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		bucket: b,
		config: cfg,
		logger: slog.Default().With("component", "objectstore", "bucket", cfg.BucketName),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Key returns the object name for block.
func (s *Store) Key(block *telemetry.RawBlock) string {
	key := block.DeviceID + "/" + block.BlockID
	if s.config.KeyPrefix == "" {
		return key
	}
	return s.config.KeyPrefix + "/" + key
}

// WriteRawBlock uploads block unless an object with its key already exists.
func (s *Store) WriteRawBlock(ctx context.Context, block *telemetry.RawBlock) error {
	key := s.Key(block)

	_, err := s.bucket.GetInfo(ctx, key)
	switch {
	case err == nil:
		s.metrics.recordWrite("exists", 0)
		s.logger.Debug("raw block already stored", "key", key)
		return nil
	case !stderrors.Is(err, jetstream.ErrObjectNotFound):
		s.metrics.recordError("get_info")
		return errors.WrapTransient(err, "ObjectStore", "WriteRawBlock", "check existing object")
	}

	data, err := compress(block.Payload, s.config.Compression)
	if err != nil {
		return errors.WrapFatal(err, "ObjectStore", "WriteRawBlock", "compress payload")
	}

	start := time.Now()
	_, err = s.bucket.Put(ctx, jetstream.ObjectMeta{
		Name:        key,
		Description: "raw block " + block.BlockID,
		Headers:     blockHeaders(block, s.config.Compression),
	}, bytes.NewReader(data))
	if err != nil {
		s.metrics.recordError("put")
		return errors.WrapTransient(err, "ObjectStore", "WriteRawBlock", "put object")
	}

	s.metrics.recordWrite("stored", time.Since(start).Seconds())
	s.metrics.recordBytes(len(block.Payload), len(data))
	return nil
}

// GetRawBlock downloads and decodes the block stored for deviceID/blockID.
func (s *Store) GetRawBlock(ctx context.Context, deviceID, blockID string) (*telemetry.RawBlock, error) {
	key := s.Key(&telemetry.RawBlock{DeviceID: deviceID, BlockID: blockID})

	info, err := s.bucket.GetInfo(ctx, key)
	if err != nil {
		s.metrics.recordError("get_info")
		return nil, errors.Wrap(err, "ObjectStore", "GetRawBlock", "get object info")
	}
	data, err := s.bucket.GetBytes(ctx, key)
	if err != nil {
		s.metrics.recordError("get")
		return nil, errors.WrapTransient(err, "ObjectStore", "GetRawBlock", "get object")
	}

	block, compression, size, err := parseHeaders(info.Headers)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ObjectStore", "GetRawBlock", "parse headers")
	}
	block.BlockID = blockID
	block.Payload, err = decompress(data, compression, size)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ObjectStore", "GetRawBlock", "decompress payload")
	}
	return block, nil
}

func blockHeaders(block *telemetry.RawBlock, compression string) nats.Header {
	if compression == "" {
		compression = CompressionNone
	}
	h := nats.Header{}
	h.Set(HeaderDevice, block.DeviceID)
	h.Set(HeaderTimestamp, strconv.FormatInt(block.TimestampMillis, 10))
	h.Set(HeaderEncoding, block.Encoding)
	h.Set(HeaderSamples, strconv.Itoa(block.SampleCount))
	h.Set(HeaderCompression, compression)
	h.Set(HeaderSize, strconv.Itoa(len(block.Payload)))
	if block.SampleRateHz != nil {
		h.Set(HeaderSampleRate, strconv.Itoa(*block.SampleRateHz))
	}
	if block.CRC32 != nil {
		h.Set(HeaderCRC32, strconv.FormatUint(uint64(*block.CRC32), 10))
	}
	return h
}

func parseHeaders(h nats.Header) (*telemetry.RawBlock, string, int, error) {
	block := &telemetry.RawBlock{
		DeviceID: h.Get(HeaderDevice),
		Encoding: h.Get(HeaderEncoding),
	}

	var err error
	if block.TimestampMillis, err = strconv.ParseInt(h.Get(HeaderTimestamp), 10, 64); err != nil {
		return nil, "", 0, fmt.Errorf("%s: %w", HeaderTimestamp, err)
	}
	if block.SampleCount, err = strconv.Atoi(h.Get(HeaderSamples)); err != nil {
		return nil, "", 0, fmt.Errorf("%s: %w", HeaderSamples, err)
	}
	size, err := strconv.Atoi(h.Get(HeaderSize))
	if err != nil {
		return nil, "", 0, fmt.Errorf("%s: %w", HeaderSize, err)
	}
	if v := h.Get(HeaderSampleRate); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return nil, "", 0, fmt.Errorf("%s: %w", HeaderSampleRate, err)
		}
		block.SampleRateHz = &rate
	}
	if v := h.Get(HeaderCRC32); v != "" {
		crc, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, "", 0, fmt.Errorf("%s: %w", HeaderCRC32, err)
		}
		c := uint32(crc)
		block.CRC32 = &c
	}
	return block, h.Get(HeaderCompression), size, nil
}
