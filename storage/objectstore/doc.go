// Package objectstore stores complete raw blocks as objects in a NATS
// JetStream ObjectStore bucket.
//
// Each block becomes one object named "<prefix>/<deviceId>/<blockId>". Block
// attributes travel as object headers (device, timestamp, encoding, sample
// count, sample rate, crc32, compression and uncompressed size), so a block
// can be read back without a side table.
//
// WriteRawBlock checks for an existing object first and leaves it alone, which
// makes redelivered blocks harmless. Payloads may be compressed with zstd:
//
//	store, err := objectstore.NewStore(ctx, client, objectstore.Config{
//	    BucketName:  "RAW_BLOCKS",
//	    KeyPrefix:   "raw",
//	    Compression: objectstore.CompressionZstd,
//	}, objectstore.WithMetrics(registry))
//
// Store implements storage.RawBlockWriter and is usually combined with a SQL
// store for metrics through storage.Composite.
package objectstore
