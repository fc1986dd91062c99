package main

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/sensorstream/telemetry"
)

// countsPerG is the int16 scale of a +/-2 g accelerometer.
const countsPerG = 16384.0

// Axis describes one channel of the synthetic signal: a sine of Amplitude g
// at Frequency Hz plus uniform noise up to Noise g.
type Axis struct {
	Frequency float64
	Amplitude float64
	Noise     float64
}

// Profile is the vibration signature of a simulated device.
type Profile struct {
	X, Y, Z Axis
}

// DefaultProfile mimics a motor with 50 Hz and 70 Hz components.
func DefaultProfile() Profile {
	return Profile{
		X: Axis{Frequency: 50, Amplitude: 0.02, Noise: 0.005},
		Y: Axis{Frequency: 70, Amplitude: 0.02, Noise: 0.005},
		Z: Axis{Noise: 0.015},
	}
}

// Window is one capture of three-axis samples in g.
type Window struct {
	Start        time.Time
	SampleRateHz int
	X, Y, Z      []float64
}

// Generator produces windows with a continuous phase across calls.
type Generator struct {
	profile      Profile
	sampleRateHz int
	rng          *rand.Rand
	sample       int64
}

// NewGenerator creates a generator. seed makes noise reproducible.
func NewGenerator(profile Profile, sampleRateHz int, seed uint64) *Generator {
	return &Generator{
		profile:      profile,
		sampleRateHz: sampleRateHz,
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next returns a window of n samples starting at start.
func (g *Generator) Next(start time.Time, n int) Window {
	w := Window{
		Start:        start,
		SampleRateHz: g.sampleRateHz,
		X:            make([]float64, n),
		Y:            make([]float64, n),
		Z:            make([]float64, n),
	}
	for i := 0; i < n; i++ {
		t := float64(g.sample) / float64(g.sampleRateHz)
		w.X[i] = g.value(g.profile.X, t)
		w.Y[i] = g.value(g.profile.Y, t)
		w.Z[i] = g.value(g.profile.Z, t)
		g.sample++
	}
	return w
}

func (g *Generator) value(a Axis, t float64) float64 {
	return a.Amplitude*math.Sin(2*math.Pi*a.Frequency*t) + a.Noise*g.rng.Float64()
}

// Len is the number of samples in the window.
func (w Window) Len() int { return len(w.X) }

// Encode packs the window as little-endian int16 x,y,z triples.
func (w Window) Encode() []byte {
	out := make([]byte, 0, w.Len()*telemetry.BytesPerSample)
	for i := 0; i < w.Len(); i++ {
		out = binary.LittleEndian.AppendUint16(out, uint16(toCounts(w.X[i])))
		out = binary.LittleEndian.AppendUint16(out, uint16(toCounts(w.Y[i])))
		out = binary.LittleEndian.AppendUint16(out, uint16(toCounts(w.Z[i])))
	}
	return out
}

func toCounts(g float64) int16 {
	v := math.Round(g * countsPerG)
	return int16(max(math.MinInt16, min(math.MaxInt16, v)))
}

// Summary holds the per-window features sent as a metric message.
type Summary struct {
	RMSX float64 `json:"rms_x"`
	RMSY float64 `json:"rms_y"`
	RMSZ float64 `json:"rms_z"`
	Peak float64 `json:"peak"`
}

// Summarize computes RMS per axis and the absolute peak over all axes.
func (w Window) Summarize() Summary {
	var s Summary
	s.RMSX, s.Peak = rmsPeak(w.X, s.Peak)
	s.RMSY, s.Peak = rmsPeak(w.Y, s.Peak)
	s.RMSZ, s.Peak = rmsPeak(w.Z, s.Peak)
	return s
}

func rmsPeak(v []float64, peak float64) (float64, float64) {
	if len(v) == 0 {
		return 0, peak
	}
	var sum float64
	for _, x := range v {
		sum += x * x
		peak = max(peak, math.Abs(x))
	}
	return math.Sqrt(sum / float64(len(v))), peak
}

// Publication is one routing key and payload to send.
type Publication struct {
	Key     string
	Payload []byte
}

// Keys builds routing keys for one transport's delimiter.
type Keys struct {
	Delimiter string
}

func (k Keys) join(parts ...string) string {
	return strings.Join(parts, k.Delimiter)
}

// Metric is the key for metric messages from deviceID.
func (k Keys) Metric(deviceID string) string {
	return k.join(telemetry.SegmentVersion, telemetry.SegmentDevice, deviceID, telemetry.SegmentTelemetry)
}

// Meta is the key for raw block announcements from deviceID.
func (k Keys) Meta(deviceID string) string {
	return k.join(k.Metric(deviceID), telemetry.SegmentRaw, telemetry.SegmentMeta)
}

// Chunk is the key for chunk index of blockID.
func (k Keys) Chunk(deviceID, blockID string, index int) string {
	return k.join(k.Metric(deviceID), telemetry.SegmentRaw, telemetry.SegmentChunk, blockID, strconv.Itoa(index))
}

type metricMessage struct {
	TsMs         int64   `json:"ts_ms"`
	SampleRateHz int     `json:"sample_rate_hz"`
	Samples      int     `json:"samples"`
	Metrics      Summary `json:"metrics"`
}

type metaMessage struct {
	ID           string `json:"id"`
	Chunks       int    `json:"chunks"`
	TsMs         int64  `json:"ts_ms"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Encoding     string `json:"encoding"`
	CRC32        uint32 `json:"crc32"`
}

// MetricMessage encodes the window summary for deviceID.
func MetricMessage(keys Keys, deviceID string, w Window) (Publication, error) {
	payload, err := json.Marshal(metricMessage{
		TsMs:         w.Start.UnixMilli(),
		SampleRateHz: w.SampleRateHz,
		Samples:      w.Len(),
		Metrics:      w.Summarize(),
	})
	if err != nil {
		return Publication{}, err
	}
	return Publication{Key: keys.Metric(deviceID), Payload: payload}, nil
}

// RawBlockMessages encodes the window as a meta message followed by chunks of
// at most chunkSamples samples each. With shuffle set the chunks are sent in
// random order.
func RawBlockMessages(keys Keys, deviceID string, w Window, chunkSamples int, shuffle *rand.Rand) ([]Publication, error) {
	data := w.Encode()
	chunkBytes := max(chunkSamples, 1) * telemetry.BytesPerSample

	var chunks [][]byte
	for off := 0; off < len(data); off += chunkBytes {
		chunks = append(chunks, data[off:min(off+chunkBytes, len(data))])
	}

	blockID := uuid.NewString()
	meta, err := json.Marshal(metaMessage{
		ID:           blockID,
		Chunks:       len(chunks),
		TsMs:         w.Start.UnixMilli(),
		SampleRateHz: w.SampleRateHz,
		Encoding:     telemetry.DefaultEncoding,
		CRC32:        crc32.ChecksumIEEE(data),
	})
	if err != nil {
		return nil, err
	}

	out := make([]Publication, 0, len(chunks)+1)
	out = append(out, Publication{Key: keys.Meta(deviceID), Payload: meta})
	for i, c := range chunks {
		out = append(out, Publication{Key: keys.Chunk(deviceID, blockID, i), Payload: c})
	}
	if shuffle != nil {
		parts := out[1:]
		shuffle.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })
	}
	return out, nil
}
