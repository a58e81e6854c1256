package strategy

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/R3E-Network/smartcache/infrastructure/config"
)

const (
	fieldData           = "data"
	fieldIsString       = "is_string"
	fieldAdaptive       = "adaptive"
	fieldLevel          = "level"
	fieldOriginalSize   = "original_size"
	fieldCompressedSize = "compressed_size"
)

// largePayloadBytes is the size above which adaptive compression biases the
// level upward to favor ratio.
const largePayloadBytes = 10 << 20

// Compression applies gzip at a fixed configured level to values whose
// serialized size exceeds the compression threshold.
type Compression struct{}

func (Compression) ID() string { return "compression" }

func (Compression) ShouldApply(value interface{}, sc *Context) bool {
	return compressionApplies(value, sc)
}

func (Compression) Optimize(value interface{}, sc *Context) (interface{}, error) {
	level := sc.Config.Strategies.Compression.Level
	return compressEnvelope(value, level, false, 0, 0)
}

func (Compression) Restore(value interface{}, sc *Context) (interface{}, bool, error) {
	return restoreCompressed(value)
}

// AdaptiveCompression picks the gzip level per value: a small sample is
// compressed at the default level and the observed ratio selects level 9
// (compresses well), level 3 (poorly), or the default. Hot keys are clamped
// to level 3 to favor speed; payloads over 10 MiB are biased upward by 2.
type AdaptiveCompression struct{}

func (AdaptiveCompression) ID() string { return "adaptive_compression" }

func (AdaptiveCompression) ShouldApply(value interface{}, sc *Context) bool {
	return compressionApplies(value, sc)
}

func (AdaptiveCompression) Optimize(value interface{}, sc *Context) (interface{}, error) {
	raw, isString, err := serialize(value)
	if err != nil {
		return nil, err
	}

	cfg := sc.Config.Strategies.Compression
	level := pickLevel(raw, cfg.Level, cfg.Adaptive)

	if sc.Frequency != nil && sc.Frequency(sc.Key) > cfg.Adaptive.FrequencyThreshold {
		if level > 3 {
			level = 3
		}
	}
	if len(raw) > largePayloadBytes {
		level += 2
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
	}

	compressed, err := gzipBytes(raw, level)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		MarkerCompressed:    true,
		fieldData:           base64.StdEncoding.EncodeToString(compressed),
		fieldIsString:       isString,
		fieldAdaptive:       true,
		fieldLevel:          level,
		fieldOriginalSize:   len(raw),
		fieldCompressedSize: len(compressed),
	}, nil
}

func (AdaptiveCompression) Restore(value interface{}, sc *Context) (interface{}, bool, error) {
	return restoreCompressed(value)
}

// pickLevel samples the head of the payload and maps the sample's
// compression ratio onto a level.
func pickLevel(raw []byte, defaultLevel int, cfg config.AdaptiveConfig) int {
	sampleSize := cfg.SampleSize
	if sampleSize <= 0 {
		sampleSize = 1024
	}
	sample := raw
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}

	compressed, err := gzipBytes(sample, defaultLevel)
	if err != nil || len(sample) == 0 {
		return defaultLevel
	}

	ratio := float64(len(compressed)) / float64(len(sample))
	switch {
	case ratio < cfg.HighThreshold:
		return gzip.BestCompression
	case ratio > cfg.LowThreshold:
		return 3
	default:
		return defaultLevel
	}
}

func compressionApplies(value interface{}, sc *Context) bool {
	cfg := sc.Config
	if !cfg.Strategies.Compression.Enabled {
		return false
	}
	if !cfg.DriverFor(sc.Driver).Compression {
		return false
	}

	switch value.(type) {
	case string, map[string]interface{}, []interface{}:
	default:
		return false
	}

	size, ok := estimateSize(value, cfg.Thresholds.Compression)
	return ok && size > cfg.Thresholds.Compression
}

func compressEnvelope(value interface{}, level int, adaptive bool, originalSize, compressedSize int) (interface{}, error) {
	raw, isString, err := serialize(value)
	if err != nil {
		return nil, err
	}
	compressed, err := gzipBytes(raw, level)
	if err != nil {
		return nil, err
	}

	envelope := map[string]interface{}{
		MarkerCompressed: true,
		fieldData:        base64.StdEncoding.EncodeToString(compressed),
		fieldIsString:    isString,
	}
	if adaptive {
		envelope[fieldAdaptive] = true
		envelope[fieldLevel] = level
		envelope[fieldOriginalSize] = originalSize
		envelope[fieldCompressedSize] = compressedSize
	}
	return envelope, nil
}

func restoreCompressed(value interface{}) (interface{}, bool, error) {
	if !HasMarker(value, MarkerCompressed) {
		return value, false, nil
	}
	envelope := value.(map[string]interface{})

	encoded, ok := envelope[fieldData].(string)
	if !ok {
		return nil, true, fmt.Errorf("compression envelope missing data field")
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, true, fmt.Errorf("decode compressed data: %w", err)
	}
	raw, err := gunzipBytes(compressed)
	if err != nil {
		return nil, true, fmt.Errorf("decompress: %w", err)
	}

	if isString, _ := envelope[fieldIsString].(bool); isString {
		return string(raw), true, nil
	}
	var restored interface{}
	if err := json.Unmarshal(raw, &restored); err != nil {
		return nil, true, fmt.Errorf("deserialize decompressed value: %w", err)
	}
	return restored, true, nil
}

func gzipBytes(raw []byte, level int) ([]byte, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
