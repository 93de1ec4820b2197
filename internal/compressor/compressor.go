package compressor

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Already-compressed formats gain nothing from another lz4 pass.
var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".zst": true, ".xz": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

func ShouldSkipCompression(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return skipExtensions[ext]
}

// CompressChunk lz4-frames a chunk payload.
func CompressChunk(chunkData []byte) ([]byte, error) {
	var compressed bytes.Buffer
	writer := lz4.NewWriter(&compressed)
	if _, err := writer.Write(chunkData); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return compressed.Bytes(), nil
}

// DecompressData reverses CompressChunk. Output larger than limit is rejected
// so a hostile frame cannot inflate without bound.
func DecompressData(data []byte, limit int64) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	var decompressed bytes.Buffer

	n, err := io.Copy(&decompressed, io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("decompression failed: payload exceeds %d bytes", limit)
	}
	return decompressed.Bytes(), nil
}

// MaybeCompress compresses payload unless that does not make it smaller.
func MaybeCompress(payload []byte) ([]byte, bool, error) {
	compressed, err := CompressChunk(payload)
	if err != nil {
		return nil, false, err
	}
	if len(compressed) >= len(payload) {
		return payload, false, nil
	}
	return compressed, true, nil
}
