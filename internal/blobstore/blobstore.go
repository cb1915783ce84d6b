// Package blobstore keeps small per-world blobs, such as the world bootstrap
// uploaded by the first player. Objects are zstd-compressed and carry a
// blake3 digest of their plain content that is checked on read.
package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/basket/worldgate/internal/world"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrCorrupt  = errors.New("blob digest mismatch")
)

const (
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// Store is implemented by every backend.
type Store interface {
	Get(ctx context.Context, name string) ([]byte, error)
	// PutOnce writes name only if it does not exist yet. It reports whether
	// this call created the object.
	PutOnce(ctx context.Context, name string, data []byte) (bool, error)
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	Region    string `yaml:"region" env:"REGION"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
}

// Config selects a backend. The env tags are read relative to the prefix of
// the embedding struct.
type Config struct {
	Backend string   `yaml:"backend" env:"BACKEND"`
	S3      S3Config `yaml:"s3" envPrefix:"S3_"`
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob backend %q (supported: memory, s3)", cfg.Backend)
	}
}

// BootstrapName is the object name of a world's bootstrap blob.
func BootstrapName(key world.Key) string {
	return "worlds/" + key.GameKey + "/" + key.WorldID + "/bootstrap.json"
}

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blobstore: zstd encoder: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blobstore: zstd decoder: " + err.Error())
	}
}

// Digest returns the hex blake3 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// encode compresses data and returns it with the digest of the plain bytes.
func encode(data []byte) ([]byte, string) {
	return encoder.EncodeAll(data, nil), Digest(data)
}

// decode decompresses stored and checks it against digest.
func decode(stored []byte, digest string) ([]byte, error) {
	data, err := decoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	if digest != "" && Digest(data) != digest {
		return nil, ErrCorrupt
	}
	return data, nil
}
