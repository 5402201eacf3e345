// Package media stores files embedded in page blocks and reports where they can be fetched.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxBytes bounds a single upload.
const DefaultMaxBytes = 10 << 20

// Kind is the block type the upload belongs to.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

var (
	ErrEmptyFile       = errors.New("media: file is empty")
	ErrFileTooLarge    = errors.New("media: file exceeds size limit")
	ErrUnsupportedKind = errors.New("media: unsupported kind")
	ErrKindMismatch    = errors.New("media: content does not match kind")
	errMissingBackend  = errors.New("media: backend is required")
)

// ParseKind validates a kind name.
func ParseKind(raw string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case KindImage, KindVideo, KindAudio, KindFile:
		return kind, nil
	case "":
		return KindFile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, raw)
	}
}

// File is an upload held in memory.
type File struct {
	Name string
	Data []byte
}

// Uploaded describes a stored file. Dimensions are set for images only.
type Uploaded struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Width       *int   `json:"width,omitempty"`
	Height      *int   `json:"height,omitempty"`
}

// Backend persists an object under key and returns its public URL.
type Backend interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Config wires a Store.
type Config struct {
	Backend  Backend
	MaxBytes int
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store validates uploads and hands them to a Backend.
type Store struct {
	backend  Backend
	maxBytes int
	clock    func() time.Time
	logger   *zap.Logger
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{backend: cfg.Backend, maxBytes: maxBytes, clock: clock, logger: logger}, nil
}

// MaxBytes reports the configured upload limit.
func (s *Store) MaxBytes() int {
	return s.maxBytes
}

// Upload stores file for a block of the given kind.
func (s *Store) Upload(ctx context.Context, file File, kind Kind) (Uploaded, error) {
	if len(file.Data) == 0 {
		return Uploaded{}, ErrEmptyFile
	}
	if len(file.Data) > s.maxBytes {
		return Uploaded{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(file.Data))
	}

	detected := mimetype.Detect(file.Data)
	if err := checkKind(kind, detected); err != nil {
		return Uploaded{}, err
	}

	uploaded := Uploaded{ContentType: detected.String(), Size: len(file.Data)}
	if kind == KindImage {
		config, _, err := image.DecodeConfig(bytes.NewReader(file.Data))
		if err == nil {
			uploaded.Width = &config.Width
			uploaded.Height = &config.Height
		} else {
			s.logger.Debug("image dimensions unavailable", zap.String("content_type", detected.String()), zap.Error(err))
		}
	}

	key, err := s.objectKey(kind, file.Name, detected.Extension())
	if err != nil {
		return Uploaded{}, err
	}
	url, err := s.backend.Put(ctx, key, detected.String(), file.Data)
	if err != nil {
		s.logger.Error("media upload failed", zap.String("key", key), zap.Error(err))
		return Uploaded{}, fmt.Errorf("media: store %s: %w", key, err)
	}
	uploaded.URL = url
	return uploaded, nil
}

func (s *Store) objectKey(kind Kind, name, detectedExtension string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	extension := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(name, "\\", "/"))))
	if detectedExtension != "" {
		extension = detectedExtension
	}
	return path.Join(string(kind), s.clock().UTC().Format("2006/01"), id.String()+extension), nil
}

func checkKind(kind Kind, detected *mimetype.MIME) error {
	var prefix string
	switch kind {
	case KindImage:
		prefix = "image/"
	case KindVideo:
		prefix = "video/"
	case KindAudio:
		prefix = "audio/"
	case KindFile:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	for candidate := detected; candidate != nil; candidate = candidate.Parent() {
		if strings.HasPrefix(candidate.String(), prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not %s", ErrKindMismatch, detected.String(), kind)
}
