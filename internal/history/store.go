// Package history keeps the most recent predictions in a Redis list.
package history

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/utils"
	"github.com/google/uuid"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultKey      = "history:predictions"
	DefaultMaxItems = 20
)

type Entry struct {
	ID             string             `json:"id"`
	Digest         string             `json:"digest"`
	Timestamp      time.Time          `json:"timestamp"`
	PredictedClass string             `json:"predicted_class"`
	Confidence     float32            `json:"confidence"`
	AllPredictions map[string]float32 `json:"all_predictions"`
	Thumbnail      string             `json:"thumbnail,omitempty"`
	GradCAM        string             `json:"gradcam,omitempty"`
}

// NewEntry describes one prediction. The thumbnail is best-effort: an
// undecodable image leaves it empty.
func NewEntry(original []byte, p *model.Prediction, gradcam string, thumbSize int) Entry {
	e := Entry{
		ID:             uuid.NewString(),
		Digest:         utils.Digest(original),
		Timestamp:      time.Now().UTC(),
		PredictedClass: p.PredictedClass,
		Confidence:     p.Confidence,
		AllPredictions: p.AllPredictions,
		GradCAM:        gradcam,
	}
	if thumb, err := Thumbnail(original, thumbSize); err == nil {
		e.Thumbnail = thumb
	} else {
		utils.Logger.Debug("failed to build thumbnail", zap.Error(err))
	}
	return e
}

// Thumbnail fits the image into a size×size box, keeping its aspect
// ratio, and returns it as a JPEG data URI.
func Thumbnail(original []byte, size int) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}
	thumb := resize.Thumbnail(uint(size), uint(size), img, resize.Bilinear)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

type Store struct {
	client   *redis.Client
	key      string
	maxItems int
}

func NewStore(cfg config.RedisConfig, hcfg config.HistoryConfig) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewStoreFromClient(client, hcfg)
}

func NewStoreFromClient(client *redis.Client, cfg config.HistoryConfig) *Store {
	s := &Store{client: client, key: cfg.Key, maxItems: cfg.MaxItems}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.maxItems <= 0 {
		s.maxItems = DefaultMaxItems
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Add prepends e and drops entries beyond the retention limit.
func (s *Store) Add(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, int64(s.maxItems-1))
	_, err = pipe.Exec(ctx)
	return err
}

// List returns up to limit entries, newest first. Entries that fail to
// decode are skipped.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.maxItems {
		limit = s.maxItems
	}

	items, err := s.client.LRange(ctx, s.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			utils.Logger.Warn("failed to unmarshal history entry", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
