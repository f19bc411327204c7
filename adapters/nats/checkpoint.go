package nats

import (
	"context"
	"errors"
	"strings"

	"github.com/codewandler/aggregates-go/core/es"
	"github.com/codewandler/aggregates-go/ports/kv"
)

const defaultCheckpointBucket = "es_checkpoints"

type CheckpointStoreConfig struct {
	Connect Connector
	Bucket  string
}

// CheckpointStore keeps consumer positions in a KV bucket, one key per
// consumer.
type CheckpointStore struct {
	kv *KvStore
}

func NewCheckpointStore(cfg CheckpointStoreConfig) (*CheckpointStore, error) {
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultCheckpointBucket
	}
	store, err := NewKvStore(KvConfig{Bucket: bucket, Connect: cfg.Connect})
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{kv: store}, nil
}

func (c *CheckpointStore) Close() error { return c.kv.Close() }

var keyReplacer = strings.NewReplacer(":", "-", " ", "_", "*", "_", ">", "_")

func checkpointKey(consumer string) string { return "cp." + keyReplacer.Replace(consumer) }

func (c *CheckpointStore) Save(ctx context.Context, consumer string, position int64) error {
	_, err := kv.Put(ctx, c.kv, checkpointKey(consumer), position, kv.PutOptions{})
	return err
}

func (c *CheckpointStore) Load(ctx context.Context, consumer string) (int64, error) {
	p, err := kv.Get[int64](ctx, c.kv, checkpointKey(consumer))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, es.ErrCheckpointNotFound
		}
		return 0, err
	}
	return p, nil
}

var _ es.CheckpointStore = (*CheckpointStore)(nil)
