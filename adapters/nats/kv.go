package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/aggregates-go/internal/codec"
	"github.com/codewandler/aggregates-go/ports/kv"
)

type KvConfig struct {
	Connect Connector
	Bucket  string
	// TTL expires every key of the bucket. JetStream has no per-key TTL on
	// the servers we target, so kv.PutOptions.TTL is rejected.
	TTL      time.Duration
	MaxBytes int64
	Storage  jetstream.StorageType
}

// KvStore implements kv.Store on a JetStream key-value bucket. Revisions are
// the bucket's message sequences.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

// kvRecord is what is stored per key; Meta travels with the data.
type kvRecord struct {
	Data []byte         `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = -1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  cfg.Storage,
		TTL:      cfg.TTL,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeNc()
		return nil, err
	}

	return &KvStore{kv: bucket, closeNc: closeNc}, nil
}

func (k *KvStore) Close() error {
	k.closeNc()
	return nil
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) (uint64, error) {
	if opts.TTL > 0 {
		return 0, fmt.Errorf("nats kv: per-key ttl is not supported, configure the bucket ttl")
	}

	data, err := codec.JSON.Marshal(kvRecord{Data: entry.Data, Meta: entry.Meta})
	if err != nil {
		return 0, err
	}

	var rev uint64
	switch {
	case opts.ExpectRevision == nil:
		rev, err = k.kv.Put(ctx, key, data)
	case *opts.ExpectRevision == 0:
		rev, err = k.kv.Create(ctx, key, data)
	default:
		rev, err = k.kv.Update(ctx, key, data, *opts.ExpectRevision)
	}
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || isWrongLastSequence(err) {
			return 0, fmt.Errorf("%w: key=%s: %v", kv.ErrRevisionMismatch, key, err)
		}
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return rev, nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}

	var rec kvRecord
	if err := codec.JSON.Unmarshal(v.Value(), &rec); err != nil {
		return kv.Entry{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return kv.Entry{Data: rec.Data, Meta: rec.Meta, Revision: v.Revision()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

var _ kv.Store = (*KvStore)(nil)
