// Package gcs provides a Dataset backed by Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Config captures the parameters required to write records to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Dataset appends crawl records as JSON objects under a bucket prefix.
type Dataset struct {
	client *storage.Client
	bucket string
	prefix string
	seq    atomic.Int64
}

// New creates a GCS-backed dataset.
func New(client *storage.Client, cfg Config) (*Dataset, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	return &Dataset{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Push uploads one record as a JSON object.
func (d *Dataset) Push(ctx context.Context, record map[string]any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	name := fmt.Sprintf("%09d.json", d.seq.Add(1)-1)
	if d.prefix != "" {
		name = d.prefix + "/" + name
	}
	writer := d.client.Bucket(d.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write record: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Size counts the objects under the dataset prefix.
func (d *Dataset) Size(ctx context.Context) (int, error) {
	query := &storage.Query{}
	if d.prefix != "" {
		query.Prefix = d.prefix + "/"
	}
	it := d.client.Bucket(d.bucket).Objects(ctx, query)
	n := 0
	for {
		_, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("list records: %w", err)
		}
		n++
	}
	return n, nil
}
