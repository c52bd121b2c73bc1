package persist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const mirrorTimeout = 30 * time.Second

// MirrorConfig addresses an S3-compatible bucket that receives a copy of each
// saved snapshot.
type MirrorConfig struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	Creds          *credentials.Credentials
}

// ParseMirrorURL parses s3://host[:port]/bucket[/prefix]. Supported query
// parameters are insecure, path-style and region.
func ParseMirrorURL(raw string) (MirrorConfig, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return MirrorConfig{}, fmt.Errorf("parse mirror URL: %w", err)
	}
	if u.Scheme != "s3" {
		return MirrorConfig{}, fmt.Errorf("mirror scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return MirrorConfig{}, fmt.Errorf("mirror URL missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	p := strings.Trim(u.Path, "/")
	if p == "" {
		return MirrorConfig{}, fmt.Errorf("mirror URL missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(p, "/", 2)
	cfg := MirrorConfig{Endpoint: endpoint, Bucket: parts[0]}
	if len(parts) == 2 {
		cfg.Prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			cfg.Insecure = ok
		}
	}
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			cfg.ForcePathStyle = ok
		}
	}
	cfg.Region = query.Get("region")
	return cfg, nil
}

// Mirror uploads snapshot documents to object storage.
type Mirror struct {
	client *minio.Client
	cfg    MirrorConfig
}

// NewMirror builds a client for cfg. Credentials default to the AWS_* and
// MINIO_* environment variables.
func NewMirror(cfg MirrorConfig) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("persist: mirror bucket is required")
	}
	creds := cfg.Creds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("persist: create mirror client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Mirror{client: client, cfg: cfg}, nil
}

// ObjectKey maps a snapshot file name to its object key.
func (m *Mirror) ObjectKey(name string) string {
	if m.cfg.Prefix == "" {
		return name
	}
	return path.Join(m.cfg.Prefix, name)
}

// Upload stores payload under name.
func (m *Mirror) Upload(ctx context.Context, name string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	_, err := m.client.PutObject(ctx, m.cfg.Bucket, m.ObjectKey(name), bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("persist: mirror put %s: %w", m.ObjectKey(name), err)
	}
	return nil
}

// Fetch downloads the mirrored copy of name.
func (m *Mirror) Fetch(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	obj, err := m.client.GetObject(ctx, m.cfg.Bucket, m.ObjectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("persist: mirror get %s: %w", m.ObjectKey(name), err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("persist: mirror read %s: %w", m.ObjectKey(name), err)
	}
	return data, nil
}

// Restore downloads the mirrored copy of snap and installs it as the local
// primary, rotating the current primary into the backup.
func (m *Mirror) Restore(ctx context.Context, snap *Snapshot) (int, error) {
	data, err := m.Fetch(ctx, snap.FileName())
	if err != nil {
		return 0, err
	}
	if _, err := decodeDocument(data); err != nil {
		return 0, err
	}
	snap.saveMu.Lock()
	defer snap.saveMu.Unlock()
	if err := rotateBackup(snap.path); err != nil {
		return 0, fmt.Errorf("persist: restore %s: %w", snap.name, err)
	}
	if err := writeFileAtomic(snap.path, data); err != nil {
		return 0, fmt.Errorf("persist: restore %s: %w", snap.name, err)
	}
	return len(data), nil
}
