package samples

import (
	"context"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultRefresh = 5 * time.Minute
	listTimeout    = 30 * time.Second
)

// BucketConfig locates the object-storage bucket holding the deployed
// sample library.
type BucketConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
	Refresh   time.Duration
}

// Bucket is a catalog backed by an object-storage bucket. Object keys
// become sample ids (basename, extension stripped). The listing
// refreshes periodically; until a listing has succeeded, or whenever
// the bucket is unreachable, the built-in set answers instead, so
// sample clamping never depends on storage being up.
type Bucket struct {
	client   *minio.Client
	bucket   string
	refresh  time.Duration
	fallback *Static

	mu      sync.RWMutex
	samples []Sample
	index   map[string]bool

	done      chan struct{}
	closeOnce sync.Once
}

// OpenBucket builds the client and attempts a first listing. A failed
// first listing is not fatal: the catalog starts in fallback mode and
// keeps retrying on the refresh interval.
func OpenBucket(ctx context.Context, cfg BucketConfig) (*Bucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("sample bucket client: %w", err)
	}
	if cfg.Refresh <= 0 {
		cfg.Refresh = defaultRefresh
	}
	b := &Bucket{
		client:   client,
		bucket:   cfg.Bucket,
		refresh:  cfg.Refresh,
		fallback: Builtin(),
		done:     make(chan struct{}),
	}
	if err := b.load(ctx); err != nil {
		log.Printf("samples: initial listing of bucket %s failed, serving built-ins: %v", cfg.Bucket, err)
	}
	go b.refreshLoop()
	return b, nil
}

func (b *Bucket) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	var listed []Sample
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list bucket %s: %w", b.bucket, obj.Err)
		}
		id := sampleIDFromKey(obj.Key)
		if id == "" {
			continue
		}
		listed = append(listed, Sample{
			ID:   id,
			Name: strings.ReplaceAll(id, "-", " "),
			Kind: kindOf(id),
		})
	}
	if len(listed) == 0 {
		return fmt.Errorf("bucket %s holds no samples", b.bucket)
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].ID < listed[j].ID })

	index := make(map[string]bool, len(listed))
	for _, smp := range listed {
		index[smp.ID] = true
	}
	b.mu.Lock()
	b.samples = listed
	b.index = index
	b.mu.Unlock()
	return nil
}

func (b *Bucket) refreshLoop() {
	ticker := time.NewTicker(b.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.load(context.Background()); err != nil {
				log.Printf("samples: bucket refresh: %v", err)
			}
		case <-b.done:
			return
		}
	}
}

func (b *Bucket) List() []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return b.fallback.List()
	}
	return append([]Sample(nil), b.samples...)
}

func (b *Bucket) Has(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return b.fallback.Has(id)
	}
	return b.index[id]
}

// Close stops the refresh loop.
func (b *Bucket) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// sampleIDFromKey maps an object key to a sample id: basename,
// lowercased, audio extension stripped. Non-audio objects yield "".
func sampleIDFromKey(key string) string {
	base := strings.ToLower(path.Base(key))
	ext := path.Ext(base)
	switch ext {
	case ".wav", ".mp3", ".ogg", ".flac", ".aif", ".aiff":
		return strings.TrimSuffix(base, ext)
	}
	return ""
}

// kindOf groups a sample id by its leading segment for picker UIs.
func kindOf(id string) string {
	head, _, _ := strings.Cut(id, "-")
	switch head {
	case "crash", "ride", "cymbal":
		return "cymbal"
	case "kick", "snare", "clap", "hat", "tom", "perc":
		return head
	}
	return "perc"
}
