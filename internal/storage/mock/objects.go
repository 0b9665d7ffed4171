package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/your-org/livehub/internal/models"
)

// Objects is an in-memory object store keyed like MinIO.
type Objects struct {
	mu      sync.Mutex
	objects map[string][]byte

	FetchError error
}

func NewObjects() *Objects {
	return &Objects{objects: make(map[string][]byte)}
}

func (o *Objects) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = append([]byte(nil), data...)
	return nil
}

func (o *Objects) Fetch(ctx context.Context, key string) ([]byte, error) {
	if o.FetchError != nil {
		return nil, o.FetchError
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, models.ErrNotFound)
	}
	return data, nil
}

func (o *Objects) DeleteObject(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

// Has reports whether an object exists.
func (o *Objects) Has(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[key]
	return ok
}
