package blobstore

import (
	"context"
	"sync"
)

type memObject struct {
	data   []byte
	digest string
}

// Memory is an in-process Store. Contents are lost on restart.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	obj, ok := m.objects[name]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(obj.data, obj.digest)
}

func (m *Memory) PutOnce(_ context.Context, name string, data []byte) (bool, error) {
	stored, digest := encode(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[name]; exists {
		return false, nil
	}
	m.objects[name] = memObject{data: stored, digest: digest}
	return true, nil
}
