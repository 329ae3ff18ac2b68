package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/memosense/plugin/ai"
)

const testDims = 8

// fakeModel is a deterministic embedding model with controllable latency.
type fakeModel struct {
	dims       int
	delay      atomic.Int64 // nanoseconds
	block      atomic.Bool
	embedCalls atomic.Int32
	batchCalls atomic.Int32
	failBatch  atomic.Bool
}

func newFakeModel() *fakeModel {
	return &fakeModel{dims: testDims}
}

func (m *fakeModel) wait(ctx context.Context) error {
	if m.block.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if d := time.Duration(m.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *fakeModel) vector(text string) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()
	v := make([]float32, m.dims)
	for i := range v {
		v[i] = float32((seed>>uint(i%32))&0xff) + float32(i)
	}
	return v
}

func (m *fakeModel) Embed(ctx context.Context, text string) ([]float32, error) {
	m.embedCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if text == "poison" {
		return nil, errors.New("model rejected text")
	}
	return m.vector(text), nil
}

func (m *fakeModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.batchCalls.Add(1)
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.failBatch.Load() {
		return nil, errors.New("batch endpoint unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if text == "poison" {
			return nil, errors.New("model rejected batch")
		}
		out[i] = m.vector(text)
	}
	return out, nil
}

func (m *fakeModel) Dimensions() int {
	return m.dims
}

// fakeLoader counts loads and serves the same fake model for every known name.
type fakeLoader struct {
	model *fakeModel
	delay time.Duration
	loads atomic.Int32
	fail  map[string]bool
	mu    sync.Mutex
	names []string
}

func (l *fakeLoader) Load(ctx context.Context, name string) (ai.EmbeddingService, error) {
	l.loads.Add(1)
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.fail[name] {
		return nil, errors.Errorf("model %s not found", name)
	}
	return l.model, nil
}

func newTestChannel(t *testing.T, loader *fakeLoader, cfg Config) *Channel {
	t.Helper()
	ch := NewChannel(LocalTransportFactory(func() *Host {
		return NewHost(loader.Load)
	}), cfg)
	t.Cleanup(ch.Terminate)
	return ch
}

func initChannel(t *testing.T, ch *Channel, model string) {
	t.Helper()
	ok, err := ch.Initialize(context.Background(), model, nil)
	require.NoError(t, err)
	require.True(t, ok)
}
