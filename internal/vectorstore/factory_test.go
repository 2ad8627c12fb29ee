package vectorstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestFactoryResolve(t *testing.T) {
	f := NewFactory(Config{Provider: ProviderQdrant})
	if got := f.Resolve(""); got != ProviderQdrant {
		t.Errorf("empty provider should resolve to configured, got %s", got)
	}
	if got := f.Resolve(ProviderMemory); got != ProviderMemory {
		t.Errorf("explicit provider wins, got %s", got)
	}

	f = NewFactory(Config{})
	if got := f.Resolve(""); got != ProviderPostgres {
		t.Errorf("default provider should be the relational backend, got %s", got)
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	f := NewFactory(Config{})
	if _, err := f.Get(context.Background(), "elasticsearch"); err == nil {
		t.Error("unknown provider must error")
	}
}

func TestFactorySingleton(t *testing.T) {
	f := NewFactory(Config{Provider: ProviderMemory})
	a, err := f.Get(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Get(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("factory must return the same instance for the same provider")
	}
}

func TestFactorySingleFlightInit(t *testing.T) {
	f := NewFactory(Config{})
	var constructions int32
	f.Register("counted", func(ctx context.Context, cfg Config) (VectorStore, error) {
		atomic.AddInt32(&constructions, 1)
		return NewMemoryStore(), nil
	})

	var wg sync.WaitGroup
	stores := make([]VectorStore, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.Get(context.Background(), "counted")
			if err != nil {
				t.Errorf("get failed: %v", err)
				return
			}
			stores[i] = s
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&constructions); n != 1 {
		t.Errorf("constructor must run exactly once under concurrent first use, ran %d times", n)
	}
	for i := 1; i < len(stores); i++ {
		if stores[i] != stores[0] {
			t.Fatal("concurrent Get returned different instances")
		}
	}
}

func TestFactoryRetriesAfterFailure(t *testing.T) {
	f := NewFactory(Config{})
	attempts := 0
	f.Register("flaky", func(ctx context.Context, cfg Config) (VectorStore, error) {
		attempts++
		if attempts == 1 {
			return nil, ErrBackendUnavailable
		}
		return NewMemoryStore(), nil
	})

	if _, err := f.Get(context.Background(), "flaky"); err == nil {
		t.Fatal("first get should fail")
	}
	if _, err := f.Get(context.Background(), "flaky"); err != nil {
		t.Fatalf("second get should retry construction: %v", err)
	}
}
