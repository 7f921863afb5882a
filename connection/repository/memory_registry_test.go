package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/AzielCF/az-inbox/connection/domain/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandle struct{ name string }

func (h *stubHandle) Open(context.Context, func(session.Event)) error { return nil }
func (h *stubHandle) Close() error                                     { return nil }
func (h *stubHandle) Logout(context.Context) error                     { return nil }
func (h *stubHandle) SendText(context.Context, string, string) (string, error) {
	return "", nil
}
func (h *stubHandle) OnMessage(func(session.IncomingMessage)) {}

func TestRegistry_RegisterReplacesAtomically(t *testing.T) {
	reg := NewMemoryRegistry()
	first := &stubHandle{name: "first"}
	second := &stubHandle{name: "second"}

	e1 := reg.Register(7, first)
	e2 := reg.Register(7, second)

	got, err := reg.Get(7)
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, 1, reg.Len())
	assert.Greater(t, e2.Generation, e1.Generation)
}

func TestRegistry_GetAfterRemove(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.Register(3, &stubHandle{})

	reg.Remove(3)
	reg.Remove(3) // idempotent

	_, err := reg.Get(3)
	assert.True(t, errors.Is(err, session.ErrSessionNotFound))
	_, ok := reg.Lookup(3)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_IDsSorted(t *testing.T) {
	reg := NewMemoryRegistry()
	for _, id := range []int{9, 2, 5} {
		reg.Register(id, &stubHandle{})
	}
	assert.Equal(t, []int{2, 5, 9}, reg.IDs())
}

func TestRegistry_ConcurrentRegisterKeepsOneEntry(t *testing.T) {
	reg := NewMemoryRegistry()
	var wg sync.WaitGroup
	gens := make([]uint64, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gens[i] = reg.Register(1, &stubHandle{}).Generation
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, reg.Len())
	seen := make(map[uint64]bool)
	var maxGen uint64
	for _, g := range gens {
		assert.False(t, seen[g], "generation %d assigned twice", g)
		seen[g] = true
		if g > maxGen {
			maxGen = g
		}
	}
	e, ok := reg.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, maxGen, e.Generation)
}
