package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxRunsInOrder(t *testing.T) {
	m := NewMailbox()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, m.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	m.Close()
	<-m.Done()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailboxSerializes(t *testing.T) {
	m := NewMailbox()
	defer m.Close()

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go m.Post(func() {
			defer wg.Done()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestMailboxRejectsAfterClose(t *testing.T) {
	m := NewMailbox()
	m.Close()
	m.Close()

	assert.False(t, m.Post(func() {}))
	assert.True(t, m.Closed())
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("mailbox did not stop")
	}
}

func TestMailboxCloseFromInside(t *testing.T) {
	m := NewMailbox()
	gate := make(chan struct{})
	ran := make(chan struct{})
	m.Post(func() { <-gate })
	m.Post(func() { m.Close() })
	m.Post(func() { close(ran) })
	close(gate)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("backlog posted before close did not run")
	}
	<-m.Done()
}
