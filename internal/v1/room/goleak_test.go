package room

import (
	"context"
	"sync"
	"testing"

	"github.com/openworld-labs/gridsync/internal/v1/bus"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingBus spawns a long-lived listener goroutine on Subscribe, mimicking
// the real Redis adapter.
type blockingBus struct {
	*mockBus
}

func (b *blockingBus) Subscribe(ctx context.Context, mapID int, wg *sync.WaitGroup, handler func(bus.Payload)) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer wg.Done()
		<-ctx.Done()
	}()
}

// Destroy must cancel the bus subscription and wait for the listener to exit,
// otherwise every reaped room leaks a goroutine.
func TestRoomDestroy_StopsBusListener(t *testing.T) {
	bb := &blockingBus{mockBus: newMockBus()}
	r := NewRoom(context.Background(), 1, stubVerifier{}, bb, "node-a")

	a := &mockConn{}
	authenticate(t, r, a, "pk-a")

	r.Destroy()
	// goleak's TestMain verification catches a leaked listener.
}

func TestManagerDestroy_StopsReaper(t *testing.T) {
	m := NewManager(context.Background(), true, nil, stubVerifier{}, nil, "node-a")
	m.StartReaper()
	m.Destroy()
}
