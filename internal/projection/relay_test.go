package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streamrelay/internal/events"
	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/stream"
)

type carMoved struct {
	CarID string `json:"carId"`
	Km    int    `json:"km"`
}

func (e carMoved) RootID() string        { return e.CarID }
func (e carMoved) OccurredAt() time.Time { return time.Time{} }

type driverHired struct {
	DriverID string `json:"driverId"`
}

func (e driverHired) RootID() string        { return e.DriverID }
func (e driverHired) OccurredAt() time.Time { return time.Time{} }

func registry(t *testing.T) *events.TypeRegistry {
	t.Helper()
	r := events.NewTypeRegistry()
	require.NoError(t, events.Register[carMoved](r, "car.moved"))
	require.NoError(t, events.Register[driverHired](r, "driver.hired"))
	return r
}

// odometer is an idempotent read model: it records the km of every applied
// move and how often each version was applied.
type odometer struct {
	mu      sync.Mutex
	applied []int
	failAt  int
}

func (o *odometer) RootAggregateType() string { return "Car" }

func (o *odometer) ProjectEvent(_ context.Context, event events.DomainEvent) (bool, error) {
	moved, ok := event.(carMoved)
	if !ok {
		return false, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failAt != 0 && moved.Km == o.failAt {
		return false, errors.New("read model unavailable")
	}
	o.applied = append(o.applied, moved.Km)
	return true, nil
}

func (o *odometer) snapshot() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.applied...)
}

// recordingStore remembers every saved version per key.
type recordingStore struct {
	*MemoryCheckpointStore
	mu    sync.Mutex
	saved []int64
}

func (s *recordingStore) Save(ctx context.Context, key CheckpointKey, version int64) error {
	s.mu.Lock()
	s.saved = append(s.saved, version)
	s.mu.Unlock()
	return s.MemoryCheckpointStore.Save(ctx, key, version)
}

func moves(name string, from int64, kms ...int) []stream.ChangeEvent {
	out := make([]stream.ChangeEvent, len(kms))
	for i, km := range kms {
		out[i] = stream.ChangeEvent{
			ID:                fmt.Sprintf("%s-%d", name, from+int64(i)),
			StreamName:        name,
			Version:           from + int64(i),
			RootAggregateType: "Car",
			EventType:         "car.moved",
			Data:              []byte(fmt.Sprintf(`{"carId":%q,"km":%d}`, name, km)),
		}
	}
	return out
}

func TestNewRelayValidation(t *testing.T) {
	_, err := NewRelay("r", nil, NewMemoryCheckpointStore(), nil)
	assert.ErrorIs(t, err, rterrors.ErrMigratorRequired)
	_, err = NewRelay("r", registry(t), nil, nil)
	assert.ErrorIs(t, err, rterrors.ErrCheckpointsRequired)
	_, err = NewRelay("", registry(t), NewMemoryCheckpointStore(), nil)
	assert.ErrorIs(t, err, rterrors.ErrHandlerNameRequired)
}

func TestRelayAppliesEachEventOnce(t *testing.T) {
	store := &recordingStore{MemoryCheckpointStore: NewMemoryCheckpointStore()}
	model := &odometer{}
	relay, err := NewRelay("odometer", registry(t), store, []Projection{model})
	require.NoError(t, err)

	batch := moves("car_1", 1, 10, 20, 30)
	require.NoError(t, relay.HandleStream(context.Background(), "car_1", batch))
	require.NoError(t, relay.HandleStream(context.Background(), "car_1", batch))

	assert.Equal(t, []int{10, 20, 30}, model.snapshot())
	assert.Equal(t, []int64{1, 2, 3}, store.saved)

	version, found, err := store.Load(context.Background(), CheckpointKey{Projection: "odometer", Stream: "car_1"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(3), version)
}

func TestRelayResumesAfterCheckpoint(t *testing.T) {
	store := NewMemoryCheckpointStore()
	model := &odometer{}
	relay, err := NewRelay("odometer", registry(t), store, []Projection{model})
	require.NoError(t, err)

	require.NoError(t, relay.HandleStream(context.Background(), "car_1", moves("car_1", 1, 10, 20)))
	// A later batch overlapping the applied range only applies the new tail.
	require.NoError(t, relay.HandleStream(context.Background(), "car_1", moves("car_1", 2, 20, 30, 40)))

	assert.Equal(t, []int{10, 20, 30, 40}, model.snapshot())
}

func TestRelayStopsAtFailure(t *testing.T) {
	store := NewMemoryCheckpointStore()
	model := &odometer{failAt: 20}
	relay, err := NewRelay("odometer", registry(t), store, []Projection{model})
	require.NoError(t, err)

	err = relay.HandleStream(context.Background(), "car_1", moves("car_1", 1, 10, 20, 30))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read model unavailable")
	assert.Equal(t, []int{10}, model.snapshot())

	version, _, _ := store.Load(context.Background(), CheckpointKey{Projection: "odometer", Stream: "car_1"})
	assert.Equal(t, int64(1), version)

	// Redelivery after recovery picks up at the failed event.
	model.failAt = 0
	require.NoError(t, relay.HandleStream(context.Background(), "car_1", moves("car_1", 1, 10, 20, 30)))
	assert.Equal(t, []int{10, 20, 30}, model.snapshot())
}

func TestRelayIgnoresOtherAggregates(t *testing.T) {
	model := &odometer{}
	relay, err := NewRelay("odometer", registry(t), NewMemoryCheckpointStore(), []Projection{model})
	require.NoError(t, err)

	hired := stream.ChangeEvent{
		ID: "d-1", StreamName: "driver_1", Version: 1,
		RootAggregateType: "Driver", EventType: "driver.hired", Data: []byte(`{"driverId":"driver_1"}`),
	}
	require.NoError(t, relay.HandleStream(context.Background(), "driver_1", []stream.ChangeEvent{hired}))
	assert.Empty(t, model.snapshot())
}

func TestRelayRehydrationFailure(t *testing.T) {
	store := NewMemoryCheckpointStore()
	relay, err := NewRelay("odometer", registry(t), store, []Projection{&odometer{}})
	require.NoError(t, err)

	broken := moves("car_1", 1, 10)
	broken[0].Data = []byte("notvalidjson")

	err = relay.HandleStream(context.Background(), "car_1", broken)
	assert.True(t, rterrors.IsValidation(err))

	_, found, _ := store.Load(context.Background(), CheckpointKey{Projection: "odometer", Stream: "car_1"})
	assert.False(t, found)
}

func TestRelayHandlerProjection(t *testing.T) {
	var total int
	handlers := events.NewHandlers()
	events.On(handlers, func(_ context.Context, e carMoved) error {
		total += e.Km
		return nil
	})

	relay, err := NewRelay("distance", registry(t), NewMemoryCheckpointStore(),
		[]Projection{NewHandlerProjection("Car", handlers)})
	require.NoError(t, err)

	require.NoError(t, relay.HandleStream(context.Background(), "car_1", moves("car_1", 1, 5, 7)))
	assert.Equal(t, 12, total)
}

func TestRelayReset(t *testing.T) {
	model := &odometer{}
	relay, err := NewRelay("odometer", registry(t), NewMemoryCheckpointStore(), []Projection{model})
	require.NoError(t, err)

	batch := moves("car_1", 1, 10, 20)
	require.NoError(t, relay.HandleStream(context.Background(), "car_1", batch))
	require.NoError(t, relay.Reset(context.Background(), "car_1"))
	require.NoError(t, relay.HandleStream(context.Background(), "car_1", batch))

	assert.Equal(t, []int{10, 20, 10, 20}, model.snapshot())
}

type concurrencyCounter struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (p *concurrencyCounter) RootAggregateType() string { return "Car" }

func (p *concurrencyCounter) ProjectEvent(context.Context, events.DomainEvent) (bool, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	p.calls.Add(1)
	return true, nil
}

func TestRelaySerializesOneStream(t *testing.T) {
	counter := &concurrencyCounter{}
	relay, err := NewRelay("counter", registry(t), NewMemoryCheckpointStore(), []Projection{counter})
	require.NoError(t, err)

	batch := moves("car_1", 1, 1, 2, 3)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, relay.HandleStream(context.Background(), "car_1", batch))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), counter.maxSeen.Load())
	assert.Equal(t, int32(3), counter.calls.Load())
}

func TestRelayWithProcessor(t *testing.T) {
	model := &odometer{}
	relay, err := NewRelay("odometer", registry(t), NewMemoryCheckpointStore(), []Projection{model})
	require.NoError(t, err)

	source := stream.NewMemorySource("cars", stream.InlineScheduler{})
	processor, err := stream.NewProcessor("projections", relay, []stream.EventSource{source})
	require.NoError(t, err)
	require.NoError(t, processor.Start())
	t.Cleanup(func() { _ = processor.Stop() })

	appended, err := source.Append(context.Background(), "car_1", "Car", stream.AnyVersion,
		stream.PendingEvent{EventType: "car.moved", Data: []byte(`{"carId":"car_1","km":3}`)},
		stream.PendingEvent{EventType: "car.moved", Data: []byte(`{"carId":"car_1","km":4}`)},
	)
	require.NoError(t, err)

	// Replaying history through the processor changes nothing.
	require.NoError(t, source.Redeliver(context.Background(), appended))
	assert.Equal(t, []int{3, 4}, model.snapshot())
}
