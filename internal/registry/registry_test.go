package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/battleship-rooms/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type delivered struct {
	To    string
	Event Event
}

// recorder is a Notifier that keeps everything it is given.
type recorder struct {
	mu     sync.Mutex
	events []delivered
}

func (r *recorder) Notify(to string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, delivered{To: to, Event: ev})
}

func (r *recorder) to(conn string, kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, d := range r.events {
		if d.To == conn && d.Event.Kind == kind {
			out = append(out, d.Event)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *recorder) {
	t.Helper()
	rec := &recorder{}
	if opts.Notifier == nil {
		opts.Notifier = rec
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = -1
	}
	opts.Logger = zaptest.NewLogger(t)
	r := New(context.Background(), opts)
	t.Cleanup(r.Close)
	return r, rec
}

func register(t *testing.T, r *Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, r.Register(context.Background(), id))
	}
}

func TestRegistry_CreateThenJoin_PairsRoomAndNotifiesHostOnce(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRegistry(t, Options{})
	register(t, r, "host", "guest")

	created, err := r.CreateRoom(ctx, "", "Ahab", "host")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, created.Status)
	_, err = protocol.ValidateCode(created.Code)
	require.NoError(t, err, "drawn code must be well formed")

	joined, err := r.JoinRoom(ctx, created.Code, "Ishmael", "guest")
	require.NoError(t, err)
	assert.Equal(t, StatusPaired, joined.Status)
	assert.Equal(t, "Ahab", joined.Host.Name)
	require.NotNil(t, joined.Guest)
	assert.Equal(t, "Ishmael", joined.Guest.Name)
	assert.Equal(t, 2, joined.Members())

	pushes := rec.to("host", EventPlayerJoined)
	require.Len(t, pushes, 1)
	assert.Equal(t, "Ishmael", pushes[0].Player.Name)
	assert.Equal(t, "guest", pushes[0].Player.ConnectionID)

	assert.Len(t, rec.to("host", EventRoomCreated), 1)
	assert.Len(t, rec.to("guest", EventRoomJoined), 1)
	assert.Empty(t, rec.to("guest", EventPlayerJoined), "the joiner is not told about itself")

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Rooms: 1, Paired: 1, Connections: 2}, stats)
}

func TestRegistry_JoinUnknownCode_NotFoundWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRegistry(t, Options{})
	register(t, r, "c")

	_, err := r.JoinRoom(ctx, "ZZZZZZ", "Queequeg", "c")
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = r.Room(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Rooms)

	failures := rec.to("c", EventJoinFailed)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].Err, ErrRoomNotFound)
}

func TestRegistry_JoinPairedRoom_IsFull(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})
	register(t, r, "h", "g1", "g2")

	room, err := r.CreateRoom(ctx, "ABC123", "Ahab", "h")
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, room.Code, "Starbuck", "g1")
	require.NoError(t, err)

	_, err = r.JoinRoom(ctx, room.Code, "Stubb", "g2")
	require.ErrorIs(t, err, ErrRoomFull)

	after, err := r.Room(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Members())
	assert.Equal(t, "Starbuck", after.Guest.Name)
}

func TestRegistry_CodesAreCaseInsensitive(t *testing.T) {
	for _, joinWith := range []string{"ABC123", "abc123", "aBc123"} {
		t.Run(joinWith, func(t *testing.T) {
			ctx := context.Background()
			r, _ := newTestRegistry(t, Options{})
			register(t, r, "h", "g")

			_, err := r.CreateRoom(ctx, "ABC123", "Ahab", "h")
			require.NoError(t, err)

			room, err := r.JoinRoom(ctx, joinWith, "Ishmael", "g")
			require.NoError(t, err)
			assert.Equal(t, "ABC123", room.Code)
			assert.Equal(t, StatusPaired, room.Status)
		})
	}
}

func TestRegistry_ConcurrentJoins_ExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})
	register(t, r, "h")

	room, err := r.CreateRoom(ctx, "", "Ahab", "h")
	require.NoError(t, err)

	const joiners = 16
	for i := range joiners {
		register(t, r, fmt.Sprintf("g%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, joiners)
	for i := range joiners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.JoinRoom(ctx, room.Code, fmt.Sprintf("P%d", i), fmt.Sprintf("g%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrRoomFull):
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	after, err := r.Room(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusPaired, after.Status)
	assert.Equal(t, 2, after.Members())
}

func TestRegistry_ReleaseWaitingHost_FreesCode(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})
	register(t, r, "h1", "h2")

	_, err := r.CreateRoom(ctx, "ABC123", "Ahab", "h1")
	require.NoError(t, err)

	_, err = r.CreateRoom(ctx, "ABC123", "Flask", "h2")
	require.ErrorIs(t, err, ErrDuplicateCode)

	require.NoError(t, r.ReleaseConnection(ctx, "h1"))

	room, err := r.CreateRoom(ctx, "abc123", "Flask", "h2")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", room.Code)
	assert.Equal(t, "h2", room.Host.ConnectionID)
}

func TestRegistry_OpenRoom_TreatsCodeAsHint(t *testing.T) {
	ctx := context.Background()
	draws := []string{"ABC123", "ABC123", "QWE789"}
	var mu sync.Mutex
	codes := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := draws[0]
		draws = draws[1:]
		return c, nil
	}
	r, _ := newTestRegistry(t, Options{Codes: codes})
	register(t, r, "h1", "h2", "h3")

	first, err := r.OpenRoom(ctx, "xk9p2q", "Ahab", "h1")
	require.NoError(t, err)
	assert.Equal(t, "XK9P2Q", first.Code, "a free, well-formed hint is honoured")

	second, err := r.OpenRoom(ctx, "XK9P2Q", "Flask", "h2")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", second.Code, "a taken hint is replaced by a drawn code")

	third, err := r.OpenRoom(ctx, "not a code", "Stubb", "h3")
	require.NoError(t, err)
	assert.Equal(t, "QWE789", third.Code, "collisions while drawing are redrawn")
}

func TestRegistry_CodeSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRegistry(t, Options{
		Codes:        func() (string, error) { return "AAAAAA", nil },
		MaxCodeDraws: 3,
	})
	register(t, r, "h1", "h2")

	_, err := r.CreateRoom(ctx, "", "Ahab", "h1")
	require.NoError(t, err)

	_, err = r.CreateRoom(ctx, "", "Flask", "h2")
	require.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.Len(t, rec.to("h2", EventCreateFailed), 1)
}

func TestRegistry_Validation(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRegistry(t, Options{})
	register(t, r, "h")

	_, err := r.CreateRoom(ctx, "", "   ", "h")
	require.ErrorIs(t, err, protocol.ErrValidation)

	_, err = r.CreateRoom(ctx, "AB", "Ahab", "h")
	require.ErrorIs(t, err, protocol.ErrInvalidCode)

	assert.Len(t, rec.to("h", EventCreateFailed), 2)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Rooms)
}

func TestRegistry_ConnectionMustBeRegisteredAndFree(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Options{})

	_, err := r.CreateRoom(ctx, "", "Ahab", "ghost")
	require.ErrorIs(t, err, ErrUnknownConnection)

	register(t, r, "h")
	room, err := r.CreateRoom(ctx, "", "Ahab", "h")
	require.NoError(t, err)

	_, err = r.CreateRoom(ctx, "", "Ahab", "h")
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
	_, err = r.JoinRoom(ctx, room.Code, "Ahab", "h")
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	// After release the connection is gone, so a late request cannot
	// leave a room behind.
	require.NoError(t, r.ReleaseConnection(ctx, "h"))
	_, err = r.CreateRoom(ctx, "", "Ahab", "h")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestRegistry_PairedRoomSurvivesDisconnectAndResumes(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRegistry(t, Options{})
	register(t, r, "h", "g1")

	room, err := r.CreateRoom(ctx, "", "Ahab", "h")
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, room.Code, "Ishmael", "g1")
	require.NoError(t, err)

	require.NoError(t, r.ReleaseConnection(ctx, "g1"))

	kept, err := r.Room(ctx, room.Code)
	require.NoError(t, err, "paired rooms are not deleted on disconnect")
	assert.Equal(t, StatusPaired, kept.Status)
	assert.False(t, kept.Guest.Connected)
	assert.True(t, kept.Host.Connected)

	left := rec.to("h", EventPlayerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "Ishmael", left[0].Player.Name)

	register(t, r, "stranger", "g2")
	_, err = r.JoinRoom(ctx, room.Code, "Stranger", "stranger")
	require.ErrorIs(t, err, ErrRoomFull, "a held slot is only given back to its owner")

	resumed, err := r.JoinRoom(ctx, room.Code, "Ishmael", "g2")
	require.NoError(t, err)
	assert.Equal(t, "g2", resumed.Guest.ConnectionID)
	assert.True(t, resumed.Guest.Connected)

	joinedPushes := rec.to("h", EventPlayerJoined)
	require.Len(t, joinedPushes, 2)
	assert.Equal(t, "g2", joinedPushes[1].Player.ConnectionID)
}

func TestRegistry_HostResumesPairedRoom(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRegistry(t, Options{})
	register(t, r, "h1", "g")

	room, err := r.CreateRoom(ctx, "", "Ahab", "h1")
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, room.Code, "Ishmael", "g")
	require.NoError(t, err)
	require.NoError(t, r.ReleaseConnection(ctx, "h1"))

	register(t, r, "h2")
	resumed, err := r.JoinRoom(ctx, room.Code, "Ahab", "h2")
	require.NoError(t, err)
	assert.Equal(t, "h2", resumed.Host.ConnectionID)

	back := rec.to("g", EventPlayerJoined)
	require.Len(t, back, 1)
	assert.Equal(t, "Ahab", back[0].Player.Name)
}

func TestRegistry_SweepReclaimsIdleDegradedRooms(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	r, rec := newTestRegistry(t, Options{IdleTimeout: time.Minute, Now: clock.Now})
	register(t, r, "h", "g", "lonely")

	paired, err := r.CreateRoom(ctx, "", "Ahab", "h")
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, paired.Code, "Ishmael", "g")
	require.NoError(t, err)
	require.NoError(t, r.ReleaseConnection(ctx, "g"))

	waiting, err := r.CreateRoom(ctx, "", "Flask", "lonely")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	n, err := r.SweepNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not idle long enough")

	clock.Advance(time.Minute)
	n, err = r.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.Room(ctx, paired.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = r.Room(ctx, waiting.Code)
	assert.NoError(t, err, "a waiting room with its host online is never swept")

	closed := rec.to("h", EventRoomClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, paired.Code, closed[0].Room.Code)

	// The host is free again after its room was reclaimed.
	_, err = r.CreateRoom(ctx, "", "Ahab", "h")
	assert.NoError(t, err)
}

func TestRegistry_ClosedRejectsCalls(t *testing.T) {
	r := New(context.Background(), Options{SweepInterval: -1, Logger: zaptest.NewLogger(t)})
	r.Close()

	err := r.Register(context.Background(), "c")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = r.JoinRoom(context.Background(), "ABC123", "x", "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_HostSeesCreatedBeforePlayerJoined(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRegistry(t, Options{})
	register(t, r, "h", "g")

	room, err := r.CreateRoom(ctx, "", "Ahab", "h")
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, room.Code, "Ishmael", "g")
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var kinds []EventKind
	for _, d := range rec.events {
		if d.To == "h" {
			kinds = append(kinds, d.Event.Kind)
		}
	}
	assert.Equal(t, []EventKind{EventRoomCreated, EventPlayerJoined}, kinds)
}

func TestIsLifecycleError(t *testing.T) {
	assert.True(t, IsLifecycleError(ErrRoomFull))
	assert.True(t, IsLifecycleError(fmt.Errorf("join: %w", ErrRoomNotFound)))
	assert.False(t, IsLifecycleError(ErrClosed))
	assert.False(t, IsLifecycleError(protocol.ErrInvalidName))
}
