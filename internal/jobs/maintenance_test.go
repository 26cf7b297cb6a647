package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/services"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

type countingLocker struct {
	calls int
	fail  error
}

func (l *countingLocker) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(context.Context) error) error {
	l.calls++
	if l.fail != nil {
		return l.fail
	}
	return fn(ctx)
}

func seedThread(t *testing.T, store *storage.MemoryStore, phone string, lastMessage time.Time) *models.Thread {
	t.Helper()
	ctx := context.Background()
	contact := &models.Contact{Phone: phone, Name: "Cliente"}
	require.NoError(t, store.CreateContact(ctx, contact))
	thread := &models.Thread{
		ContactID:       contact.ID,
		ChannelThreadID: services.ContactChannelID(phone),
		Queue:           models.QueueArrival,
		Status:          models.ThreadStatusOpen,
		ChatType:        models.ChatTypeDirect,
		LastMessageAt:   &lastMessage,
	}
	require.NoError(t, store.CreateThread(ctx, thread))
	return thread
}

func TestRunOnceArchivesInactiveThreads(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := storage.NewMemoryStore()
	stale := seedThread(t, store, "5511988887777", now.Add(-31*24*time.Hour))
	active := seedThread(t, store, "5511977776666", now.Add(-time.Hour))

	recorder := &events.Recorder{}
	queue := services.NewQueueService(store, recorder, zerolog.Nop()).WithClock(clock)
	usage := services.NewUsageTracker(store, 24*time.Hour).WithClock(clock)
	locker := &countingLocker{}

	job := NewMaintenanceJob(queue, usage, locker, MaintenanceOptions{}, zerolog.Nop()).WithClock(clock)
	require.NoError(t, job.RunOnce(ctx))
	assert.Equal(t, 1, locker.calls)

	archived, err := store.GetThread(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueConcluidos, archived.Queue)
	assert.Equal(t, models.ThreadStatusClosed, archived.Status)

	kept, err := store.GetThread(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueArrival, kept.Queue)
	assert.Equal(t, []string{events.ThreadClosed}, recorder.Types())
}

func TestRunOnceSkipsWhenLockIsHeld(t *testing.T) {
	store := storage.NewMemoryStore()
	seedThread(t, store, "5511988887777", time.Now().Add(-60*24*time.Hour))
	queue := services.NewQueueService(store, nil, zerolog.Nop())
	locker := &countingLocker{fail: errors.New("lock already taken")}

	job := NewMaintenanceJob(queue, nil, locker, MaintenanceOptions{}, zerolog.Nop())
	assert.Error(t, job.RunOnce(context.Background()))

	counts, err := store.CountThreadsByQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.QueueArrival])
}

func TestStartValidatesSchedule(t *testing.T) {
	queue := services.NewQueueService(storage.NewMemoryStore(), nil, zerolog.Nop())

	bad := NewMaintenanceJob(queue, nil, nil, MaintenanceOptions{Schedule: "every day"}, zerolog.Nop())
	assert.Error(t, bad.Start())

	good := NewMaintenanceJob(queue, nil, nil, MaintenanceOptions{Schedule: "0 3 * * *"}, zerolog.Nop())
	require.NoError(t, good.Start())
	require.NoError(t, good.Start())
	good.Stop()
	good.Stop()
}
