package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessBus_PublishAndReadTail(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	cursor1, err := b.Publish(ctx, "chat:conv-1", "id-1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "1", cursor1)

	_, err = b.Publish(ctx, "chat:conv-1", "id-2", []byte("world"))
	require.NoError(t, err)

	msgs, err := b.Read(ctx, "chat:conv-1", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
	assert.Equal(t, []byte("world"), msgs[1].Payload)
}

func TestInProcessBus_ReadTailHonorsCursor(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	cursor1, _ := b.Publish(ctx, "chat:conv-1", "id-1", []byte("hello"))
	_, _ = b.Publish(ctx, "chat:conv-1", "id-2", []byte("world"))

	msgs, err := b.Read(ctx, "chat:conv-1", cursor1, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("world"), msgs[0].Payload)
}

func TestInProcessBus_ReadEmptyTopicReturnsNoneImmediately(t *testing.T) {
	b := New(nil)
	msgs, err := b.Read(context.Background(), "chat:nothing", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestInProcessBus_InvalidCursorErrors(t *testing.T) {
	b := New(nil)
	_, err := b.Read(context.Background(), "chat:conv-1", "not-a-number", 10, 0)
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestInProcessBus_BlockingReadWakesOnPublish(t *testing.T) {
	store := NewStore()
	reader := NewView(store, nil)
	writer := NewView(store, nil)
	ctx := context.Background()

	done := make(chan []Message, 1)
	go func() {
		msgs, err := reader.Read(ctx, "chat:conv-1", "", 10, 2000)
		require.NoError(t, err)
		done <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := writer.Publish(ctx, "chat:conv-1", "id-1", []byte("hi"))
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte("hi"), msgs[0].Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking read did not wake up after publish")
	}
}

func TestInProcessBus_BlockingReadTimesOutWhenEmpty(t *testing.T) {
	b := New(nil)
	start := time.Now()
	msgs, err := b.Read(context.Background(), "chat:conv-1", "", 10, 100)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestInProcessBus_GroupModeDeliversOnceAndRequiresAck(t *testing.T) {
	store := NewStore()
	groupA := NewView(store, &GroupOptions{Group: "workers", Consumer: "c1"})
	writer := NewView(store, nil)
	ctx := context.Background()

	_, err := writer.Publish(ctx, "chat:DevAgent", "id-1", []byte("task"))
	require.NoError(t, err)

	msgs, err := groupA.Read(ctx, "chat:DevAgent", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Re-reading before Ack returns nothing new (delivered, not yet redelivered).
	msgs2, err := groupA.Read(ctx, "chat:DevAgent", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs2)

	require.NoError(t, groupA.Ack(ctx, "chat:DevAgent", msgs[0].Cursor))
}

func TestInProcessBus_MultipleGroupsEachSeeAllEntries(t *testing.T) {
	store := NewStore()
	groupA := NewView(store, &GroupOptions{Group: "a", Consumer: "c1"})
	groupB := NewView(store, &GroupOptions{Group: "b", Consumer: "c1"})
	writer := NewView(store, nil)
	ctx := context.Background()

	_, err := writer.Publish(ctx, "chat:DevAgent", "id-1", []byte("task"))
	require.NoError(t, err)

	msgsA, err := groupA.Read(ctx, "chat:DevAgent", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgsA, 1)

	msgsB, err := groupB.Read(ctx, "chat:DevAgent", "", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgsB, 1)
}

func TestInProcessBus_AckIsNoOpOutsideGroupMode(t *testing.T) {
	b := New(nil)
	assert.NoError(t, b.Ack(context.Background(), "chat:conv-1", "1"))
}
