package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/channelmesh/topicbus/contracts"
	"github.com/channelmesh/topicbus/internal/routing"
)

func openTestJournal(t *testing.T, dir string) *QueueJournal {
	t.Helper()
	j, err := Open(dir, "q1", WithNoSync())
	require.NoError(t, err)
	return j
}

func TestJournalReplay(t *testing.T) {
	t.Run("empty journal replays nothing", func(t *testing.T) {
		j := openTestJournal(t, t.TempDir())
		defer j.Close()

		messages, err := j.Replay()
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("unacked enqueues survive in order", func(t *testing.T) {
		dir := t.TempDir()
		j := openTestJournal(t, dir)

		m1 := contracts.NewMessage("llm.prompt", []byte("one"))
		m2 := contracts.NewMessage("llm.response", []byte("two"))
		m3 := contracts.NewMessage("artifact.created", []byte("three"))
		require.NoError(t, j.AppendMessage(m1))
		require.NoError(t, j.AppendMessage(m2))
		require.NoError(t, j.AppendMessage(m3))
		require.NoError(t, j.AppendSettlement(EntryAck, m2.ID))
		require.NoError(t, j.Close())

		reopened := openTestJournal(t, dir)
		defer reopened.Close()

		messages, err := reopened.Replay()
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, m1.ID, messages[0].ID)
		assert.Equal(t, m3.ID, messages[1].ID)
		assert.Equal(t, []byte("one"), messages[0].Payload)
		assert.True(t, messages[0].Persistent)
	})

	t.Run("dead-letter settles like ack", func(t *testing.T) {
		j := openTestJournal(t, t.TempDir())
		defer j.Close()

		m := contracts.NewMessage("a.b", nil)
		require.NoError(t, j.AppendMessage(m))
		require.NoError(t, j.AppendSettlement(EntryDeadLetter, m.ID))

		messages, err := j.Replay()
		require.NoError(t, err)
		assert.Empty(t, messages)
	})

	t.Run("purge wipes earlier enqueues", func(t *testing.T) {
		j := openTestJournal(t, t.TempDir())
		defer j.Close()

		require.NoError(t, j.AppendMessage(contracts.NewMessage("a.b", nil)))
		require.NoError(t, j.Append(Entry{Type: EntryPurge}))
		after := contracts.NewMessage("c.d", nil)
		require.NoError(t, j.AppendMessage(after))

		messages, err := j.Replay()
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, after.ID, messages[0].ID)
	})
}

func TestJournalCompact(t *testing.T) {
	dir := t.TempDir()
	j := openTestJournal(t, dir)

	var live []*contracts.Message
	for i := 0; i < 5; i++ {
		m := contracts.NewMessage("a.b", []byte{byte(i)})
		require.NoError(t, j.AppendMessage(m))
		if i%2 == 0 {
			require.NoError(t, j.AppendSettlement(EntryAck, m.ID))
		} else {
			live = append(live, m)
		}
	}

	require.NoError(t, j.Compact(live))

	messages, err := j.Replay()
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, live[0].ID, messages[0].ID)
	assert.Equal(t, live[1].ID, messages[1].ID)

	// The journal stays usable after the swap.
	require.NoError(t, j.AppendMessage(contracts.NewMessage("c.d", nil)))
	messages, err = j.Replay()
	require.NoError(t, err)
	assert.Len(t, messages, 3)
	require.NoError(t, j.Close())
}

func TestJournalClosed(t *testing.T) {
	j := openTestJournal(t, t.TempDir())
	require.NoError(t, j.Close())
	require.NoError(t, j.Close()) // idempotent

	assert.ErrorIs(t, j.AppendMessage(contracts.NewMessage("a.b", nil)), ErrJournalClosed)
	_, err := j.Replay()
	assert.ErrorIs(t, err, ErrJournalClosed)
}

func TestSnapshot(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		dir := t.TempDir()
		s := &Snapshot{
			Exchanges: []ExchangeRecord{{Name: "events", Durable: true}},
			Queues: []QueueRecord{{
				Name:         "q1",
				Durable:      true,
				TTLMillis:    5000,
				MaxLength:    100,
				DeadLetterTo: "q1.dlq",
			}},
			Bindings: []routing.Binding{{Exchange: "events", Pattern: "llm.#", Queue: "q1"}},
		}
		require.NoError(t, SaveSnapshot(dir, s))

		loaded, err := LoadSnapshot(dir)
		require.NoError(t, err)
		assert.Equal(t, s.Exchanges, loaded.Exchanges)
		assert.Equal(t, s.Queues, loaded.Queues)
		assert.Equal(t, s.Bindings, loaded.Bindings)
		assert.False(t, loaded.SavedAt.IsZero())
	})

	t.Run("missing snapshot is empty", func(t *testing.T) {
		loaded, err := LoadSnapshot(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, loaded.Exchanges)
		assert.Empty(t, loaded.Queues)
		assert.Empty(t, loaded.Bindings)
	})
}
