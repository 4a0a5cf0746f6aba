package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Write(context.Context, Record) error { f.calls++; return errors.New("down") }
func (f *failingSink) Close() error { return nil }

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func TestSessionWritesRowsInOrder(t *testing.T) {
	mem := &MemorySink{}
	l := New(Config{}, []Sink{mem}, nil)
	s := l.Session(SessionInfo{SessionID: "CA1", CustomerID: "1492", UserSessionID: "u-9"})

	s.User("What time do you open?")
	s.Assistant("We open at nine.", 21)
	s.System("Please hold.")
	s.Event(Event{Name: "session_state", From: "ACTIVE", To: "SETTLING"})
	wrote, err := s.Finalize(context.Background(), Final{State: "ENDED", CreditsCharged: 21})
	require.NoError(t, err)
	require.True(t, wrote)
	require.NoError(t, l.Close())

	recs := mem.Records()
	require.Len(t, recs, 5)
	user := recs[0].Line
	assert.Equal(t, "CA1", user.ConversationID)
	assert.Equal(t, "u-9", user.UserSessionID)
	assert.True(t, user.IsQuestion)
	assert.Equal(t, 22, user.CharacterCount)
	assert.Equal(t, ChatNormal, user.ChatType)

	bot := recs[1].Line
	assert.False(t, bot.IsQuestion)
	assert.Equal(t, int64(21), bot.Credits)
	assert.Equal(t, ChatSystem, recs[2].Line.ChatType)
	assert.Equal(t, KindEvent, recs[3].Kind)
	assert.Equal(t, KindFinal, recs[4].Kind)
	assert.Equal(t, "1492", recs[4].Final.CustomerID)
}

func TestFinalizeOnlyOnce(t *testing.T) {
	mem := &MemorySink{}
	l := New(Config{}, []Sink{mem}, nil)
	s := l.Session(SessionInfo{SessionID: "CA2"})

	var wg sync.WaitGroup
	var wins sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := s.Finalize(context.Background(), Final{State: "ENDED"})
			if ok {
				wins.Store(i, true)
			}
		}(i)
	}
	wg.Wait()
	s.User("too late")
	require.NoError(t, l.Close())

	n := 0
	wins.Range(func(any, any) bool { n++; return true })
	assert.Equal(t, 1, n)
	assert.Len(t, mem.Finals(), 1)
	assert.Len(t, mem.Records(), 1)
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &failingSink{}
	mem := &MemorySink{}
	l := New(Config{}, []Sink{bad, mem}, nil)
	s := l.Session(SessionInfo{SessionID: "CA3"})
	s.User("hello")
	_, err := s.Finalize(context.Background(), Final{})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, 2, bad.calls)
	assert.Len(t, mem.Records(), 2)
}

func TestClosedLoggerRejectsFinal(t *testing.T) {
	l := New(Config{}, nil, nil)
	require.NoError(t, l.Close())
	s := l.Session(SessionInfo{SessionID: "CA4"})
	s.User("ignored")
	_, err := s.Finalize(context.Background(), Final{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKafkaSinkKeysBySession(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	require.NoError(t, sink.Write(context.Background(), Record{Kind: KindLine, SessionID: "CA5", Line: &Line{Chat: "hi"}}))
	require.NoError(t, sink.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "CA5", string(w.msgs[0].Key))
	assert.Equal(t, "line", string(w.msgs[0].Headers[0].Value))
	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, "hi", rec.Line.Chat)
	assert.True(t, w.closed)
}

type recordingStore struct {
	lines  []Line
	events []Event
	finals []Final
}

func (r *recordingStore) AppendTranscript(_ context.Context, l Line) error {
	r.lines = append(r.lines, l)
	return nil
}

func (r *recordingStore) AppendEvent(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingStore) FinalizeSession(_ context.Context, f Final) error {
	r.finals = append(r.finals, f)
	return nil
}

func TestStoreSinkRoutesByKind(t *testing.T) {
	st := &recordingStore{}
	sink := NewStoreSink(st)
	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, Record{Kind: KindLine, Line: &Line{Chat: "a"}}))
	require.NoError(t, sink.Write(ctx, Record{Kind: KindEvent, Event: &Event{Name: "x"}}))
	require.NoError(t, sink.Write(ctx, Record{Kind: KindFinal, Final: &Final{State: "ENDED"}}))
	assert.Error(t, sink.Write(ctx, Record{Kind: "bogus"}))
	assert.Len(t, st.lines, 1)
	assert.Len(t, st.events, 1)
	assert.Len(t, st.finals, 1)
}
