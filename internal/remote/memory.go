package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// ErrOffline is the transient failure returned by Memory while offline.
var ErrOffline = errors.New("remote: offline")

// Memory is an in-memory Store used by tests and local runs. It honors the
// collaborator contract: idempotent writes keyed by the client's key,
// at-least-once subscription delivery, and opaque backward cursors.
type Memory struct {
	mu       sync.Mutex
	online   bool
	writeErr error
	seq      int64
	byConv   map[string][]Record
	byKey    map[string]Ack // conversationID + "\x00" + idempotencyKey
	subs     map[int]*memorySub
	nextSub  int
}

type memorySub struct {
	conversationID string
	ch             chan Batch
}

// NewMemory creates an empty in-memory remote store, initially online.
func NewMemory() *Memory {
	return &Memory{
		online: true,
		byConv: make(map[string][]Record),
		byKey:  make(map[string]Ack),
		subs:   make(map[int]*memorySub),
	}
}

// SetOnline toggles simulated connectivity. Writes and queries fail with
// ErrOffline while offline; subscriptions stay open but deliver nothing.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
}

// SetWriteError forces subsequent writes to fail with err. Pass nil to clear.
func (m *Memory) SetWriteError(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Write stores a record and fans it out to subscribers. Repeated writes with
// the same idempotency key return the original acknowledgment.
func (m *Memory) Write(_ context.Context, conversationID string, rec Record, idempotencyKey string) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return Ack{}, ErrOffline
	}
	if m.writeErr != nil {
		return Ack{}, m.writeErr
	}
	return m.append(conversationID, rec, idempotencyKey), nil
}

// append stores a record under the lock and notifies subscribers.
func (m *Memory) append(conversationID string, rec Record, idempotencyKey string) Ack {
	if idempotencyKey != "" {
		if ack, ok := m.byKey[conversationID+"\x00"+idempotencyKey]; ok {
			return ack
		}
	}

	m.seq++
	rec.RemoteID = fmt.Sprintf("r-%d", m.seq)
	rec.ClientID = idempotencyKey
	rec.ConversationID = conversationID
	rec.CreatedAtServer = m.seq * 1000
	m.byConv[conversationID] = append(m.byConv[conversationID], rec)

	ack := Ack{RemoteID: rec.RemoteID, CreatedAtServer: rec.CreatedAtServer}
	if idempotencyKey != "" {
		m.byKey[conversationID+"\x00"+idempotencyKey] = ack
	}

	m.fanOut(conversationID, []Record{rec})
	return ack
}

func (m *Memory) fanOut(conversationID string, recs []Record) {
	cursor := strconv.Itoa(len(m.byConv[conversationID]))
	for _, sub := range m.subs {
		if sub.conversationID == conversationID {
			select {
			case sub.ch <- Batch{Records: recs, Cursor: cursor}:
			default:
			}
		}
	}
}

// Deliver injects a record as if another participant had written it,
// bypassing the offline switch. Test hook; returns the stored record.
func (m *Memory) Deliver(conversationID string, rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	ack := m.append(conversationID, rec, rec.ClientID)
	rec.RemoteID = ack.RemoteID
	rec.CreatedAtServer = ack.CreatedAtServer
	rec.ConversationID = conversationID
	return rec
}

// Redeliver re-sends an already-stored record to current subscribers,
// simulating at-least-once duplicate delivery. Test hook.
func (m *Memory) Redeliver(conversationID, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.byConv[conversationID] {
		if rec.RemoteID == remoteID {
			m.fanOut(conversationID, []Record{rec})
			return
		}
	}
}

// Subscribe streams batches for a conversation, replaying everything after
// sinceCursor first, then live writes, until ctx is cancelled.
func (m *Memory) Subscribe(ctx context.Context, conversationID, sinceCursor string) (<-chan Batch, error) {
	m.mu.Lock()
	since := 0
	if sinceCursor != "" {
		n, err := strconv.Atoi(sinceCursor)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("bad cursor %q: %w", sinceCursor, err)
		}
		since = n
	}

	ch := make(chan Batch, 64)
	log := m.byConv[conversationID]
	if since < len(log) {
		backlog := append([]Record(nil), log[since:]...)
		ch <- Batch{Records: backlog, Cursor: strconv.Itoa(len(log))}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = &memorySub{conversationID: conversationID, ch: ch}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// QueryPage pages backward through a conversation's history. An empty
// beforeCursor starts from the newest record.
func (m *Memory) QueryPage(_ context.Context, conversationID, beforeCursor string, limit int) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return Page{}, ErrOffline
	}
	if limit <= 0 {
		limit = 50
	}

	log := m.byConv[conversationID]
	end := len(log)
	if beforeCursor != "" {
		n, err := strconv.Atoi(beforeCursor)
		if err != nil || n < 0 || n > len(log) {
			return Page{}, fmt.Errorf("bad cursor %q", beforeCursor)
		}
		end = n
	}

	start := end - limit
	if start < 0 {
		start = 0
	}
	page := Page{Records: append([]Record(nil), log[start:end]...)}
	if start > 0 {
		page.NextCursor = strconv.Itoa(start)
	}
	return page, nil
}
