package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countMessages(t *testing.T, db *DB, conversationID string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestUpsertInsertUpdatesConversation(t *testing.T) {
	db := testDB(t)

	res, err := db.UpsertMessage(&Message{
		LocalID:         "l1",
		RemoteID:        "r1",
		ConversationID:  "c1",
		SenderID:        "alice",
		Body:            "hello there",
		CreatedAtClient: 1000,
		CreatedAtServer: 1500,
		SyncStatus:      StatusSent,
	}, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Inserted {
		t.Error("expected Inserted=true")
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessagePreview != "hello there" {
		t.Errorf("preview = %q, want %q", conv.LastMessagePreview, "hello there")
	}
	if conv.LastActivityAt != 1500 {
		t.Errorf("last_activity_at = %d, want 1500", conv.LastActivityAt)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (message from alice, viewer bob)", conv.UnreadCount)
	}
}

func TestUpsertOwnMessageDoesNotBumpUnread(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertMessage(&Message{
		LocalID: "l1", ConversationID: "c1", SenderID: "bob",
		Body: "mine", CreatedAtClient: 1000,
	}, "bob"); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own message", conv.UnreadCount)
	}
}

func TestUpsertIdempotentOnRemoteID(t *testing.T) {
	db := testDB(t)

	rec := &Message{
		RemoteID: "r1", ConversationID: "c1", SenderID: "alice",
		Body: "hi", CreatedAtClient: 1000, CreatedAtServer: 1000, SyncStatus: StatusSent,
	}
	for i := 0; i < 3; i++ {
		m := *rec
		m.LocalID = "generated-" + string(rune('a'+i))
		if _, err := db.UpsertMessage(&m, "bob"); err != nil {
			t.Fatal(err)
		}
	}

	if n := countMessages(t, db, "c1"); n != 1 {
		t.Fatalf("got %d rows, want 1 (idempotent on remote_id)", n)
	}
	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1 (duplicates must not double count)", conv.UnreadCount)
	}
}

func TestUpsertAcknowledgesLocalRow(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertMessage(&Message{
		LocalID: "l1", ConversationID: "c1", SenderID: "bob",
		Body: "optimistic", CreatedAtClient: 1000, SyncStatus: StatusPending,
	}, "bob"); err != nil {
		t.Fatal(err)
	}

	// The listener echoes the write back with server identity.
	res, err := db.UpsertMessage(&Message{
		LocalID: "l1", RemoteID: "r1", ConversationID: "c1", SenderID: "bob",
		CreatedAtServer: 2000, SyncStatus: StatusSent,
	}, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted {
		t.Error("ack must merge, not insert")
	}
	if !res.Acked {
		t.Error("expected Acked=true when remote id attaches")
	}

	if n := countMessages(t, db, "c1"); n != 1 {
		t.Fatalf("got %d rows, want 1 (no duplicate from echo)", n)
	}
	msg, err := db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.RemoteID != "r1" || msg.CreatedAtServer != 2000 || msg.SyncStatus != StatusSent {
		t.Errorf("merged row = %+v", msg)
	}
	if msg.Body != "optimistic" {
		t.Errorf("body = %q, want original body preserved", msg.Body)
	}
}

func TestRemoteIDSetOnce(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertMessage(&Message{
		LocalID: "l1", RemoteID: "r1", ConversationID: "c1", SenderID: "a",
		Body: "x", CreatedAtClient: 1, CreatedAtServer: 1, SyncStatus: StatusSent,
	}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpsertMessage(&Message{
		LocalID: "l1", RemoteID: "r2", ConversationID: "c1",
	}, ""); err != nil {
		t.Fatal(err)
	}

	msg, err := db.GetMessage("l1")
	if err != nil {
		t.Fatal(err)
	}
	if msg.RemoteID != "r1" {
		t.Errorf("remote_id = %q, want r1 (immutable once set)", msg.RemoteID)
	}
}

func TestStatusForwardOnly(t *testing.T) {
	tests := []struct {
		old, incoming, want string
	}{
		{StatusPending, StatusSent, StatusSent},
		{StatusSent, StatusPending, StatusSent},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusPending, StatusFailed, StatusFailed},
		{StatusFailed, StatusPending, StatusPending},
		{StatusFailed, StatusSent, StatusSent},
		{StatusSent, StatusFailed, StatusSent},
	}
	for _, tt := range tests {
		if got := mergeStatus(tt.old, tt.incoming); got != tt.want {
			t.Errorf("mergeStatus(%s, %s) = %s, want %s", tt.old, tt.incoming, got, tt.want)
		}
	}
}

func TestMarkStatusRespectsForwardRule(t *testing.T) {
	db := testDB(t)
	if _, err := db.UpsertMessage(&Message{
		LocalID: "l1", ConversationID: "c1", SenderID: "bob",
		Body: "x", CreatedAtClient: 1, SyncStatus: StatusSent,
	}, ""); err != nil {
		t.Fatal(err)
	}

	got, err := db.MarkStatus("l1", StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if got != StatusSent {
		t.Errorf("MarkStatus(sent -> pending) = %s, want sent", got)
	}

	if _, err := db.MarkStatus("missing", StatusSent); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesOrdering(t *testing.T) {
	db := testDB(t)

	// Two acknowledged messages and one pending with an older client clock.
	seed := []*Message{
		{LocalID: "a", RemoteID: "r1", ConversationID: "c1", SenderID: "x", Body: "first", CreatedAtClient: 100, CreatedAtServer: 1000, SyncStatus: StatusSent},
		{LocalID: "b", RemoteID: "r2", ConversationID: "c1", SenderID: "x", Body: "second", CreatedAtClient: 200, CreatedAtServer: 2000, SyncStatus: StatusSent},
		{LocalID: "p", ConversationID: "c1", SenderID: "x", Body: "pending", CreatedAtClient: 150, SyncStatus: StatusPending},
	}
	for _, m := range seed {
		if _, err := db.UpsertMessage(m, ""); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("c1", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	// Newest-first: pending trails all acknowledged in display order, so it
	// comes first here.
	if msgs[0].LocalID != "p" || msgs[1].LocalID != "b" || msgs[2].LocalID != "a" {
		t.Errorf("order = %s,%s,%s, want p,b,a", msgs[0].LocalID, msgs[1].LocalID, msgs[2].LocalID)
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)

	for i := 1; i <= 5; i++ {
		if _, err := db.UpsertMessage(&Message{
			LocalID: string(rune('a' + i)), RemoteID: string(rune('A' + i)),
			ConversationID: "c1", SenderID: "x", Body: "m",
			CreatedAtClient: int64(i * 10), CreatedAtServer: int64(i * 100), SyncStatus: StatusSent,
		}, ""); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := db.ListMessages("c1", nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 = %d messages, want 2", len(page1))
	}
	page2, err := db.ListMessages("c1", &page1[len(page1)-1], 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 3 {
		t.Fatalf("page2 = %d messages, want 3", len(page2))
	}
	if page1[0].SortKey() != 500 || page2[0].SortKey() != 300 {
		t.Errorf("unexpected keys: page1[0]=%d page2[0]=%d", page1[0].SortKey(), page2[0].SortKey())
	}
}

func TestListMessagesTiedTimestampsAcrossPages(t *testing.T) {
	db := testDB(t)

	// Two messages share a server millisecond; walking one row at a time
	// must still visit every message exactly once.
	seed := []*Message{
		{LocalID: "a", RemoteID: "r1", ConversationID: "c1", SenderID: "x", Body: "m", CreatedAtClient: 1, CreatedAtServer: 1000, SyncStatus: StatusSent},
		{LocalID: "b", RemoteID: "r2", ConversationID: "c1", SenderID: "x", Body: "m", CreatedAtClient: 2, CreatedAtServer: 2000, SyncStatus: StatusSent},
		{LocalID: "c", RemoteID: "r3", ConversationID: "c1", SenderID: "x", Body: "m", CreatedAtClient: 3, CreatedAtServer: 2000, SyncStatus: StatusSent},
	}
	for _, m := range seed {
		if _, err := db.UpsertMessage(m, ""); err != nil {
			t.Fatal(err)
		}
	}

	var walked []string
	var cursor *Message
	for {
		page, err := db.ListMessages("c1", cursor, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		walked = append(walked, page[0].LocalID)
		cursor = &page[0]
	}

	want := []string{"c", "b", "a"}
	if len(walked) != len(want) {
		t.Fatalf("walked %v, want %v", walked, want)
	}
	for i := range want {
		if walked[i] != want[i] {
			t.Fatalf("walked %v, want %v", walked, want)
		}
	}
}

func TestListMessagesTiedPendingTimestamps(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"p1", "p2"} {
		if _, err := db.UpsertMessage(&Message{
			LocalID: id, ConversationID: "c1", SenderID: "x", Body: "m",
			CreatedAtClient: 100, SyncStatus: StatusPending,
		}, ""); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := db.ListMessages("c1", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	page2, err := db.ListMessages("c1", &page1[0], 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 1 || len(page2) != 1 {
		t.Fatalf("pages = %d,%d, want 1,1", len(page1), len(page2))
	}
	if page1[0].LocalID != "p2" || page2[0].LocalID != "p1" {
		t.Errorf("order = %s,%s, want p2,p1", page1[0].LocalID, page2[0].LocalID)
	}
}

func TestCreateOutgoingPersistsBoth(t *testing.T) {
	db := testDB(t)

	if _, err := db.CreateOutgoing(&Message{
		LocalID: "l1", ConversationID: "c1", SenderID: "bob",
		Body: "queued", CreatedAtClient: 1000, SyncStatus: StatusPending,
	}, 1000); err != nil {
		t.Fatal(err)
	}

	if _, err := db.GetMessage("l1"); err != nil {
		t.Fatalf("message missing: %v", err)
	}
	w, err := db.GetPendingWrite("l1")
	if err != nil {
		t.Fatalf("pending write missing: %v", err)
	}
	if w.AttemptCount != 0 || w.ConversationID != "c1" {
		t.Errorf("pending write = %+v", w)
	}
}

func TestPendingWritesLifecycle(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"l1", "l2", "l3"} {
		if _, err := db.CreateOutgoing(&Message{
			LocalID: id, ConversationID: "c1", SenderID: "bob",
			Body: "m", CreatedAtClient: int64(1000 + i), SyncStatus: StatusPending,
		}, 0); err != nil {
			t.Fatal(err)
		}
	}

	writes, err := db.ListPendingWrites()
	if err != nil {
		t.Fatal(err)
	}
	if len(writes) != 3 {
		t.Fatalf("got %d pending writes, want 3", len(writes))
	}

	if err := db.RecordAttemptFailure("l1", 9999, "boom"); err != nil {
		t.Fatal(err)
	}
	w, err := db.GetPendingWrite("l1")
	if err != nil {
		t.Fatal(err)
	}
	if w.AttemptCount != 1 || w.NextAttemptAt != 9999 || w.LastError != "boom" {
		t.Errorf("after failure: %+v", w)
	}

	if err := db.DeletePendingWrite("l2"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetPendingWrite("l2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Re-enqueue resets the attempt counter (manual retry path).
	if err := db.EnqueuePendingWrite("l1", "c1", 0); err != nil {
		t.Fatal(err)
	}
	w, err = db.GetPendingWrite("l1")
	if err != nil {
		t.Fatal(err)
	}
	if w.AttemptCount != 0 || w.LastError != "" {
		t.Errorf("after re-enqueue: %+v", w)
	}
}

func TestConversationListOrder(t *testing.T) {
	db := testDB(t)

	for _, m := range []*Message{
		{LocalID: "a", ConversationID: "c1", SenderID: "x", Body: "old", CreatedAtClient: 1000},
		{LocalID: "b", ConversationID: "c2", SenderID: "x", Body: "new", CreatedAtClient: 2000},
	} {
		if _, err := db.UpsertMessage(m, ""); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "c2" || convs[1].ID != "c1" {
		t.Errorf("order = %s,%s, want c2,c1", convs[0].ID, convs[1].ID)
	}
}

func TestLastActivityMonotonic(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertMessage(&Message{
		LocalID: "new", ConversationID: "c1", SenderID: "x", Body: "newest",
		CreatedAtClient: 100, CreatedAtServer: 5000, SyncStatus: StatusSent,
	}, ""); err != nil {
		t.Fatal(err)
	}
	// A history backfill arriving later must not roll the preview back.
	if _, err := db.UpsertMessage(&Message{
		LocalID: "old", ConversationID: "c1", SenderID: "x", Body: "ancient",
		CreatedAtClient: 50, CreatedAtServer: 1000, SyncStatus: StatusSent,
	}, ""); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastActivityAt != 5000 {
		t.Errorf("last_activity_at = %d, want 5000", conv.LastActivityAt)
	}
	if conv.LastMessagePreview != "newest" {
		t.Errorf("preview = %q, want %q", conv.LastMessagePreview, "newest")
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	db := testDB(t)

	body := strings.Repeat("ü", 60) // 120 bytes, boundary falls mid-rune
	if _, err := db.UpsertMessage(&Message{
		LocalID: "l1", ConversationID: "c1", SenderID: "x", Body: body,
		CreatedAtClient: 1000,
	}, ""); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(conv.LastMessagePreview) {
		t.Errorf("preview is not valid UTF-8: %q", conv.LastMessagePreview)
	}
	if len(conv.LastMessagePreview) == 0 || len(conv.LastMessagePreview) > 100 {
		t.Errorf("preview length = %d bytes", len(conv.LastMessagePreview))
	}
}

func TestMarkConversationRead(t *testing.T) {
	db := testDB(t)

	if _, err := db.UpsertMessage(&Message{
		LocalID: "l1", ConversationID: "c1", SenderID: "alice", Body: "hi",
		CreatedAtClient: 1000, SyncStatus: StatusSent,
	}, "bob"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkConversationRead("c1"); err != nil {
		t.Fatal(err)
	}
	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}
}

func TestUpsertConversationParticipants(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&Conversation{
		ID:             "c1",
		ParticipantIDs: []string{"bob", "alice"},
	}); err != nil {
		t.Fatal(err)
	}

	conv, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.ParticipantIDs) != 2 || conv.ParticipantIDs[0] != "alice" || conv.ParticipantIDs[1] != "bob" {
		t.Errorf("participants = %v, want sorted [alice bob]", conv.ParticipantIDs)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	seed := []*Message{
		{LocalID: "a", ConversationID: "c1", SenderID: "x", Body: "the quick brown fox", CreatedAtClient: 1},
		{LocalID: "b", ConversationID: "c1", SenderID: "x", Body: "lazy dog sleeping", CreatedAtClient: 2},
		{LocalID: "c", ConversationID: "c2", SenderID: "x", Body: "another fox tale", CreatedAtClient: 3},
	}
	for _, m := range seed {
		if _, err := db.UpsertMessage(m, ""); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("fox", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	results, err = db.SearchMessages("fox", "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.LocalID != "a" {
		t.Errorf("scoped search = %+v, want only message a", results)
	}
	if results[0].Snippet == "" {
		t.Error("expected non-empty snippet")
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)

	got, err := db.GetCheckpoint("cursor:c1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("missing checkpoint = %q, want empty", got)
	}

	if err := db.SetCheckpoint("cursor:c1", "5"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("cursor:c1", "9"); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetCheckpoint("cursor:c1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "9" {
		t.Errorf("checkpoint = %q, want 9", got)
	}
}
