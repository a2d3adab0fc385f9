package storage

import (
	"fmt"
	"testing"
	"time"
)

func TestSaveAndGetCompanion(t *testing.T) {
	s := openTestStore(t)

	c := Companion{
		ID:           "c1",
		UserID:       "owner",
		Name:         "Elon",
		Description:  "CEO & founder of Tesla, SpaceX",
		Instructions: "You are Elon Musk.",
		Seed:         "Human: Hi Elon\n\nElon: Hey there",
	}
	if err := s.SaveCompanion(c); err != nil {
		t.Fatalf("SaveCompanion: %v", err)
	}

	got, err := s.GetCompanion("c1")
	if err != nil {
		t.Fatalf("GetCompanion: %v", err)
	}
	if got.Name != c.Name || got.Seed != c.Seed || got.Instructions != c.Instructions {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if got.SourceFile() != "c1.txt" {
		t.Errorf("SourceFile = %q, want c1.txt", got.SourceFile())
	}

	if _, err := s.GetCompanion("nope"); err != ErrNotFound {
		t.Errorf("GetCompanion(nope) = %v, want ErrNotFound", err)
	}
}

func TestListCompanions_Filter(t *testing.T) {
	s := openTestStore(t)

	for i, name := range []string{"Elon", "Einstein", "Ada_Lovelace"} {
		c := Companion{ID: fmt.Sprintf("c%d", i), UserID: "u", Name: name, CategoryID: "science"}
		if name == "Elon" {
			c.CategoryID = "business"
		}
		if err := s.SaveCompanion(c); err != nil {
			t.Fatalf("SaveCompanion: %v", err)
		}
	}

	got, err := s.ListCompanions(CompanionFilter{Name: "e"})
	if err != nil {
		t.Fatalf("ListCompanions: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("name filter 'e' returned %d, want 3", len(got))
	}

	got, err = s.ListCompanions(CompanionFilter{CategoryID: "science"})
	if err != nil {
		t.Fatalf("ListCompanions: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("category filter returned %d, want 2", len(got))
	}

	// Underscore is a LIKE wildcard and must be matched literally.
	got, err = s.ListCompanions(CompanionFilter{Name: "a_l"})
	if err != nil {
		t.Fatalf("ListCompanions: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Ada_Lovelace" {
		t.Errorf("escaped filter returned %+v", got)
	}
}

func saveTestCompanion(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.SaveCompanion(Companion{ID: id, UserID: "owner", Name: "Elon"}); err != nil {
		t.Fatalf("SaveCompanion: %v", err)
	}
}

func TestAppendMessage_OrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	saveTestCompanion(t, s, "c1")

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleSystem
		}
		_, err := s.AppendMessage(Message{
			CompanionID: "c1",
			UserID:      "u1",
			Role:        role,
			Content:     fmt.Sprintf("m%d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}
	// Another user's thread must not leak in.
	if _, err := s.AppendMessage(Message{CompanionID: "c1", UserID: "u2", Role: RoleUser, Content: "other"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	all, err := s.ListMessages("c1", "u1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d messages, want 5", len(all))
	}
	for i, m := range all {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Errorf("all[%d] = %q, want m%d", i, m.Content, i)
		}
	}

	last, err := s.ListMessages("c1", "u1", 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(last) != 2 || last[0].Content != "m3" || last[1].Content != "m4" {
		t.Errorf("limited list = %+v, want m3, m4", last)
	}

	n, err := s.CountMessages("c1")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 6 {
		t.Errorf("CountMessages = %d, want 6", n)
	}
}

func TestAppendMessage_SameMillisecondKeepsInsertOrder(t *testing.T) {
	s := openTestStore(t)
	saveTestCompanion(t, s, "c")

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, content := range []string{"first", "second", "third"} {
		if _, err := s.AppendMessage(Message{CompanionID: "c", UserID: "u", Role: RoleUser, Content: content, CreatedAt: at}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListMessages("c", "u", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 3 || got[0].Content != "first" || got[2].Content != "third" {
		t.Errorf("order = %+v", got)
	}
}

func TestListMessages_TimestampsWithTrailingZeros(t *testing.T) {
	s := openTestStore(t)
	saveTestCompanion(t, s, "c")

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var want []time.Time
	for i, ms := range []int{0, 100, 120, 123} {
		at := base.Add(time.Duration(i)*time.Second + time.Duration(ms)*time.Millisecond)
		want = append(want, at)
		if _, err := s.AppendMessage(Message{CompanionID: "c", UserID: "u", Role: RoleUser, Content: fmt.Sprintf("m%d", i), CreatedAt: at}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	got, err := s.ListMessages("c", "u", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if !m.CreatedAt.Equal(want[i]) {
			t.Errorf("got[%d].CreatedAt = %v, want %v", i, m.CreatedAt, want[i])
		}
	}
}

func TestParseMessageTime(t *testing.T) {
	want := time.Date(2025, 1, 1, 12, 0, 0, 120_000_000, time.UTC)
	for _, v := range []any{want, "2025-01-01T12:00:00.120Z", "2025-01-01T12:00:00.12Z", []byte("2025-01-01T12:00:00.12Z")} {
		got, err := parseMessageTime(v)
		if err != nil {
			t.Errorf("parseMessageTime(%v): %v", v, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("parseMessageTime(%v) = %v, want %v", v, got, want)
		}
	}
	if _, err := parseMessageTime(42); err == nil {
		t.Error("expected error for unexpected type")
	}
}

func TestAppendMessage_RetryIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	saveTestCompanion(t, s, "c")

	m := Message{ID: NewMessageID(time.Now()), CompanionID: "c", UserID: "u", Role: RoleSystem, Content: "hi"}
	for i := 0; i < 2; i++ {
		if _, err := s.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage attempt %d: %v", i, err)
		}
	}

	got, err := s.ListMessages("c", "u", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d messages after retry, want 1", len(got))
	}
}

func TestAppendMessage_InvalidRole(t *testing.T) {
	s := openTestStore(t)
	saveTestCompanion(t, s, "c")

	if _, err := s.AppendMessage(Message{CompanionID: "c", UserID: "u", Role: "assistant", Content: "x"}); err == nil {
		t.Error("expected error for invalid role")
	}
}

func TestAppendMessage_UnknownCompanion(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AppendMessage(Message{CompanionID: "ghost", UserID: "u", Role: RoleUser, Content: "x"}); err == nil {
		t.Error("expected foreign key error for unknown companion")
	}
}

func TestContextDocs(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		doc := ContextDoc{
			ID:          fmt.Sprintf("d%d", i),
			CompanionID: "c1",
			Title:       fmt.Sprintf("doc %d", i),
			Content:     "content",
			SourceFile:  "c1.txt",
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveContextDoc(doc); err != nil {
			t.Fatalf("SaveContextDoc: %v", err)
		}
	}
	if err := s.SaveContextDoc(ContextDoc{ID: "other", CompanionID: "c2", Content: "x", SourceFile: "c2.txt", CreatedAt: now}); err != nil {
		t.Fatalf("SaveContextDoc: %v", err)
	}

	docs, err := s.ListContextDocs("c1", 10)
	if err != nil {
		t.Fatalf("ListContextDocs: %v", err)
	}
	if len(docs) != 3 || docs[0].ID != "d2" {
		t.Errorf("ListContextDocs = %+v, want 3 newest first", docs)
	}

	if err := s.SetChunkCount("d1", 4); err != nil {
		t.Fatalf("SetChunkCount: %v", err)
	}
	d, err := s.GetContextDoc("d1")
	if err != nil {
		t.Fatalf("GetContextDoc: %v", err)
	}
	if d.ChunkCount != 4 || d.SourceFile != "c1.txt" {
		t.Errorf("doc = %+v", d)
	}

	if err := s.DeleteContextDoc("d1"); err != nil {
		t.Fatalf("DeleteContextDoc: %v", err)
	}
	if _, err := s.GetContextDoc("d1"); err != ErrNotFound {
		t.Errorf("GetContextDoc after delete = %v, want ErrNotFound", err)
	}
}
