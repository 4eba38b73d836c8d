package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(id, name, class string, started time.Time) *Session {
	return &Session{
		ID:           id,
		StudentName:  name,
		StudentClass: class,
		Status:       StatusActive,
		StartedAt:    started,
		EndsAt:       started.Add(3 * time.Hour),
		LastActivity: started,
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}
	v, err := SchemaVersion(s.DB())
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("expected schema version %d, got %d", len(migrations), v)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestRollbackMigration(t *testing.T) {
	s := openTestStore(t)
	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("expected kv table to be missing after rollback")
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("MigrateDB failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema after re-migrate: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := newSession("s1", "Ivan Petrov", "11A", epoch)
	if err := s.CreateSession(in); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil")
	}
	if got.StudentName != "Ivan Petrov" || got.StudentClass != "11A" {
		t.Errorf("identity mismatch: %+v", got)
	}
	if !got.EndsAt.Equal(epoch.Add(3 * time.Hour)) {
		t.Errorf("EndsAt mismatch: %v", got.EndsAt)
	}
	if !got.EndedAt.IsZero() {
		t.Errorf("EndedAt should be zero, got %v", got.EndedAt)
	}
	if got.TimeLeft(epoch.Add(time.Hour)) != 2*time.Hour {
		t.Errorf("TimeLeft mismatch: %v", got.TimeLeft(epoch.Add(time.Hour)))
	}
	if got.TimeLeft(epoch.Add(4*time.Hour)) != 0 {
		t.Error("TimeLeft should clamp at zero")
	}

	missing, err := s.GetSession("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing session, got %v, %v", missing, err)
	}

	if err := s.CreateSession(in); err == nil {
		t.Error("expected duplicate insert to fail")
	}
}

func TestFindOpenSession(t *testing.T) {
	s := openTestStore(t)

	old := newSession("old", "Ivan Petrov", "11A", epoch)
	old.Status = StatusCompleted
	mustCreate(t, s, old)
	mustCreate(t, s, newSession("cur", "Ivan Petrov", "11A", epoch.Add(time.Minute)))
	mustCreate(t, s, newSession("other", "Maria Ivanova", "11A", epoch))

	got, err := s.FindOpenSession("Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("FindOpenSession failed: %v", err)
	}
	if got == nil || got.ID != "cur" {
		t.Fatalf("expected session cur, got %+v", got)
	}

	if err := s.TouchSession("cur", StatusDisconnected, epoch.Add(2*time.Minute)); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	got, _ = s.FindOpenSession("Ivan Petrov", "11A")
	if got == nil || got.Status != StatusDisconnected {
		t.Errorf("disconnected session should still be open: %+v", got)
	}

	if err := s.EndSession("cur", StatusExpired, TerminationTimeout, epoch.Add(3*time.Hour)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	got, err = s.FindOpenSession("Ivan Petrov", "11A")
	if err != nil || got != nil {
		t.Errorf("expected no open session, got %+v, %v", got, err)
	}

	latest, err := s.FindLatestSession("Ivan Petrov", "11A")
	if err != nil {
		t.Fatalf("FindLatestSession failed: %v", err)
	}
	if latest.ID != "cur" || latest.Termination != TerminationTimeout || latest.EndedAt.IsZero() {
		t.Errorf("unexpected latest session: %+v", latest)
	}
}

func TestOpenSessionsAndStats(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, newSession("a", "A A", "10A", epoch))
	mustCreate(t, s, newSession("b", "B B", "10A", epoch.Add(time.Second)))
	mustCreate(t, s, newSession("c", "C C", "10A", epoch.Add(2*time.Second)))
	if err := s.EndSession("b", StatusCompleted, TerminationGraceful, epoch.Add(time.Hour)); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	open, err := s.OpenSessions()
	if err != nil {
		t.Fatalf("OpenSessions failed: %v", err)
	}
	if len(open) != 2 || open[0].ID != "a" || open[1].ID != "c" {
		t.Errorf("unexpected open sessions: %+v", open)
	}

	since, err := s.SessionsSince(epoch.Add(time.Second))
	if err != nil {
		t.Fatalf("SessionsSince failed: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("expected 2 sessions since, got %d", len(since))
	}

	st, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if st.Sessions != 3 || st.OpenSessions != 2 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestUpdateMissingSession(t *testing.T) {
	s := openTestStore(t)
	err := s.TouchSession("ghost", StatusActive, epoch)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSuspicionScore("ghost", 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveCodeUpdatesLastCode(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, newSession("s1", "Ivan Petrov", "11A", epoch))

	for i, code := range []string{"v1", "v2", "v3"} {
		_, err := s.SaveCode(&CodeSnapshot{
			SessionID: "s1",
			Filename:  "main.js",
			Code:      code,
			CreatedAt: epoch.Add(time.Duration(i+1) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveCode failed: %v", err)
		}
	}

	sess, _ := s.GetSession("s1")
	if sess.LastCode != "v3" {
		t.Errorf("expected last code v3, got %q", sess.LastCode)
	}

	hist, err := s.CodeHistory("s1", 2)
	if err != nil {
		t.Fatalf("CodeHistory failed: %v", err)
	}
	if len(hist) != 2 || hist[0].Code != "v3" || hist[1].Code != "v2" {
		t.Errorf("unexpected history: %+v", hist)
	}
	all, _ := s.CodeHistory("s1", 0)
	if len(all) != 3 {
		t.Errorf("expected 3 snapshots, got %d", len(all))
	}

	if _, err := s.SaveCode(&CodeSnapshot{SessionID: "ghost", Filename: "x.js", Code: "x", CreatedAt: epoch}); err == nil {
		t.Error("expected foreign key failure for unknown session")
	}
}

func TestViolations(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, newSession("s1", "Ivan Petrov", "11A", epoch))

	kinds := []string{"focusLoss", "focusLoss", "windowsKey"}
	for i, k := range kinds {
		_, err := s.InsertViolation(&Violation{
			SessionID: "s1",
			Kind:      k,
			Severity:  "medium",
			Data:      json.RawMessage(`{"n":1}`),
			Score:     10,
			CreatedAt: epoch.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertViolation failed: %v", err)
		}
	}
	if _, err := s.InsertViolation(&Violation{SessionID: "s1", Kind: "devTools", Severity: "critical", CreatedAt: epoch.Add(time.Minute)}); err != nil {
		t.Fatalf("InsertViolation without data failed: %v", err)
	}

	list, err := s.Violations("s1")
	if err != nil {
		t.Fatalf("Violations failed: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 violations, got %d", len(list))
	}
	if string(list[0].Data) != `{"n":1}` {
		t.Errorf("data mismatch: %s", list[0].Data)
	}
	if list[3].Data != nil {
		t.Errorf("expected nil data, got %s", list[3].Data)
	}

	counts, err := s.ViolationCounts("s1")
	if err != nil {
		t.Fatalf("ViolationCounts failed: %v", err)
	}
	if counts["focusLoss"] != 2 || counts["windowsKey"] != 1 || counts["devTools"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestHeartbeatUpsert(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, newSession("s1", "Ivan Petrov", "11A", epoch))

	if hb, err := s.LastHeartbeat("s1"); err != nil || hb != nil {
		t.Fatalf("expected no heartbeat, got %v, %v", hb, err)
	}

	for i := 1; i <= 2; i++ {
		err := s.RecordHeartbeat(&Heartbeat{
			SessionID:  "s1",
			ReceivedAt: epoch.Add(time.Duration(i) * 30 * time.Second),
			State:      json.RawMessage(`{"isActive":true}`),
		})
		if err != nil {
			t.Fatalf("RecordHeartbeat failed: %v", err)
		}
	}

	hb, err := s.LastHeartbeat("s1")
	if err != nil {
		t.Fatalf("LastHeartbeat failed: %v", err)
	}
	if !hb.ReceivedAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("expected latest heartbeat, got %v", hb.ReceivedAt)
	}
}

func TestKeyValue(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.Get("exam_session"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.Set("exam_session", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set("exam_session", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Set overwrite failed: %v", err)
	}
	v, ok, err := s.Get("exam_session")
	if err != nil || !ok || string(v) != `{"a":2}` {
		t.Errorf("unexpected value %q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete("exam_session"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete("exam_session"); err != nil {
		t.Errorf("Delete of missing key should not error: %v", err)
	}
	if _, ok, _ := s.Get("exam_session"); ok {
		t.Error("key should be gone")
	}
}

func mustCreate(t *testing.T, s *Store, sess *Session) {
	t.Helper()
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession(%s) failed: %v", sess.ID, err)
	}
}
