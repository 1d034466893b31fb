package sink

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []execCall
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestPostgres_InsertsStart(t *testing.T) {
	t.Parallel()
	db := &fakeExecer{}
	p := &Postgres{db: db}

	if err := p.Deliver(context.Background(), startNote("s1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(db.calls))
	}
	args := db.calls[0].args
	if args[0] != "s1" || args[1] != "START" || args[4] != 0.5 {
		t.Errorf("args = %v", args)
	}
	if args[5].(*int64) != nil || args[12].([]byte) != nil {
		t.Errorf("segment columns set for START: %v", args)
	}
}

func TestPostgres_InsertsSegment(t *testing.T) {
	t.Parallel()
	db := &fakeExecer{}
	p := &Postgres{db: db, includeAudio: true}

	if err := p.Deliver(context.Background(), stopNote("s1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	args := db.calls[0].args
	if end := args[6].(*int64); end == nil || *end != 1080 {
		t.Errorf("segment_end_ms = %v", args[6])
	}
	if size := args[7].(*int); size == nil || *size != 3200 {
		t.Errorf("segment_bytes = %v", args[7])
	}
	if wav := args[12].([]byte); len(wav) != 44+3200 {
		t.Errorf("audio_wav = %d bytes, want header plus PCM", len(wav))
	}
}

func TestPostgres_Errors(t *testing.T) {
	t.Parallel()
	want := errors.New("connection reset")
	p := &Postgres{db: &fakeExecer{err: want}}

	if err := p.Deliver(context.Background(), startNote("s1")); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	_ = p.Close()
	if err := p.Deliver(context.Background(), startNote("s1")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("err = %v, want ErrSinkClosed", err)
	}
}

// TestPostgres_Integration runs against a real database when
// VOXGATE_TEST_POSTGRES_DSN is set.
func TestPostgres_Integration(t *testing.T) {
	dsn := os.Getenv("VOXGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXGATE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration test")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, PostgresConfig{DSN: dsn, IncludeAudio: true})
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()

	if _, err := p.pool.Exec(ctx, "DELETE FROM vad_events WHERE stream_id = $1", "it-1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	for _, n := range []string{"start", "stop"} {
		note := startNote("it-1")
		if n == "stop" {
			note = stopNote("it-1")
		}
		if err := p.Deliver(ctx, note); err != nil {
			t.Fatalf("Deliver(%s): %v", n, err)
		}
	}

	var count, wavBytes int
	err = p.pool.QueryRow(ctx,
		"SELECT count(*), coalesce(sum(length(audio_wav)), 0) FROM vad_events WHERE stream_id = $1", "it-1",
	).Scan(&count, &wavBytes)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 2 || wavBytes != 44+3200 {
		t.Errorf("rows = %d, wav bytes = %d", count, wavBytes)
	}
	if err := p.Healthy(ctx); err != nil {
		t.Errorf("Healthy: %v", err)
	}
}
