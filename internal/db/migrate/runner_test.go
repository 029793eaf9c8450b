package migrate

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		err := Run(dsn, "up", SessionSchema())
		if err == nil {
			t.Fatalf("Run(%q) should return error", dsn)
		}
		if !strings.Contains(err.Error(), "DATABASE_URL") {
			t.Errorf("error = %q, should mention DATABASE_URL", err.Error())
		}
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Down", "both"} {
		t.Run(direction, func(t *testing.T) {
			err := Run("postgres://localhost/test", direction, SessionSchema())
			if err == nil {
				t.Fatalf("Run with direction %q should return error", direction)
			}
			if !strings.Contains(err.Error(), "direction") {
				t.Errorf("error = %q, should mention direction", err.Error())
			}
		})
	}
}

func TestRun_MissingSource(t *testing.T) {
	err := Run("postgres://localhost/test", "up", Source{})
	if err == nil {
		t.Fatal("Run without a source should return error")
	}
}

func TestRun_SourceDirNotFound(t *testing.T) {
	src := Source{FS: fstest.MapFS{"other/1_x.up.sql": {Data: []byte("SELECT 1")}}, Dir: "migrations"}
	err := Run("postgres://localhost/test", "up", src)
	if err == nil {
		t.Fatal("Run with a missing source dir should return error")
	}
	if !strings.Contains(err.Error(), "migrate source") {
		t.Errorf("error = %q, want migrate source error", err.Error())
	}
}

func TestSessionSchema_Readable(t *testing.T) {
	src := SessionSchema()
	if src.FS == nil || src.Dir == "" {
		t.Fatalf("SessionSchema = %+v", src)
	}
	if _, err := src.FS.Open(src.Dir + "/000001_create_session_events.up.sql"); err != nil {
		t.Errorf("event table migration missing: %v", err)
	}
}

func TestErrNoChange(t *testing.T) {
	if ErrNoChange == nil {
		t.Fatal("ErrNoChange should not be nil")
	}
	if !errors.Is(ErrNoChange, ErrNoChange) {
		t.Error("ErrNoChange should be errors.Is compatible")
	}
}
