package artifact

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestPutOpen(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	key, n, err := s.Put(ctx, "/sources/blink.zip", strings.NewReader("firmware"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key != "sources/blink.zip" || n != 8 {
		t.Errorf("Put = %q, %d", key, n)
	}

	rc, size, err := s.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "firmware" || size != 8 {
		t.Errorf("Open = %q (%d)", data, size)
	}
}

func TestPutOverwrites(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ctx := context.Background()
	s.Put(ctx, "a.txt", strings.NewReader("one"))
	s.Put(ctx, "a.txt", strings.NewReader("two"))

	rc, _, err := s.Open(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "two" {
		t.Errorf("content = %q, want two", data)
	}
}

func TestOpenMissing(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if _, _, err := s.Open(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"logs/job_1/device.log", "logs/job_1/device.log", false},
		{"/x/./y", "x/y", false},
		{"", "", true},
		{"..", "", true},
		{"../etc/passwd", "", true},
		{"a/../../b", "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanKey(%q) err = %v, wantErr %v", tt.key, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestDelete(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ctx := context.Background()
	s.Put(ctx, "k", strings.NewReader("v"))
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, _, err := s.Open(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after delete = %v", err)
	}
}
