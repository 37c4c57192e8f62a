package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestMemoryStorePutURLDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("https://cdn.example.com/")

	if err := s.Put(ctx, "message/u1/a b.png", bytes.NewReader([]byte("png")), 3, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	url, err := s.URL(ctx, "message/u1/a b.png")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if url != "https://cdn.example.com/message/u1/a%20b.png" {
		t.Fatalf("unexpected url: %q", url)
	}
	data, contentType, ok := s.Object("message/u1/a b.png")
	if !ok || string(data) != "png" || contentType != "image/png" {
		t.Fatalf("unexpected object: ok=%v data=%q type=%q", ok, data, contentType)
	}

	if err := s.Delete(ctx, "message/u1/a b.png"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.URL(ctx, "message/u1/a b.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemoryStoreDeleteMissingKeySucceeds(t *testing.T) {
	s := NewMemoryStore("")
	if err := s.Delete(context.Background(), "poll/nobody/nothing.jpg"); err != nil {
		t.Fatalf("expected delete of missing key to succeed, got %v", err)
	}
}

func TestMemoryStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	for _, body := range []string{"first", "second"} {
		if err := s.Put(ctx, "k", strings.NewReader(body), int64(len(body)), "text/plain"); err != nil {
			t.Fatalf("put %q: %v", body, err)
		}
	}
	data, _, _ := s.Object("k")
	if string(data) != "second" || s.Len() != 1 {
		t.Fatalf("expected single overwritten object, got %q (len=%d)", data, s.Len())
	}
}

func TestMemoryStoreListByPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("")
	for _, key := range []string{"message/u1/a", "message/u2/b", "poll/u1/p/c"} {
		if err := s.Put(ctx, key, strings.NewReader("x"), 1, "text/plain"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	got, err := s.List(ctx, "message/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Key != "message/u1/a" || got[1].Key != "message/u2/b" {
		t.Fatalf("unexpected listing: %+v", got)
	}
}

func TestClassifyMinioErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}, ErrNotFound},
		{"quota", minio.ErrorResponse{Code: "QuotaExceeded", StatusCode: http.StatusForbidden}, ErrQuotaExceeded},
		{"storage full", minio.ErrorResponse{Code: "XMinioStorageFull", StatusCode: http.StatusInsufficientStorage}, ErrQuotaExceeded},
		{"missing bucket", minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound}, ErrStoreUnavailable},
		{"server error", minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError}, ErrStoreUnavailable},
		{"network", errors.New("dial tcp: connection refused"), ErrStoreUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
	if got := classify(context.Canceled); !errors.Is(got, context.Canceled) {
		t.Fatalf("expected context errors to pass through, got %v", got)
	}
}
