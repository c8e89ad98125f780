package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs against a real Postgres container. It requires Docker.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers panics when the Docker socket is missing.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("muzzle_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	src := Source{ID: "src_1", Path: "/tmp/clip.mp4", Kind: "video", Width: 1280, Height: 720}
	if err := s.EnsureSourceMetadata(ctx, src); err != nil {
		t.Fatalf("EnsureSourceMetadata failed: %v", err)
	}
	// Idempotent, refreshes the path.
	src.Path = "/tmp/moved.mp4"
	if err := s.EnsureSourceMetadata(ctx, src); err != nil {
		t.Fatalf("EnsureSourceMetadata (update) failed: %v", err)
	}

	got, err := s.GetSource(ctx, "src_1")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	if got == nil || got.Path != "/tmp/moved.mp4" || got.Width != 1280 {
		t.Errorf("unexpected source: %+v", got)
	}
	if missing, err := s.GetSource(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("expected nil source for unknown ID, got %+v, %v", missing, err)
	}

	first := Render{
		SessionID: "sess-a", SourceID: "src_1", OutputPath: "/tmp/a.webm", Mode: "video",
		FramesRendered: 120, FacesDrawn: 200, FacesDropped: 3, TrianglesDrawn: 1600,
		Elapsed: 4 * time.Second,
	}
	second := Render{
		SessionID: "sess-b", SourceID: "src_1", OutputPath: "/tmp/b.webm", Mode: "video",
		FramesRendered: 10, Paused: true, Elapsed: 1500 * time.Millisecond,
	}
	for _, r := range []Render{first, second} {
		if err := s.InsertRender(ctx, r); err != nil {
			t.Fatalf("InsertRender(%s) failed: %v", r.SessionID, err)
		}
	}

	renders, err := s.ListRenders(ctx, 0)
	if err != nil {
		t.Fatalf("ListRenders failed: %v", err)
	}
	if len(renders) != 2 {
		t.Fatalf("Expected 2 renders, got %d", len(renders))
	}
	byID := map[string]Render{}
	for _, r := range renders {
		byID[r.SessionID] = r
	}
	a := byID["sess-a"]
	if a.SourcePath != "/tmp/moved.mp4" || a.FacesDropped != 3 || a.Elapsed != 4*time.Second {
		t.Errorf("unexpected render row: %+v", a)
	}
	if !byID["sess-b"].Paused {
		t.Error("expected sess-b to be marked paused")
	}

	limited, err := s.ListRenders(ctx, 1)
	if err != nil {
		t.Fatalf("ListRenders(limit) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 render with limit, got %d", len(limited))
	}

	if err := s.InsertRender(ctx, Render{SessionID: "orphan", SourceID: "missing", Mode: "image"}); err == nil {
		t.Error("expected foreign key violation for unknown source")
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListRenders(ctx, 0); err == nil {
		t.Error("expected error listing after tables were dropped")
	}
}
