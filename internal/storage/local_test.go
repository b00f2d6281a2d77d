package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.txt")
	content := []byte("hello world")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	objectPath := "test/object.txt"
	if err := storage.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(srcDir, "downloaded.txt")
	if err := storage.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_DeleteIdempotent(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	if err := storage.Delete(context.Background(), "never/existed.txt"); err != nil {
		t.Errorf("deleting a missing object should not error, got %v", err)
	}
}

func TestLocalStorage_DownloadReplacesStalePartial(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	srcPath := filepath.Join(t.TempDir(), "src.txt")
	content := []byte("complete object contents")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	if err := storage.Upload(ctx, srcPath, "obj.txt"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// Leftover from an interrupted copy. A retried download must write
	// through it and land the full object at the final path.
	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")
	if err := os.WriteFile(dstPath+".partial", []byte("trunc"), 0644); err != nil {
		t.Fatalf("failed to plant partial file: %v", err)
	}

	if err := storage.Download(ctx, "obj.txt", dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
	if _, err := os.Stat(dstPath + ".partial"); !os.IsNotExist(err) {
		t.Error("partial file left behind after successful download")
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")

	err = storage.Download(ctx, "nonexistent/object.txt", dstPath)
	if err != ErrObjectNotFound {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	srcPath := filepath.Join(t.TempDir(), "src.txt")
	if err := os.WriteFile(srcPath, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	for _, p := range []string{"chunks/1/900/0_86400.json.sz", "chunks/2/900/0_86400.json.sz", "other/x.txt"} {
		if err := storage.Upload(ctx, srcPath, p); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}

	objects, err := storage.ListObjects(ctx, "chunks/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(objects) != 2 {
		t.Errorf("expected 2 objects under chunks/, got %d: %v", len(objects), objects)
	}
	for _, o := range objects {
		if !strings.HasPrefix(o, "chunks/") {
			t.Errorf("object %q escaped the prefix", o)
		}
	}

	objects, err = storage.ListObjects(ctx, "missing-prefix/")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("expected empty list for missing prefix, got %v", objects)
	}
}

func TestLocalStorage_PresignDownload(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	url, err := storage.PresignDownload(context.Background(), "chunks/1/900/0_86400.json.sz", 0)
	if err != nil {
		t.Fatalf("PresignDownload failed: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Errorf("expected file:// URL, got %q", url)
	}
}

func TestLocalStorage_Clear(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "test.txt")
	if err := os.WriteFile(srcPath, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()
	if err := storage.Upload(ctx, srcPath, "obj1.txt"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := storage.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	exists, _ := storage.Exists(ctx, "obj1.txt")
	if exists {
		t.Error("expected obj1.txt to not exist after clear")
	}
}
