package sfs

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

// TestParallelPanicRecovery tests that panics in block workers are recovered
func TestParallelPanicRecovery(t *testing.T) {
	cfg := ParallelConfig{
		Enabled:              true,
		MaxWorkers:           4,
		MinBlocksForParallel: 1,
		BlocksPerJob:         2,
	}
	buf := make([]byte, 64*BlockSize)

	for _, encrypt := range []bool{true, false} {
		// a nil schedule makes every worker panic
		err := transformBlocks(cfg, nil, buf, encrypt)
		if err == nil {
			t.Fatal("Expected error from panic recovery, got nil")
		}

		expectedSubstring := "panic in block worker"
		if !strings.HasPrefix(err.Error(), expectedSubstring) {
			t.Errorf("Expected error message to start with %q, got %q", expectedSubstring, err.Error())
		}
		t.Logf("Successfully recovered from panic: %v", err)
	}
}

// TestParallelNoPanic tests that the worker pool succeeds on a valid schedule
func TestParallelNoPanic(t *testing.T) {
	cfg := ParallelConfig{
		Enabled:              true,
		MaxWorkers:           4,
		MinBlocksForParallel: 1,
		BlocksPerJob:         3,
	}
	s := NewSymSchedule([]byte("test-key"))

	data := bytes.Repeat([]byte("testdata"), 100)
	buf := bytes.Clone(data)
	if err := transformBlocks(cfg, s, buf, true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if bytes.Equal(buf, data) {
		t.Fatal("Expected ciphertext to differ from plaintext")
	}
	if err := transformBlocks(cfg, s, buf, false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("Round trip mismatch")
	}
}

// TestClosedHandle tests that a closed handle refuses work instead of panicking
func TestClosedHandle(t *testing.T) {
	f := newFixture(t)
	f.encrypt(t, "/closed.txt", []byte("closed"))

	h, err := f.session.OpenFile("/", "closed.txt")
	if err != nil {
		t.Fatalf("Failed to open handle: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Failed to close handle: %v", err)
	}

	block := make([]byte, BlockSize)
	checks := map[string]error{
		"EncryptBlock":  h.EncryptBlock(block),
		"DecryptBlock":  h.DecryptBlock(block),
		"EncryptBlocks": h.EncryptBlocks(block),
		"DecryptBlocks": h.DecryptBlocks(block),
	}
	for name, err := range checks {
		if !errors.Is(err, os.ErrClosed) {
			t.Errorf("%s on a closed handle: got %v, want os.ErrClosed", name, err)
		}
	}
}
