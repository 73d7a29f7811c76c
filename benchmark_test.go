package sfs

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"testing"

	"github.com/absfs/sfs/mrsa"
)

var benchSizes = []int{
	1024,        // 1 KB
	64 * 1024,   // 64 KB
	1024 * 1024, // 1 MB
}

// Benchmark ECB throughput of the block cipher
func BenchmarkSymEncrypt(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(formatSize(size), func(b *testing.B) {
			s := NewSymSchedule([]byte("bench-file-key-0123456789abcdef012345"))
			data := make([]byte, size)
			rand.Read(data)

			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				SymEncryptBlocks(s, data)
			}
		})
	}
}

// BenchmarkParallelWorkers benchmarks different worker counts
func BenchmarkParallelWorkers(b *testing.B) {
	workerCounts := []int{1, 2, 4, 8, 16}
	size := 10 * 1024 * 1024 // 10MB

	s := NewSymSchedule([]byte("bench"))
	data := make([]byte, size)
	rand.Read(data)

	for _, workers := range workerCounts {
		b.Run(fmt.Sprintf("%dworkers", workers), func(b *testing.B) {
			cfg := ParallelConfig{
				Enabled:              true,
				MaxWorkers:           workers,
				MinBlocksForParallel: 4,
				BlocksPerJob:         1024,
			}
			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := transformBlocks(cfg, s, data, true); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// Benchmark sealing a file key to a public key
func BenchmarkStreamEncrypt(b *testing.B) {
	k, err := testConfig().generator().Generate()
	if err != nil {
		b.Fatalf("failed to generate key: %v", err)
	}
	key, err := GenerateSymKey(testConfig().FileKeySize)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mrsa.StreamEncrypt(k.PublicKey(), []byte(key))
	}
}

// Benchmark password based sealing key derivation
func BenchmarkKeyDerivation(b *testing.B) {
	providers := map[string]KeyProvider{
		"pbkdf2": NewPasswordKeyProviderPBKDF2([]byte("bench-password"), PBKDF2Params{Iterations: 10000}),
		"argon2id": NewPasswordKeyProvider([]byte("bench-password"), Argon2idParams{
			Memory:      64 * 1024,
			Iterations:  1,
			Parallelism: 2,
		}),
	}
	for name, kp := range providers {
		b.Run(name, func(b *testing.B) {
			salt, _ := kp.GenerateSalt()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := kp.DeriveKey(salt); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkFileWriteRead(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(formatSize(size), func(b *testing.B) {
			benchmarkFileWriteRead(b, size)
		})
	}
}

func benchmarkFileWriteRead(b *testing.B, size int) {
	f := newFixture(b)
	f.encrypt(b, "/bench.dat", nil)

	data := make([]byte, size)
	rand.Read(data)

	b.SetBytes(int64(size * 2)) // Count both write and read
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		// Write
		file, err := f.fs.Create("/bench.dat")
		if err != nil {
			b.Fatalf("failed to create: %v", err)
		}
		if _, err := file.Write(data); err != nil {
			b.Fatalf("failed to write: %v", err)
		}
		if err := file.Close(); err != nil {
			b.Fatalf("failed to close: %v", err)
		}

		// Read
		file, err = f.fs.Open("/bench.dat")
		if err != nil {
			b.Fatalf("failed to open: %v", err)
		}
		readData, err := io.ReadAll(file)
		if err != nil {
			b.Fatalf("failed to read: %v", err)
		}
		file.Close()

		if !bytes.Equal(data, readData) {
			b.Fatal("data mismatch")
		}
	}
}

// BenchmarkUnalignedWrite benchmarks small writes that straddle blocks
func BenchmarkUnalignedWrite(b *testing.B) {
	f := newFixture(b)
	f.encrypt(b, "/unaligned.dat", make([]byte, 64*1024))

	file, err := f.fs.OpenFile("/unaligned.dat", 2 /* O_RDWR */, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer file.Close()

	chunk := []byte("straddles")
	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off := int64(i*13) % (64*1024 - int64(len(chunk)))
		if _, err := file.WriteAt(chunk, off); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark whole-file transitions
func BenchmarkChmodTransition(b *testing.B) {
	f := newFixture(b)
	data := make([]byte, 1024*1024)
	rand.Read(data)
	f.writeBase(b, "/transition.dat", data)
	ctx := context.Background()

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := f.fs.SetEncrypted(ctx, "/transition.dat", i%2 == 0); err != nil {
			b.Fatalf("transition failed: %v", err)
		}
	}
}

// Benchmark key rotation
func BenchmarkKeyRotation(b *testing.B) {
	f := newFixture(b)
	data := make([]byte, 64*1024)
	rand.Read(data)
	f.encrypt(b, "/rotate.dat", data)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := f.fs.ReEncrypt(context.Background(), "/rotate.dat", KeyRotationOptions{}); err != nil {
			b.Fatalf("re-encryption failed: %v", err)
		}
	}
}

func formatSize(size int) string {
	if size < 1024 {
		return fmt.Sprintf("%dB", size)
	}
	if size < 1024*1024 {
		return fmt.Sprintf("%dKB", size/1024)
	}
	return fmt.Sprintf("%dMB", size/(1024*1024))
}
