package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func BenchmarkAppend_Single(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	defer al.Close()

	entry := Entry{
		Type:       TypeAction,
		Action:     "take_screenshot",
		Outcome:    "success",
		PolicyHash: "sha256:bench",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		al.Append(entry)
	}
}

func BenchmarkAppend_Sequential100(b *testing.B) {
	entry := Entry{
		Type:       TypeAction,
		Action:     "take_screenshot",
		Outcome:    "success",
		PolicyHash: "sha256:bench",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		path := filepath.Join(b.TempDir(), "bench.jsonl")
		al, err := Open(path)
		if err != nil {
			b.Fatal(err)
		}
		for j := 0; j < 100; j++ {
			al.Append(entry)
		}
		al.Close()
	}
}

func benchVerify(b *testing.B, n int) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	entry := Entry{
		Type:       TypeAction,
		Action:     "take_screenshot",
		Outcome:    "success",
		PolicyHash: "sha256:bench",
	}
	for i := 0; i < n; i++ {
		al.Append(entry)
	}
	al.Close()

	// Verify the file exists and has content
	info, _ := os.Stat(path)
	b.ResetTimer()
	b.SetBytes(info.Size())

	for i := 0; i < b.N; i++ {
		result := Verify(path)
		if !result.Valid {
			b.Fatal("invalid chain:", result.Error)
		}
	}
}

func BenchmarkVerify_1000(b *testing.B) {
	benchVerify(b, 1000)
}

func BenchmarkVerify_10000(b *testing.B) {
	benchVerify(b, 10000)
}
