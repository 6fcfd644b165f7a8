package producer

import (
	"bytes"
	"testing"
)

func TestSplitChunks_PayloadFitsInOneChunk(t *testing.T) {
	payload := []byte("small")
	chunks := splitChunks(payload, 1024)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], payload) {
		t.Fatalf("expected a single unsplit chunk, got %v", chunks)
	}
}

func TestSplitChunks_DividesOversizedPayload(t *testing.T) {
	payload := []byte("0123456789")
	chunks := splitChunks(payload, 3)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks of at most 3 bytes, got %d", len(chunks))
	}
	var rebuilt []byte
	for _, c := range chunks {
		if len(c) > 3 {
			t.Fatalf("chunk exceeds maxChunkSize: %d bytes", len(c))
		}
		rebuilt = append(rebuilt, c...)
	}
	if !bytes.Equal(rebuilt, payload) {
		t.Fatalf("chunks did not reassemble to the original payload")
	}
}

func TestSplitChunks_ZeroMaxSizeDisablesChunking(t *testing.T) {
	payload := []byte("0123456789")
	chunks := splitChunks(payload, 0)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], payload) {
		t.Fatalf("expected maxChunkSize<=0 to bypass chunking, got %v", chunks)
	}
}

func TestNewChunkUUID_IsDeterministic(t *testing.T) {
	a := newChunkUUID("my-producer", 5)
	b := newChunkUUID("my-producer", 5)
	if a != b {
		t.Fatalf("expected the same (producerName, sequenceId) to always produce the same uuid, got %q and %q", a, b)
	}
	if a != "my-producer-5" {
		t.Fatalf(`expected "my-producer-5", got %q`, a)
	}
}

func TestNewChunkUUID_DiffersBySequenceID(t *testing.T) {
	a := newChunkUUID("my-producer", 5)
	b := newChunkUUID("my-producer", 6)
	if a == b {
		t.Fatalf("expected distinct sequence ids to produce distinct uuids")
	}
}
