package ratelimit

import (
	"testing"
	"time"
)

func TestAllowConsumesTokens(t *testing.T) {
	l := New(time.Minute)
	defer l.Close()

	for i := 0; i < 5; i++ {
		if !l.Allow("key-1", 5) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("key-1", 5) {
		t.Error("sixth request should be limited")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(time.Minute)
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Allow("key-a", 3)
	}
	if l.Allow("key-a", 3) {
		t.Error("key-a should be exhausted")
	}
	if !l.Allow("key-b", 3) {
		t.Error("key-b should have its own bucket")
	}
}

func TestResetRestoresCapacity(t *testing.T) {
	l := New(time.Minute)
	defer l.Close()

	for i := 0; i < 2; i++ {
		l.Allow("key-1", 2)
	}
	if l.Allow("key-1", 2) {
		t.Fatal("bucket should be empty before reset")
	}
	l.Reset("key-1")
	if !l.Allow("key-1", 2) {
		t.Error("reset should restore capacity")
	}
}
