package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/chainforge/chainforge/core/types"
)

func TestKeccak256EmptyString(t *testing.T) {
	hash := Keccak256([]byte{})
	got := hex.EncodeToString(hash)
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got != want {
		t.Errorf("Keccak256(empty) = %s, want %s", got, want)
	}
}

func TestKeccak256MultipleInputs(t *testing.T) {
	// Keccak256("hello", "world") should equal Keccak256("helloworld").
	combined := Keccak256([]byte("helloworld"))
	separate := Keccak256([]byte("hello"), []byte("world"))
	if hex.EncodeToString(combined) != hex.EncodeToString(separate) {
		t.Errorf("Keccak256 multi-input mismatch: %x != %x", combined, separate)
	}
}

func TestKeccak256HashReturnsCorrectType(t *testing.T) {
	h := Keccak256Hash([]byte{})
	want := types.HexToHash256("c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")
	if h != want {
		t.Errorf("Keccak256Hash(empty) = %s, want %s", h, want)
	}
	if h != types.EmptyCodeHash {
		t.Errorf("Keccak256Hash(empty) should equal types.EmptyCodeHash")
	}
}

func TestKeccak256HashLength(t *testing.T) {
	h := Keccak256Hash([]byte("test"))
	if len(h) != types.HashLength {
		t.Errorf("Keccak256Hash length = %d, want %d", len(h), types.HashLength)
	}
}

func TestKeccak256Deterministic(t *testing.T) {
	data := []byte("deterministic test")
	h1 := Keccak256(data)
	h2 := Keccak256(data)
	if hex.EncodeToString(h1) != hex.EncodeToString(h2) {
		t.Error("Keccak256 is not deterministic")
	}
}
