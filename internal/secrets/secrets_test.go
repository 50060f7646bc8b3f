package secrets

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestBox_SealOpen(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}

	sealed, err := box.Seal("ot-secret")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		t.Errorf("Seal() = %v, want prefix %v", sealed, sealedPrefix)
	}
	if strings.Contains(sealed, "ot-secret") {
		t.Error("Seal() output contains the plaintext")
	}

	got, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "ot-secret" {
		t.Errorf("Open() = %v, want ot-secret", got)
	}
}

func TestBox_SealUsesFreshNonce(t *testing.T) {
	box, _ := NewBox(testKey())
	a, _ := box.Seal("same")
	b, _ := box.Seal("same")
	if a == b {
		t.Error("Seal() produced identical output for two calls")
	}
}

func TestBox_OpenPlaintextPassthrough(t *testing.T) {
	box, _ := NewBox(testKey())
	got, err := box.Open("legacy-plain-secret")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got != "legacy-plain-secret" {
		t.Errorf("Open() = %v, want legacy-plain-secret", got)
	}
}

func TestBox_OpenErrors(t *testing.T) {
	box, _ := NewBox(testKey())
	other, _ := NewBox(bytes.Repeat([]byte{9}, 32))
	sealed, _ := other.Seal("x")

	tests := []struct {
		name  string
		box   *Box
		value string
	}{
		{"wrong key", box, sealed},
		{"bad base64", box, sealedPrefix + "!!!"},
		{"too short", box, sealedPrefix + "AAAA"},
		{"nil box with sealed value", nil, sealed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.box.Open(tt.value)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Open() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestNilBox_SealPassthrough(t *testing.T) {
	var box *Box
	got, err := box.Seal("plain")
	if err != nil || got != "plain" {
		t.Errorf("Seal() = %v, %v, want plain, nil", got, err)
	}
}

func TestNewBox_InvalidKey(t *testing.T) {
	if _, err := NewBox([]byte("short")); err == nil {
		t.Error("NewBox() error = nil, want error for short key")
	}
}
