package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateCreatesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (create): %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}

	if first.NodeID != second.NodeID {
		t.Fatal("reloading the same key file should yield the same node id")
	}
}

func TestLoadOrGenerateRejectsBadKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")
	if err := os.WriteFile(path, []byte("too short"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadOrGenerate(path); err == nil {
		t.Fatal("expected an error for a malformed key file")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	v := id.Sign([]byte("nonce"))
	if err := Verify(v); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	v := id.Sign([]byte("nonce"))
	v.Signature[0] ^= 0xFF
	if err := Verify(v); err == nil {
		t.Fatal("expected verification to fail for a tampered signature")
	}
}

func TestEncodeDecodeValidationDataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	blob := id.SignValidation([]byte("nonce"))
	v, err := DecodeValidationData(blob)
	if err != nil {
		t.Fatalf("DecodeValidationData: %v", err)
	}
	if v.NodeID != id.NodeID {
		t.Fatal("decoded node id should match the signer")
	}
	if err := Verify(v); err != nil {
		t.Fatalf("Verify of round-tripped blob: %v", err)
	}
}

func TestDecodeValidationDataRejectsShortBlob(t *testing.T) {
	if _, err := DecodeValidationData([]byte("too short")); err == nil {
		t.Fatal("expected an error for a truncated validation blob")
	}
}

func TestVerifyRejectsMismatchedNodeID(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrGenerate(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	v := id.Sign([]byte("nonce"))
	v.NodeID[0] ^= 0xFF
	if err := Verify(v); err == nil {
		t.Fatal("expected verification to fail when the claimed node id does not match the key")
	}
}
