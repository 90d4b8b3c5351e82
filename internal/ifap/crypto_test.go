package ifap

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	key := DeriveKey("hunter2")
	plaintext := []byte("the quick brown fox")

	ciphertext, err := seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatal("ciphertext should not equal plaintext")
	}

	got, err := open(key, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	key := DeriveKey("hunter2")
	wrongKey := DeriveKey("different")

	ciphertext, err := seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := open(wrongKey, ciphertext); err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1 := DeriveKey("same passphrase")
	k2 := DeriveKey("same passphrase")
	if k1 != k2 {
		t.Error("DeriveKey should be deterministic for the same passphrase")
	}

	k3 := DeriveKey("different passphrase")
	if k1 == k3 {
		t.Error("DeriveKey should differ for different passphrases")
	}
}
