package aead

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secretA := bytes.Repeat([]byte{0x11}, 32)
	secretB := bytes.Repeat([]byte{0x22}, 32)
	sender, err := NewKeyPhase(secretA, secretB)
	if err != nil {
		t.Fatalf("NewKeyPhase: %v", err)
	}
	receiver, err := NewKeyPhase(secretB, secretA)
	if err != nil {
		t.Fatalf("NewKeyPhase: %v", err)
	}

	aad := []byte{0x80, 0xFF, 0x00, 0x00, 0x08}
	plaintext := []byte("frame bytes under protection")
	ct := sender.Send.Encrypt(nil, aad, plaintext, 42)
	if len(ct) != len(plaintext)+Overhead {
		t.Fatalf("ciphertext length %d, want plaintext+%d", len(ct), Overhead)
	}

	got, ok := receiver.Recv.Decrypt(nil, aad, ct, 42)
	if !ok || !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypt round trip failed (ok=%v)", ok)
	}
}

func TestDecryptAuthFailures(t *testing.T) {
	secret := bytes.Repeat([]byte{0x33}, 32)
	phase, err := NewKeyPhase(secret, secret)
	if err != nil {
		t.Fatalf("NewKeyPhase: %v", err)
	}
	aad := []byte{1, 2, 3}
	ct := phase.Send.Encrypt(nil, aad, []byte("payload"), 7)

	if _, ok := phase.Recv.Decrypt(nil, aad, ct, 8); ok {
		t.Errorf("decrypt with wrong sequence number must fail")
	}
	if _, ok := phase.Recv.Decrypt(nil, []byte{9, 9, 9}, ct, 7); ok {
		t.Errorf("decrypt with wrong aad must fail")
	}
	flipped := append([]byte{}, ct...)
	flipped[0] ^= 0x01
	if _, ok := phase.Recv.Decrypt(nil, aad, flipped, 7); ok {
		t.Errorf("decrypt of corrupted ciphertext must fail")
	}
}

func TestDeEncryptMirrorsSend(t *testing.T) {
	sendSecret := bytes.Repeat([]byte{0x44}, 32)
	recvSecret := bytes.Repeat([]byte{0x55}, 32)
	phase, err := NewKeyPhase(sendSecret, recvSecret)
	if err != nil {
		t.Fatalf("NewKeyPhase: %v", err)
	}
	aad := []byte{0xAB}
	ct := phase.Send.Encrypt(nil, aad, []byte("just sent"), 3)
	got, ok := phase.DeEncrypt.Decrypt(nil, aad, ct, 3)
	if !ok || string(got) != "just sent" {
		t.Fatalf("de-encrypt mirror could not decode the sent packet (ok=%v)", ok)
	}
}

func TestCleartextSecretsPerRole(t *testing.T) {
	salt := bytes.Repeat([]byte{0x9c}, 20)
	connID := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	client1, server1 := DeriveCleartextSecrets(salt, connID)
	if bytes.Equal(client1, server1) {
		t.Errorf("client and server cleartext secrets must differ")
	}

	client2, server2 := DeriveCleartextSecrets(salt, connID)
	if !bytes.Equal(client1, client2) || !bytes.Equal(server1, server2) {
		t.Errorf("derivation must be deterministic for the same salt and connection id")
	}

	otherID := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	client3, _ := DeriveCleartextSecrets(salt, otherID)
	if bytes.Equal(client1, client3) {
		t.Errorf("different connection ids must yield different secrets")
	}
}
