// Package aead is the thin authenticated-encryption façade the engine
// drives for every packet epoch (spec.md §4.4). It is deliberately
// ignorant of TLS handshake mechanics: callers hand it secrets (derived
// here for the cleartext epoch, or exported by the TLS provider for
// 0-RTT/1-RTT) and get back an encrypt/decrypt pair.
//
// Grounded on the HKDF-Expand-Label shape used by the retrieved
// reference QUIC-crypto glue (see DESIGN.md); AEAD primitives are
// `crypto/aes` + `crypto/cipher` from the standard library, matched
// against `golang.org/x/crypto/hkdf` for key derivation exactly as
// that reference does.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/hkdf"
)

// Overhead is the AES-128-GCM authentication tag length in bytes.
const Overhead = 16

// Sentinel return value for Decrypt on authentication failure, matching
// the source's SIZE_MAX-sentinel convention (spec.md §4.4): callers
// must drop the packet without incrementing any counter beyond a debug
// one.
const AuthFailed = ^uint64(0)

// Keys is the façade's interface: Encrypt/Decrypt keyed by sequence
// number, plus Overhead for callers sizing buffers. A Keys value wraps
// one AEAD secret/direction; callers hold separate Keys for send and
// receive.
type Keys interface {
	Encrypt(dst, aad, plaintext []byte, seq uint64) []byte
	// Decrypt returns the authenticated plaintext and true, or nil and
	// false on authentication failure (the caller must then treat the
	// return as the AuthFailed sentinel: drop, don't count).
	Decrypt(dst, aad, ciphertext []byte, seq uint64) ([]byte, bool)
	Overhead() int
}

// gcmKeys implements Keys over AES-128-GCM with a QUIC-style
// nonce-from-sequence-number construction (IV XORed with the
// big-endian sequence number in the low bytes).
type gcmKeys struct {
	aead cipher.AEAD
	iv   []byte
}

func newGCMKeys(key, iv []byte) (*gcmKeys, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return &gcmKeys{aead: a, iv: iv}, nil
}

func (k *gcmKeys) nonce(seq uint64) []byte {
	n := make([]byte, len(k.iv))
	copy(n, k.iv)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	off := len(n) - 8
	for i := 0; i < 8; i++ {
		n[off+i] ^= seqBytes[i]
	}
	return n
}

func (k *gcmKeys) Encrypt(dst, aad, plaintext []byte, seq uint64) []byte {
	return k.aead.Seal(dst, k.nonce(seq), plaintext, aad)
}

func (k *gcmKeys) Decrypt(dst, aad, ciphertext []byte, seq uint64) ([]byte, bool) {
	out, err := k.aead.Open(dst, k.nonce(seq), ciphertext, aad)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (k *gcmKeys) Overhead() int {
	return k.aead.Overhead()
}

// Direction distinguishes the two AEAD key handles a KeyPhase carries.
type Direction int

const (
	DirEncrypt Direction = iota
	DirDecrypt
)

// KeyPhase bundles the send, receive, and "de-encrypt" (a decrypt key
// derived from the local send secret, so logging can inspect what was
// just sent — spec.md §4.4) key handles for one epoch.
type KeyPhase struct {
	Send      Keys
	Recv      Keys
	DeEncrypt Keys
}

// Epoch names the three packet-protection epochs spec.md §3 lists per
// connection.
type Epoch int

const (
	EpochCleartext Epoch = iota
	EpochZeroRTT
	EpochOneRTT
)

func (e Epoch) String() string {
	switch e {
	case EpochCleartext:
		return "cleartext"
	case EpochZeroRTT:
		return "0-RTT"
	case EpochOneRTT:
		return "1-RTT"
	default:
		return "unknown-epoch"
	}
}

// Labels used by HKDF-Expand-Label for the cleartext epoch (spec.md
// §4.4) and by the TLS provider's exporter for 0-RTT/1-RTT (spec.md
// §4.4); kept here so any caller deriving secrets uses the exact wire
// strings.
const (
	LabelClientHandshake = "tls13 QUIC client handshake secret"
	LabelServerHandshake = "tls13 QUIC server handshake secret"
	LabelZeroRTTExporter = "EXPORTER-QUIC 0-RTT Secret"
	Label1RTTClientExp   = "EXPORTER-QUIC client 1-RTT Secret"
	Label1RTTServerExp   = "EXPORTER-QUIC server 1-RTT Secret"
)

const (
	secretLen = sha256.Size
	keyLen    = 16 // AES-128
	ivLen     = 12 // GCM standard nonce length
)

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction
// (RFC 8446 §7.1) used both for the handshake secrets themselves and
// for deriving key/iv material from any secret.
func hkdfExpandLabel(newHash func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	info := make([]byte, 0, 2+1+len(label)+1+len(context))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(length))
	info = append(info, lenBuf[:]...)
	info = append(info, byte(len(label)))
	info = append(info, label...)
	info = append(info, byte(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	r := hkdf.Expand(newHash, secret, info)
	if _, err := hkdf_Read(r, out); err != nil {
		// hkdf.Expand's reader only fails when the requested length
		// exceeds 255*HashSize, which never happens for our fixed
		// key/iv lengths.
		panic(fmt.Sprintf("aead: hkdf expand: %v", err))
	}
	return out
}

func hkdf_Read(r interface{ Read([]byte) (int, error) }, out []byte) (int, error) {
	return r.Read(out)
}

// DeriveCleartextSecrets runs HKDF-Extract with the version's salt and
// the 8-byte initial connection id as IKM, then HKDF-Expand-Label with
// the client/server handshake labels, producing the two cleartext
// epoch secrets (spec.md §4.4).
func DeriveCleartextSecrets(salt, initialConnID []byte) (clientSecret, serverSecret []byte) {
	initialSecret := hkdf.Extract(sha256.New, initialConnID, salt)
	clientSecret = hkdfExpandLabel(sha256.New, initialSecret, LabelClientHandshake, nil, secretLen)
	serverSecret = hkdfExpandLabel(sha256.New, initialSecret, LabelServerHandshake, nil, secretLen)
	return
}

// KeysFromSecret derives an AES-128-GCM Keys from a 32-byte secret via
// HKDF-Expand-Label with the standard "quic key"/"quic iv" sub-labels.
func KeysFromSecret(secret []byte) (Keys, error) {
	key := hkdfExpandLabel(sha256.New, secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(sha256.New, secret, "quic iv", nil, ivLen)
	return newGCMKeys(key, iv)
}

// NewKeyPhase builds a KeyPhase from a send secret and a receive
// secret: Send/Recv are derived straightforwardly, and DeEncrypt mirrors
// Send (a decrypt key over the same secret the endpoint encrypts with),
// so packet logging can decode what was just sent.
func NewKeyPhase(sendSecret, recvSecret []byte) (KeyPhase, error) {
	send, err := KeysFromSecret(sendSecret)
	if err != nil {
		return KeyPhase{}, err
	}
	recv, err := KeysFromSecret(recvSecret)
	if err != nil {
		return KeyPhase{}, err
	}
	deEncrypt, err := KeysFromSecret(sendSecret)
	if err != nil {
		return KeyPhase{}, err
	}
	return KeyPhase{Send: send, Recv: recv, DeEncrypt: deEncrypt}, nil
}
