//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package felt

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// LabelKey is the per-item key produced by the external OPRF layer
// and used to encrypt/decrypt that item's label.
type LabelKey [32]byte

// ErrNonceByteCount is returned when nonceByteCount is out of the
// allowed [0,16] range.
var ErrNonceByteCount = errors.New("felt: nonce_byte_count out of range [0,16]")

// ErrLabelByteCount is returned when a label byte count exceeds the
// allowed [0,1024] range.
var ErrLabelByteCount = errors.New("felt: label_byte_count out of range [0,1024]")

func keystream(key LabelKey, nonce []byte, n int) []byte {
	out := make([]byte, 0, n)
	var counter [4]byte
	for i := uint32(0); len(out) < n; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		info := append(append([]byte{}, nonce...), counter[:]...)
		r := hkdf.New(sha256.New, key[:], nil, info)
		block := make([]byte, 32)
		if _, err := io.ReadFull(r, block); err != nil {
			panic(err) // hkdf.New with sha256 never fails to fill 32 bytes
		}
		out = append(out, block...)
	}
	return out[:n]
}

// EncryptLabel encrypts label under key with a nonceByteCount-byte
// random nonce drawn from rnd, producing an EncryptedLabel whose
// first nonceByteCount bytes are the nonce and whose remainder is the
// keystream-XOR ciphertext, keyed by (nonce || counter).
func EncryptLabel(label []byte, key LabelKey, nonceByteCount int,
	rnd io.Reader) (EncryptedLabel, error) {

	if nonceByteCount < 0 || nonceByteCount > 16 {
		return nil, ErrNonceByteCount
	}
	if len(label) > 1024 {
		return nil, ErrLabelByteCount
	}
	nonce := make([]byte, nonceByteCount)
	if nonceByteCount > 0 {
		if _, err := io.ReadFull(rnd, nonce); err != nil {
			return nil, err
		}
	}
	ks := keystream(key, nonce, len(label))
	out := make(EncryptedLabel, nonceByteCount+len(label))
	copy(out, nonce)
	for i := range label {
		out[nonceByteCount+i] = label[i] ^ ks[i]
	}
	return out, nil
}

// DecryptLabel inverts EncryptLabel: it splits the nonce prefix off
// enc, regenerates the keystream, and XORs it back out.
func DecryptLabel(enc EncryptedLabel, key LabelKey, nonceByteCount int) (
	[]byte, error) {

	if nonceByteCount < 0 || nonceByteCount > 16 {
		return nil, ErrNonceByteCount
	}
	if len(enc) < nonceByteCount {
		return nil, errors.New("felt: encrypted label shorter than nonce")
	}
	nonce := enc[:nonceByteCount]
	ct := enc[nonceByteCount:]
	ks := keystream(key, nonce, len(ct))
	out := make([]byte, len(ct))
	for i := range ct {
		out[i] = ct[i] ^ ks[i]
	}
	return out, nil
}
