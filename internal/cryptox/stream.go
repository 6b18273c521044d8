package cryptox

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/medvault/internal/common"
	"golang.org/x/crypto/hkdf"
)

// Segmented AES-256-GCM with an HKDF-SHA256 per-file key and 4 KiB plaintext
// segments. Layout:
//
//	header:  version(1) | salt(32) | noncePrefix(7)
//	segment: AES-GCM(plaintext[<=4096]) with nonce = prefix | counter(4, BE) | last(1)
//
// The last-segment flag in the nonce makes truncation and reordering
// detectable.
const (
	SegmentSize     = 4096
	streamVersion   = 1
	saltSize        = 32
	noncePrefixSize = 7
	tagSize         = 16
	headerSize      = 1 + saltSize + noncePrefixSize
)

var (
	ErrBadHeader     = errors.New("bad stream header")
	ErrSegmentAuth   = errors.New("segment authentication failed")
	ErrTooManyChunks = errors.New("stream too long")
)

func deriveFileKey(master, salt, associated []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, associated), key); err != nil {
		return nil, err
	}
	return key, nil
}

func segmentNonce(prefix []byte, counter uint32, last bool) []byte {
	nonce := make([]byte, noncePrefixSize+5)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[noncePrefixSize:], counter)
	if last {
		nonce[len(nonce)-1] = 1
	}
	return nonce
}

// readChunk fills buf as far as src allows. A short read is not an error.
func readChunk(src io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(src, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return n, nil
	}
	return n, err
}

func encryptStream(master []byte, dst io.Writer, src io.Reader, associated []byte) error {
	salt := common.GenerateRandByteArray(saltSize)
	prefix := common.GenerateRandByteArray(noncePrefixSize)

	key, err := deriveFileKey(master, salt, associated)
	if err != nil {
		return fmt.Errorf("derive file key: %w", err)
	}
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return err
	}

	header := append([]byte{streamVersion}, salt...)
	header = append(header, prefix...)
	if _, err := dst.Write(header); err != nil {
		return err
	}

	cur := make([]byte, SegmentSize)
	next := make([]byte, SegmentSize)
	out := make([]byte, 0, SegmentSize+tagSize)

	n, err := readChunk(src, cur)
	if err != nil {
		return err
	}

	for counter := uint32(0); ; counter++ {
		m := 0
		if n == SegmentSize {
			if m, err = readChunk(src, next); err != nil {
				return err
			}
		}
		last := m == 0

		out = aead.Seal(out[:0], segmentNonce(prefix, counter, last), cur[:n], nil)
		if _, err := dst.Write(out); err != nil {
			return err
		}
		if last {
			return nil
		}
		if counter == ^uint32(0) {
			return ErrTooManyChunks
		}
		cur, next = next, cur
		n = m
	}
}

func decryptStream(master []byte, dst io.Writer, src io.Reader, associated []byte) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if header[0] != streamVersion {
		return fmt.Errorf("%w: version %d", ErrBadHeader, header[0])
	}
	salt := header[1 : 1+saltSize]
	prefix := header[1+saltSize:]

	key, err := deriveFileKey(master, salt, associated)
	if err != nil {
		return fmt.Errorf("derive file key: %w", err)
	}
	defer common.WipeByteArray(key)

	aead, err := newGCM(key)
	if err != nil {
		return err
	}

	const sealedSize = SegmentSize + tagSize
	cur := make([]byte, sealedSize)
	next := make([]byte, sealedSize)
	out := make([]byte, 0, SegmentSize)

	n, err := readChunk(src, cur)
	if err != nil {
		return err
	}

	for counter := uint32(0); ; counter++ {
		m := 0
		if n == sealedSize {
			if m, err = readChunk(src, next); err != nil {
				return err
			}
		}
		last := m == 0

		out, err = aead.Open(out[:0], segmentNonce(prefix, counter, last), cur[:n], nil)
		if err != nil {
			return fmt.Errorf("%w: segment %d", ErrSegmentAuth, counter)
		}
		if _, err := dst.Write(out); err != nil {
			return err
		}
		if last {
			return nil
		}
		if counter == ^uint32(0) {
			return ErrTooManyChunks
		}
		cur, next = next, cur
		n = m
	}
}
