// Package image defines the Bytecode Image container: a CBOR-encoded bundle of
// named procedures, each carried as a serialized bytecode chunk, protected by
// a BLAKE2b-256 digest.
package image

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Magic identifies an image.
const Magic = "EV3I"

// Version is the container format version.
const Version uint16 = 1

var (
	ErrBadMagic = errors.New("not a bytecode image")
	ErrVersion  = errors.New("unsupported image version")
	ErrChecksum = errors.New("image checksum mismatch")
	ErrNoEntry  = errors.New("entry procedure not found")
)

// Proc is one named procedure; Chunk holds its serialized bytecode.
type Proc struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Chunk []byte
}

// Image is the decoded container.
type Image struct {
	_       struct{} `cbor:",toarray"`
	Magic   string
	Version uint16
	Name    string // Source file name shown in backtraces
	Entry   string // Procedure run by a load
	Procs   []Proc
	Digest  []byte // BLAKE2b-256 of the encoded Procs
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Digest returns the BLAKE2b-256 sum of the canonical encoding of procs.
func Digest(procs []Proc) ([]byte, error) {
	data, err := encMode.Marshal(procs)
	if err != nil {
		return nil, fmt.Errorf("image: encode procedures: %w", err)
	}
	sum := blake2b.Sum256(data)
	return sum[:], nil
}

// Encode fills in magic, version and digest and serializes img.
func Encode(img *Image) ([]byte, error) {
	if img.Magic == "" {
		img.Magic = Magic
	}
	if img.Version == 0 {
		img.Version = Version
	}
	if err := img.validate(); err != nil {
		return nil, err
	}
	digest, err := Digest(img.Procs)
	if err != nil {
		return nil, err
	}
	img.Digest = digest
	return encMode.Marshal(img)
}

// Decode parses and verifies an image.
func Decode(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: %w: %v", ErrBadMagic, err)
	}
	if img.Magic != Magic {
		return nil, fmt.Errorf("image: %w: magic %q", ErrBadMagic, img.Magic)
	}
	if img.Version > Version {
		return nil, fmt.Errorf("image: %w: %d (max %d)", ErrVersion, img.Version, Version)
	}
	digest, err := Digest(img.Procs)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(digest, img.Digest) {
		return nil, fmt.Errorf("image %s: %w", img.Name, ErrChecksum)
	}
	if err := img.validate(); err != nil {
		return nil, err
	}
	return &img, nil
}

// Proc returns the named procedure.
func (img *Image) Proc(name string) (Proc, bool) {
	for _, p := range img.Procs {
		if p.Name == name {
			return p, true
		}
	}
	return Proc{}, false
}

func (img *Image) validate() error {
	seen := make(map[string]bool, len(img.Procs))
	for _, p := range img.Procs {
		if p.Name == "" {
			return fmt.Errorf("image %s: procedure with empty name", img.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("image %s: duplicate procedure %s", img.Name, p.Name)
		}
		seen[p.Name] = true
	}
	if !seen[img.Entry] {
		return fmt.Errorf("image %s: %w: %q", img.Name, ErrNoEntry, img.Entry)
	}
	return nil
}
