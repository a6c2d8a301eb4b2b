// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package storepath implements the Nix store path model: the fixed-width
// store-path hash, the validated store-object name, the canonical on-disk
// path form, and the deterministic algorithm that derives a store path's
// hash from a content address, a name, and a set of references.
package storepath

import (
	"fmt"
	"path"
	"strings"

	"go.nixrs.dev/nixrs/internal/sortedset"
	"go.nixrs.dev/nixrs/nixbase32"
	"go.nixrs.dev/nixrs/nixhash"
)

// HashSize is the fixed length in bytes of a [Hash].
const HashSize = 20

// hashEncodedLen is the length of a [Hash]'s canonical base-32 string form.
var hashEncodedLen = nixbase32.EncodedLen(HashSize)

// Hash is the 20-byte truncated digest that uniquely identifies
// a store object's content within a store directory, independent of its name.
// The zero value is not a valid hash.
type Hash struct {
	b [HashSize]byte
	// set distinguishes the zero Hash from a hash of all-zero bytes.
	set bool
}

// NewHash constructs a [Hash] from exactly [HashSize] bytes.
func NewHash(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("new store path hash: must be %d bytes (got %d)", HashSize, len(b))
	}
	h := Hash{set: true}
	copy(h.b[:], b)
	return h, nil
}

// ParseHash parses the 32-character Nix base-32 canonical form of a [Hash].
func ParseHash(s string) (Hash, error) {
	if len(s) != hashEncodedLen {
		return Hash{}, fmt.Errorf("parse store path hash %q: must be %d characters", s, hashEncodedLen)
	}
	b, err := nixbase32.DecodeString(HashSize, s)
	if err != nil {
		return Hash{}, fmt.Errorf("parse store path hash %q: %v", s, err)
	}
	return NewHash(b)
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return !h.set
}

// Bytes returns the hash's raw bytes.
func (h Hash) Bytes() []byte {
	if !h.set {
		return nil
	}
	return append([]byte(nil), h.b[:]...)
}

// String returns the hash's canonical 32-character Nix base-32 form.
func (h Hash) String() string {
	if !h.set {
		return ""
	}
	return nixbase32.EncodeToString(h.b[:])
}

// Name is a validated store-object name:
// 1 to 211 characters from the set [A-Za-z0-9+._?=-], not starting with '.'.
type Name string

const maxNameLength = 211

// ParseName validates s as a [Name].
func ParseName(s string) (Name, error) {
	if err := validateName(s); err != nil {
		return "", err
	}
	return Name(s), nil
}

func validateName(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("parse store path name: empty")
	}
	if len(s) > maxNameLength {
		return fmt.Errorf("parse store path name %q: longer than %d characters", s, maxNameLength)
	}
	if s[0] == '.' {
		return fmt.Errorf("parse store path name %q: starts with '.'", s)
	}
	for i := 0; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return fmt.Errorf("parse store path name %q: contains invalid character %q", s, s[i])
		}
	}
	return nil
}

func isNameChar(c byte) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '+' || c == '-' || c == '.' || c == '_' || c == '?' || c == '='
}

// StorePath is a Nix store path: the pair of a [Hash] and a [Name].
// Its zero value is not a valid store path.
// A StorePath's underlying representation is its canonical string form,
// "<base32 hash>-<name>", so a [StorePathSet] is naturally ordered
// by that canonical string.
type StorePath string

// New constructs the canonical [StorePath] for the given hash and name.
func New(hash Hash, name Name) StorePath {
	return StorePath(hash.String() + "-" + string(name))
}

// Parse parses the canonical "<base32 hash>-<name>" form of a store path
// (not an absolute on-disk path; see [StoreDir.ParsePath] for that).
func Parse(s string) (StorePath, error) {
	if len(s) < hashEncodedLen+2 {
		return "", fmt.Errorf("parse store path %q: too short", s)
	}
	if s[hashEncodedLen] != '-' {
		return "", fmt.Errorf("parse store path %q: missing '-' after digest", s)
	}
	if _, err := ParseHash(s[:hashEncodedLen]); err != nil {
		return "", fmt.Errorf("parse store path %q: %v", s, err)
	}
	if err := validateName(s[hashEncodedLen+1:]); err != nil {
		return "", fmt.Errorf("parse store path %q: %v", s, err)
	}
	return StorePath(s), nil
}

// Hash returns the path's hash component.
func (p StorePath) Hash() Hash {
	if len(p) < hashEncodedLen {
		return Hash{}
	}
	h, _ := ParseHash(string(p[:hashEncodedLen]))
	return h
}

// Digest returns the path's hash component in its base-32 string form,
// without parsing it.
func (p StorePath) Digest() string {
	if len(p) < hashEncodedLen {
		return ""
	}
	return string(p[:hashEncodedLen])
}

// Name returns the path's name component.
func (p StorePath) Name() Name {
	if len(p) <= hashEncodedLen+1 {
		return ""
	}
	return Name(p[hashEncodedLen+1:])
}

// IsValid reports whether p is a well-formed store path.
func (p StorePath) IsValid() bool {
	_, err := Parse(string(p))
	return err == nil
}

// StorePathSet is a sorted set of [StorePath] values, ordered by their
// canonical string form.
type StorePathSet = sortedset.Set[StorePath]

// StoreDir is the absolute directory that a Nix store's objects live under.
type StoreDir string

// DefaultStoreDir is the conventional store directory on most installations.
const DefaultStoreDir StoreDir = "/nix/store"

// CleanStoreDir validates and cleans an absolute POSIX path as a [StoreDir].
func CleanStoreDir(p string) (StoreDir, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("store directory %q is not absolute", p)
	}
	return StoreDir(path.Clean(p)), nil
}

// Join returns the absolute on-disk path of storePath within dir.
func (dir StoreDir) Join(storePath StorePath) string {
	return path.Join(string(dir), string(storePath))
}

// ParsePath verifies that p is an absolute path that is either a store
// object itself or a path inside a store object, returning the store
// object's path and the (possibly empty) relative remainder.
func (dir StoreDir) ParsePath(p string) (storePath StorePath, sub string, err error) {
	if !path.IsAbs(p) {
		return "", "", fmt.Errorf("parse store path %s: not absolute", p)
	}
	cleaned := path.Clean(p)
	prefix := path.Clean(string(dir)) + "/"
	tail, ok := strings.CutPrefix(cleaned, prefix)
	if !ok {
		return "", "", fmt.Errorf("parse store path %s: outside %s", p, dir)
	}
	child, rest, _ := strings.Cut(tail, "/")
	storePath, err = Parse(child)
	if err != nil {
		return "", "", fmt.Errorf("parse store path %s: %v", p, err)
	}
	return storePath, rest, nil
}

// CAMethod is how a [ContentAddress]'s hash was computed from a filesystem
// object's content.
type CAMethod int8

// Defined methods.
const (
	// Text identifies a literal text blob (e.g. a derivation or a file
	// written by builtins.toFile), hashed directly and always with SHA-256.
	Text CAMethod = 1 + iota
	// Flat identifies a single file, hashed by its raw byte content.
	Flat
	// Recursive identifies a filesystem object hashed by its NAR
	// serialization.
	Recursive
)

func (m CAMethod) String() string {
	switch m {
	case Text:
		return "text"
	case Flat:
		return "flat"
	case Recursive:
		return "recursive"
	default:
		return fmt.Sprintf("storepath.CAMethod(%d)", int8(m))
	}
}

// prefix returns the fixed-output fingerprint's ingestion-method token:
// "r:" for recursive, "" for flat. Text never uses this form.
func (m CAMethod) prefix() string {
	switch m {
	case Recursive:
		return "r:"
	default:
		return ""
	}
}

// ContentAddressMethodAlgorithm pairs a [CAMethod] with a [nixhash.Algorithm].
// Text implies SHA-256, so its Algorithm is always [nixhash.SHA256].
type ContentAddressMethodAlgorithm struct {
	Method    CAMethod
	Algorithm nixhash.Algorithm
}

// ContentAddress is a content-addressability assertion: a self-describing
// hash of stored content, from which a store path can be derived.
// The zero value is not a valid content address.
type ContentAddress struct {
	method CAMethod
	hash   nixhash.Hash
}

// TextContentAddress returns the content address for a literal text blob.
func TextContentAddress(h nixhash.Hash) ContentAddress {
	return ContentAddress{method: Text, hash: h}
}

// FlatContentAddress returns the content address for a single file,
// hashed by its byte content.
func FlatContentAddress(h nixhash.Hash) ContentAddress {
	return ContentAddress{method: Flat, hash: h}
}

// RecursiveContentAddress returns the content address for a filesystem
// object, hashed by its NAR serialization.
func RecursiveContentAddress(h nixhash.Hash) ContentAddress {
	return ContentAddress{method: Recursive, hash: h}
}

// IsZero reports whether ca is the zero value.
func (ca ContentAddress) IsZero() bool {
	return ca.method == 0
}

// Method returns the content address's ingestion method.
func (ca ContentAddress) Method() CAMethod {
	return ca.method
}

// Hash returns the content address's underlying hash.
func (ca ContentAddress) Hash() nixhash.Hash {
	return ca.hash
}

// IsText reports whether ca addresses a literal text blob.
func (ca ContentAddress) IsText() bool {
	return ca.method == Text
}

// IsRecursiveFile reports whether ca addresses a filesystem object hashed
// by its NAR serialization.
func (ca ContentAddress) IsRecursiveFile() bool {
	return ca.method == Recursive
}

// IsSource reports whether ca describes a "source" store object:
// one hashed by its NAR serialization using SHA-256, as opposed to a
// fixed-output build result hashed with some other algorithm (or flat).
func (ca ContentAddress) IsSource() bool {
	return ca.method == Recursive && ca.hash.Algorithm() == nixhash.SHA256
}

// MethodAlgorithm returns the (method, algorithm) pair describing ca.
func (ca ContentAddress) MethodAlgorithm() ContentAddressMethodAlgorithm {
	return ContentAddressMethodAlgorithm{Method: ca.method, Algorithm: ca.hash.Algorithm()}
}

// String returns ca's wire textual form: "text:<hash>", "fixed:<hash>", or
// "fixed:r:<hash>".
func (ca ContentAddress) String() string {
	switch ca.method {
	case Text:
		return "text:" + ca.hash.String()
	case Recursive:
		return "fixed:r:" + ca.hash.String()
	case Flat:
		return "fixed:" + ca.hash.String()
	default:
		return ""
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (ca ContentAddress) MarshalText() ([]byte, error) {
	if ca.IsZero() {
		return nil, fmt.Errorf("marshal content address: zero value")
	}
	return []byte(ca.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (ca *ContentAddress) UnmarshalText(data []byte) error {
	parsed, err := ParseContentAddress(string(data))
	if err != nil {
		return err
	}
	*ca = parsed
	return nil
}

// ParseContentAddress parses the wire textual form produced by
// [ContentAddress.String].
func ParseContentAddress(s string) (ContentAddress, error) {
	switch {
	case strings.HasPrefix(s, "text:"):
		h, err := nixhash.ParsePrefixed(s[len("text:"):])
		if err != nil {
			return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
		}
		if h.Algorithm() != nixhash.SHA256 {
			return ContentAddress{}, fmt.Errorf("parse content address %q: text must be sha256", s)
		}
		return TextContentAddress(h), nil
	case strings.HasPrefix(s, "fixed:r:"):
		h, err := nixhash.ParsePrefixed(s[len("fixed:r:"):])
		if err != nil {
			return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
		}
		return RecursiveContentAddress(h), nil
	case strings.HasPrefix(s, "fixed:"):
		h, err := nixhash.ParsePrefixed(s[len("fixed:"):])
		if err != nil {
			return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
		}
		return FlatContentAddress(h), nil
	default:
		return ContentAddress{}, fmt.Errorf("parse content address %q: unrecognized form", s)
	}
}

// References is the set of store paths that a store object refers to,
// plus whether it refers to itself.
// The zero value is the empty set.
type References struct {
	// Self is true if the store object contains one or more references to
	// itself.
	Self bool
	// Others holds the other store objects that the store object
	// references.
	Others StorePathSet
}

// IsEmpty reports whether refs is the empty reference set.
func (refs References) IsEmpty() bool {
	return !refs.Self && refs.Others.Len() == 0
}

// ValidateContentAddress checks whether the combination of content address
// and reference set is one that a store will accept, returning a
// descriptive error if not.
func ValidateContentAddress(ca ContentAddress, refs References) error {
	switch {
	case ca.IsZero():
		return fmt.Errorf("content address: null")
	case ca.IsText() && refs.Self:
		return fmt.Errorf("content address: self-references not allowed in a text blob")
	case !refs.IsEmpty() && !ca.IsSource() && !ca.IsText():
		return fmt.Errorf("content address: references not allowed in a fixed output")
	default:
		return nil
	}
}

// MakeStorePath computes the store path for a store object with the given
// store directory, name, content address, and set of references.
//
// This implements the path-hash derivation algorithm: it builds the
// fingerprint string for the content address's kind, takes its SHA-256,
// compresses that 32-byte digest to 20 bytes, and pairs the result with
// name.
func MakeStorePath(dir StoreDir, name Name, ca ContentAddress, refs References) (StorePath, error) {
	if err := ValidateContentAddress(ca, refs); err != nil {
		return "", fmt.Errorf("make store path %s: %v", name, err)
	}

	var pathType string
	switch {
	case ca.IsText():
		pathType = fingerprintPathType("text", refs, false)
	case ca.IsSource():
		pathType = fingerprintPathType("source", refs, true)
	default:
		// Fixed-output build result: hash the inner "fixed:out:..." string
		// and fold that into the outer fingerprint as "output:out".
		inner := nixhash.NewHasher(nixhash.SHA256)
		inner.WriteString("fixed:out:")
		inner.WriteString(ca.Method().prefix())
		inner.WriteString(ca.Hash().String())
		innerDigest := inner.SumHash()
		return makeStorePath(dir, "output:out", innerDigest, name)
	}
	return makeStorePath(dir, pathType, ca.Hash(), name)
}

// fingerprintPathType renders the "text" or "source" path-type prefix,
// including any references and the optional ":self" token.
//
// The serializer must never emit ":self" unless the path actually
// self-references, or path hashes will diverge from other implementations.
func fingerprintPathType(kind string, refs References, allowSelf bool) string {
	var sb strings.Builder
	sb.WriteString(kind)
	for i := 0; i < refs.Others.Len(); i++ {
		sb.WriteByte(':')
		sb.WriteString(string(refs.Others.At(i)))
	}
	if allowSelf && refs.Self {
		sb.WriteString(":self")
	}
	return sb.String()
}

func makeStorePath(dir StoreDir, pathType string, digest nixhash.Hash, name Name) (StorePath, error) {
	fingerprint := pathType + ":sha256:" + digest.Base16() + ":" + string(dir) + ":" + string(name)
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString(fingerprint)
	compressed := nixhash.CompressHash(HashSize, h.SumHash().Bytes())
	hash, err := NewHash(compressed)
	if err != nil {
		return "", err
	}
	return New(hash, name), nil
}
