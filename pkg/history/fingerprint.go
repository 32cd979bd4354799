package history

import (
	"encoding/binary"
	"hash"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"go.waggle.dev/waggle/pkg/types"
)

// FingerprintSize is the length of a payload fingerprint.
const FingerprintSize = 16

// Fingerprint is a stable hash of a bucket payload.
//
// Bucket ID and analytics configuration are excluded, so a re-enqueued bucket
// keys into the same history records as its ancestor.
type Fingerprint [FingerprintSize]byte

// ID is the canonical key into the history store.
type ID struct {
	Fingerprint Fingerprint
	Entry       types.TestEntry
}

type fingerprintWriter struct {
	h hash.Hash
}

func (w fingerprintWriter) str(s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	_, _ = w.h.Write(lenBuf[:])
	_, _ = w.h.Write([]byte(s))
}

func (w fingerprintWriter) u64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, _ = w.h.Write(buf[:])
}

// PayloadFingerprint computes the fingerprint of a bucket payload.
//
// Fields are length-prefixed and written in a fixed order, so the digest only
// collides for payloads that are equal field by field, except that plugin
// locations are sorted first, so their order does not affect the digest.
func PayloadFingerprint(p types.BucketPayload) Fingerprint {
	h, err := blake2b.New(FingerprintSize, nil)
	if err != nil {
		panic(err)
	}
	w := fingerprintWriter{h: h}
	w.u64(uint64(len(p.TestEntries)))
	for _, e := range p.TestEntries {
		w.str(e.ClassName)
		w.str(e.MethodName)
		w.str(e.CaseID)
	}
	w.u64(uint64(len(p.BuildArtifacts)))
	for _, a := range p.BuildArtifacts {
		w.str(a)
	}
	w.str(p.TestDestination.DeviceType)
	w.str(p.TestDestination.RuntimeVersion)
	w.u64(uint64(p.TestTimeout / time.Nanosecond))
	sorted := append([]string(nil), p.PluginLocations...)
	sort.Strings(sorted)
	w.u64(uint64(len(sorted)))
	for _, l := range sorted {
		w.str(l)
	}
	w.u64(uint64(p.NumberOfRetries))
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}
