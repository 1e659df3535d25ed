package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// OpSetEngine is the in-process Engine used when no external document library
// is wired in. It treats every update as a set of opaque operation entries
// keyed by payload digest, which gives it the required merge laws without
// interpreting content. Entry payloads typically carry a library-specific
// binary update produced by the editing client.
type OpSetEngine struct{}

// NewOpSetEngine returns the digest-set document engine.
func NewOpSetEngine() *OpSetEngine {
	return &OpSetEngine{}
}

type entryDigest [sha256.Size]byte

// OpSetState holds the merged entry set for one document.
type OpSetState struct {
	entries map[entryDigest][]byte
}

// NewState returns an empty document state.
func (engine *OpSetEngine) NewState() State {
	return &OpSetState{entries: map[entryDigest][]byte{}}
}

// DecodeState reconstructs a state from an encoded blob.
func (engine *OpSetEngine) DecodeState(encoded []byte) (State, error) {
	payloads, err := decodeEntries(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	state := &OpSetState{entries: make(map[entryDigest][]byte, len(payloads))}
	for _, payload := range payloads {
		state.entries[sha256.Sum256(payload)] = payload
	}
	return state, nil
}

// Merge combines the given updates into one canonical update.
func (engine *OpSetEngine) Merge(updates ...[]byte) ([]byte, error) {
	if len(updates) == 0 {
		return nil, ErrNoUpdates
	}
	merged := map[entryDigest][]byte{}
	for _, update := range updates {
		payloads, err := decodeEntries(update)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		for _, payload := range payloads {
			merged[sha256.Sum256(payload)] = payload
		}
	}
	return encodeEntryMap(merged), nil
}

// Apply folds an update payload into the state.
func (state *OpSetState) Apply(update []byte) error {
	payloads, err := decodeEntries(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, payload := range payloads {
		digest := sha256.Sum256(payload)
		if _, known := state.entries[digest]; !known {
			state.entries[digest] = payload
		}
	}
	return nil
}

// Vector returns the sorted digest list of every entry in the state.
func (state *OpSetState) Vector() []byte {
	digests := state.sortedDigests()
	encoded := binary.AppendUvarint(nil, uint64(len(digests)))
	for _, digest := range digests {
		encoded = append(encoded, digest[:]...)
	}
	return encoded
}

// Diff returns an update carrying every entry absent from the given vector.
func (state *OpSetState) Diff(vector []byte) ([]byte, error) {
	seen, err := decodeVector(vector)
	if err != nil {
		return nil, err
	}
	missing := map[entryDigest][]byte{}
	for digest, payload := range state.entries {
		if _, known := seen[digest]; !known {
			missing[digest] = payload
		}
	}
	return encodeEntryMap(missing), nil
}

// Encode serializes the state canonically: identical entry sets produce
// identical bytes regardless of arrival order.
func (state *OpSetState) Encode() []byte {
	return encodeEntryMap(state.entries)
}

// Len reports the number of distinct entries in the state.
func (state *OpSetState) Len() int {
	return len(state.entries)
}

func (state *OpSetState) sortedDigests() []entryDigest {
	digests := make([]entryDigest, 0, len(state.entries))
	for digest := range state.entries {
		digests = append(digests, digest)
	}
	sort.Slice(digests, func(left, right int) bool {
		return bytes.Compare(digests[left][:], digests[right][:]) < 0
	})
	return digests
}

// NewEntryUpdate wraps a single opaque operation payload as an update.
func NewEntryUpdate(payload []byte) []byte {
	encoded := binary.AppendUvarint(nil, 1)
	encoded = binary.AppendUvarint(encoded, uint64(len(payload)))
	return append(encoded, payload...)
}

func encodeEntryMap(entries map[entryDigest][]byte) []byte {
	digests := make([]entryDigest, 0, len(entries))
	for digest := range entries {
		digests = append(digests, digest)
	}
	sort.Slice(digests, func(left, right int) bool {
		return bytes.Compare(digests[left][:], digests[right][:]) < 0
	})
	encoded := binary.AppendUvarint(nil, uint64(len(digests)))
	for _, digest := range digests {
		payload := entries[digest]
		encoded = binary.AppendUvarint(encoded, uint64(len(payload)))
		encoded = append(encoded, payload...)
	}
	return encoded
}

func decodeEntries(encoded []byte) ([][]byte, error) {
	count, offset := binary.Uvarint(encoded)
	if offset <= 0 {
		return nil, fmt.Errorf("entry count: truncated")
	}
	remaining := encoded[offset:]
	payloads := make([][]byte, 0)
	for index := uint64(0); index < count; index++ {
		length, lengthOffset := binary.Uvarint(remaining)
		if lengthOffset <= 0 {
			return nil, fmt.Errorf("entry %d: truncated length", index)
		}
		remaining = remaining[lengthOffset:]
		if length == 0 {
			return nil, fmt.Errorf("entry %d: empty payload", index)
		}
		if uint64(len(remaining)) < length {
			return nil, fmt.Errorf("entry %d: truncated payload", index)
		}
		payloads = append(payloads, remaining[:length])
		remaining = remaining[length:]
	}
	if len(remaining) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(remaining))
	}
	return payloads, nil
}

func decodeVector(encoded []byte) (map[entryDigest]struct{}, error) {
	count, offset := binary.Uvarint(encoded)
	if offset <= 0 {
		return nil, fmt.Errorf("%w: truncated digest count", ErrMalformedVector)
	}
	remaining := encoded[offset:]
	if count > uint64(len(remaining))/sha256.Size || uint64(len(remaining)) != count*sha256.Size {
		return nil, fmt.Errorf("%w: digest block length %d does not match count %d", ErrMalformedVector, len(remaining), count)
	}
	seen := make(map[entryDigest]struct{}, count)
	for index := uint64(0); index < count; index++ {
		var digest entryDigest
		copy(digest[:], remaining[:sha256.Size])
		seen[digest] = struct{}{}
		remaining = remaining[sha256.Size:]
	}
	return seen, nil
}
