package gamestate

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// metaKey names the top-level subtree excluded from checksums. Endpoints may
// keep ephemeral, locally-divergent values there without tripping desync
// detection.
const metaKey = "meta"

// MarshalStable serializes the checksum view of the document. Map keys sort
// during encoding, so equal documents always produce equal bytes.
func (d Doc) MarshalStable() ([]byte, error) {
	view := make(map[string]any, len(d))
	for key, value := range d {
		if key == metaKey {
			continue
		}
		view[key] = value
	}
	data, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("gamestate: stable marshal: %w", err)
	}
	return data, nil
}

// Checksum hashes the stable serialization with FNV-64a and returns the hex
// form carried in sync messages. This is divergence detection, not
// authentication.
func (d Doc) Checksum() (string, error) {
	data, err := d.MarshalStable()
	if err != nil {
		return "", err
	}
	hasher := fnv.New64a()
	hasher.Write(data)
	return fmt.Sprintf("%016x", hasher.Sum64()), nil
}
