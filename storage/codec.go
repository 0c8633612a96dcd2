package storage

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/andybalholm/brotli"
	"golang.org/x/crypto/blake2b"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const (
	formatJSON   byte = 'j'
	formatBrotli byte = 'b'

	// MaxKeyLength is the longest cache key stored verbatim; longer keys
	// are replaced by their blake2b-256 digest.
	MaxKeyLength = 200
)

type codec struct {
	compress bool
	level    int
}

func newCodec(compress bool) codec {
	return codec{compress: compress, level: brotli.DefaultCompression}
}

// encode prefixes the serialized entry with a one-byte format tag so a
// store can be switched between compressed and plain without a migration.
func (c codec) encode(entry *types.CacheEntry) ([]byte, error) {
	raw, err := utils.Marshal(entry)
	if err != nil {
		return nil, types.Errorf(types.ErrStoreEncodeFailed, "%v", err)
	}

	if !c.compress {
		return append([]byte{formatJSON}, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(formatBrotli)

	w := brotli.NewWriterLevel(&buf, c.level)
	if _, err := w.Write(raw); err != nil {
		return nil, types.Errorf(types.ErrStoreEncodeFailed, "brotli write: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, types.Errorf(types.ErrStoreEncodeFailed, "brotli close: %v", err)
	}

	return buf.Bytes(), nil
}

func (c codec) decode(data []byte) (*types.CacheEntry, error) {
	if len(data) == 0 {
		return nil, types.Errorf(types.ErrStoreDecodeFailed, "empty record")
	}

	var raw []byte
	switch data[0] {
	case formatJSON:
		raw = data[1:]
	case formatBrotli:
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data[1:])))
		if err != nil {
			return nil, types.Errorf(types.ErrStoreDecodeFailed, "brotli read: %v", err)
		}
		raw = decoded
	default:
		return nil, types.Errorf(types.ErrStoreDecodeFailed, "unknown format tag %q", data[0])
	}

	entry := &types.CacheEntry{}
	if err := utils.Unmarshal(raw, entry); err != nil {
		return nil, types.Errorf(types.ErrStoreDecodeFailed, "%v", err)
	}

	return entry, nil
}

func storageKey(key string) string {
	if len(key) <= MaxKeyLength {
		return key
	}
	sum := blake2b.Sum256([]byte(key))
	return "h:" + hex.EncodeToString(sum[:])
}
