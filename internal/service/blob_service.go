package service

import (
	"fmt"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/storage/entry"
	"github.com/devrev/nvstore/internal/storage/index"
	"github.com/devrev/nvstore/internal/util"
	"github.com/klauspost/compress/snappy"
	"go.uber.org/zap"
)

const (
	// maxChunks is bounded by the 7 bits of the chunk index
	maxChunks = 0x7F

	groupA uint8 = 0x00
	groupB uint8 = 0x80
)

// splitChunkIndex separates the group bit from a chunk index byte.
func splitChunkIndex(b uint8) (group, idx uint8) {
	return b & groupB, b &^ groupB
}

// nextChunkSize picks the size of the next chunk: the rest of the active
// page when it has room for at least one data slot, a full item otherwise.
func (e *engine) nextChunkSize(remaining int) int {
	n := e.chunkCapacity
	if a := e.pm.Active(); a != nil {
		if avail := (a.FreeSlots() - 1) * entry.SlotSize; avail >= entry.SlotSize && avail < n {
			n = avail
		}
	}
	if remaining < n {
		n = remaining
	}
	return n
}

// writeChunked stores a value too large for one item as a group of
// BlobData chunks followed by a BlobIndex. The index is written last so a
// crash before it leaves only orphan chunks.
func (e *engine) writeChunked(nsID uint8, key string, v model.Value, prev *index.Entry) (index.Entry, error) {
	stored, flags := v.Data, uint8(0)
	if e.compress && len(v.Data) >= e.compressMinSize {
		if c := snappy.Encode(nil, v.Data); len(c) < len(v.Data) {
			stored, flags = c, entry.FlagCompressed
		}
	}

	group := groupA
	if prev != nil && prev.Chunked() && prev.Group == groupA {
		group = groupB
	}

	var written []index.ChunkKey
	cleanup := func() {
		for _, ck := range written {
			if loc, ok := e.idx.DeleteChunk(ck); ok {
				e.retire(loc)
			}
		}
	}

	for off := 0; off < len(stored); {
		if len(written) >= maxChunks {
			cleanup()
			return index.Entry{}, errors.ValueTooLarge(len(v.Data), len(written)*e.chunkCapacity).
				WithDetail("chunks", len(written))
		}
		n := e.nextChunkSize(len(stored) - off)
		chunkIdx := uint8(len(written))

		loc, err := e.writeEntry(entry.Entry{
			Namespace:  nsID,
			Type:       model.TypeBlobData,
			ChunkIndex: group | chunkIdx,
			Key:        key,
			Payload:    stored[off : off+n],
		})
		if err != nil {
			cleanup()
			return index.Entry{}, err
		}

		ck := index.ChunkKey{Namespace: nsID, Name: key, Group: group, Index: chunkIdx}
		if prevLoc, had := e.idx.PutChunk(ck, loc); had {
			e.retire(prevLoc)
		}
		written = append(written, ck)
		off += n
	}

	bi := entry.BlobIndex{
		StoredSize: uint32(len(stored)),
		ChunkCount: uint8(len(written)),
		Group:      group,
		Flags:      flags,
		ValueType:  v.Type,
		Digest:     util.ComputeDigest(stored),
		RawSize:    uint32(len(v.Data)),
	}
	loc, err := e.writeEntry(entry.Entry{
		Namespace:  nsID,
		Type:       model.TypeBlobIndex,
		ChunkIndex: entry.NoChunk,
		Key:        key,
		Index:      bi,
	})
	if err != nil {
		cleanup()
		return index.Entry{}, err
	}

	e.metrics.RecordChunkedValue(flags&entry.FlagCompressed != 0)
	e.logger.Debug("Wrote chunked value",
		zap.String("key", key),
		zap.Int("chunks", len(written)),
		zap.Int("raw_size", len(v.Data)),
		zap.Int("stored_size", len(stored)),
		zap.Uint8("group", group))

	return index.Entry{
		Location:   loc,
		ItemType:   model.TypeBlobIndex,
		ValueType:  v.Type,
		Size:       len(v.Data),
		Group:      group,
		ChunkCount: len(written),
	}, nil
}

// readChunked reassembles a chunked value and verifies its digest.
func (e *engine) readChunked(k index.Key, ie index.Entry) ([]byte, error) {
	head, err := e.readEntry(ie.Location)
	if err != nil {
		return nil, err
	}
	if head.Type != model.TypeBlobIndex {
		return nil, errors.ReadFailed(fmt.Sprintf("expected blob index for %q, found %s", k.Name, head.Type), nil)
	}
	bi := head.Index

	digest := util.NewDigestBuilder()
	stored := make([]byte, 0, bi.StoredSize)
	for i := 0; i < int(bi.ChunkCount); i++ {
		loc, ok := e.idx.Chunk(index.ChunkKey{Namespace: k.Namespace, Name: k.Name, Group: bi.Group, Index: uint8(i)})
		if !ok {
			return nil, errors.ReadFailed(fmt.Sprintf("chunk %d of %q is missing", i, k.Name), nil)
		}
		chunk, err := e.readEntry(loc)
		if err != nil {
			return nil, err
		}
		digest.Add(chunk.Payload)
		stored = append(stored, chunk.Payload...)
	}

	if len(stored) != int(bi.StoredSize) || digest.Sum64() != bi.Digest {
		return nil, errors.ReadFailed(fmt.Sprintf("digest mismatch for %q", k.Name), nil).
			WithDetail("stored_size", len(stored)).
			WithDetail("expected_size", bi.StoredSize)
	}

	out := stored
	if bi.Compressed() {
		out, err = snappy.Decode(nil, stored)
		if err != nil {
			return nil, errors.ReadFailed(fmt.Sprintf("failed to decompress %q", k.Name), err)
		}
	}
	if len(out) != int(bi.RawSize) {
		return nil, errors.ReadFailed(fmt.Sprintf("size mismatch for %q", k.Name), nil).
			WithDetail("size", len(out)).
			WithDetail("expected_size", bi.RawSize)
	}
	return out, nil
}
