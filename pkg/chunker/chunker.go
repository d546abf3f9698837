// Package chunker splits table payloads into content-defined chunks using a
// buzhash rolling checksum, so that small edits only change the chunks they
// touch and everything else deduplicates in the chunk store.
package chunker

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	boxochunker "github.com/ipfs/boxo/chunker"

	"github.com/stratadb/strata/pkg/types"
	"github.com/stratadb/strata/pkg/workerpool"
)

type indexedChunk struct {
	index int
	chunk types.Chunk
}

// ChunkBytes splits data into content-defined chunks and hashes each one.
// The returned chunks are in payload order; concatenating their Data yields
// data again. Empty input yields no chunks.
func ChunkBytes(data []byte, wp *workerpool.WorkerPool) ([]types.Chunk, error) {
	return ChunkReader(bytes.NewReader(data), wp)
}

// ChunkReader is ChunkBytes over a stream.
func ChunkReader(reader io.Reader, wp *workerpool.WorkerPool) ([]types.Chunk, error) {
	bz := boxochunker.NewBuzhash(reader)

	var payloads [][]byte
	for {
		data, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading chunk: %w", err)
		}
		payloads = append(payloads, data)
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	// The room buffers one result per chunk, so hash workers never block on
	// a full result channel while submissions are still queueing behind
	// them; the pool stays live no matter how large the payload is.
	room := wp.CreateRoom(len(payloads))
	for index, data := range payloads {
		i, d := index, data
		room.Submit(func() interface{} {
			return indexedChunk{
				index: i,
				chunk: types.Chunk{Hash: types.HashBytes(d), Data: d},
			}
		})
	}

	results := room.Collect()
	chunks := make([]indexedChunk, 0, len(payloads))
	for _, r := range results {
		chunks = append(chunks, r.(indexedChunk))
	}

	sort.Slice(chunks, func(a, b int) bool { return chunks[a].index < chunks[b].index })

	ordered := make([]types.Chunk, len(chunks))
	for i, ic := range chunks {
		ordered[i] = ic.chunk
	}
	return ordered, nil
}
