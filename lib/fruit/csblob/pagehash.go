package csblob

import (
	"crypto"
	"fmt"
	"hash"
	"io"
)

type HashType uint8

// CSCommon.h
const (
	HashNone HashType = iota
	HashSHA1
	HashSHA256
	HashSHA256Truncated
	HashSHA384
	HashSHA512
)

var csHashes = map[HashType]crypto.Hash{
	HashSHA1:   crypto.SHA1,
	HashSHA256: crypto.SHA256,
	HashSHA384: crypto.SHA384,
}

func hashFunc(hashType HashType, hashLen uint8) (crypto.Hash, error) {
	h := csHashes[hashType]
	if h == 0 {
		return 0, fmt.Errorf("unknown hash type %d", hashType)
	}
	if h.Size() != int(hashLen) {
		return 0, fmt.Errorf("expected size %d for hash %d (%s) but got %d", h.Size(), hashType, h, hashLen)
	}
	return h, nil
}

func hashType(h crypto.Hash) (HashType, error) {
	for t, f := range csHashes {
		if f == h {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unsupported hash type %s", h)
}

// hashPages digests the code region page by page, once per configured hash
// function. In single page mode the whole region becomes one slot.
func hashPages(hashFuncs []crypto.Hash, pages io.Reader, singlePage bool) (slots [][]byte, slotCount uint32, codeLimit int64, err error) {
	hashers := make([]hash.Hash, len(hashFuncs))
	slots = make([][]byte, len(hashFuncs))
	for i, f := range hashFuncs {
		hashers[i] = f.New()
	}
	if singlePage {
		writers := make([]io.Writer, len(hashers))
		for i, h := range hashers {
			writers[i] = h
		}
		if codeLimit, err = io.Copy(io.MultiWriter(writers...), pages); err != nil {
			return nil, 0, 0, err
		}
		for i, h := range hashers {
			slots[i] = h.Sum(nil)
		}
		return slots, 1, codeLimit, nil
	}
	page := make([]byte, 1<<defaultPageSizeLog2)
	for {
		n, rerr := io.ReadFull(pages, page)
		if n > 0 {
			for i, h := range hashers {
				h.Reset()
				h.Write(page[:n])
				slots[i] = h.Sum(slots[i])
			}
			codeLimit += int64(n)
			slotCount++
		}
		switch rerr {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return slots, slotCount, codeLimit, nil
		default:
			return nil, 0, 0, rerr
		}
	}
}
