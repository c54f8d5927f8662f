package isoalloc

import "encoding/binary"

// bitSlot addresses one chunk's two-bit state as (word<<6)+bitOffset;
// it is always even. badBitSlot (-1) means "no slot".
type bitSlot = int64

const badBitSlot bitSlot = BadBitSlot

// chunkState is the decoded two-bit state of a chunk (spec.md §3
// "Bitmap encoding").
type chunkState int

const (
	stateNeverUsed chunkState = iota // 00
	stateAllocated                   // 10 (low=1, high=0)
	stateFree                        // 01 (low=0, high=1) — carries a canary
	stateCanary                      // 11 — permanently reserved, carries a canary
)

func decodeState(low, high uint64) chunkState {
	switch {
	case low == 0 && high == 0:
		return stateNeverUsed
	case low == 1 && high == 0:
		return stateAllocated
	case low == 0 && high == 1:
		return stateFree
	default:
		return stateCanary
	}
}

// bitmapWordCount returns the number of 64-bit words in the zone's
// bitmap.
func (z *Zone) bitmapWordCount() int {
	return int(z.bitmapSize / 8)
}

// chunkCount returns the number of chunk slots the zone's user region
// holds.
func (z *Zone) chunkCount() uint64 {
	return z.userSize / z.chunkSize
}

// bitmapSizeFor computes the bitmap byte size needed for chunkCount
// chunks, rounded up to one machine word (spec.md §3 "bitmap_size:
// bytes; chosen so 2 bits per chunk fits, minimum one machine word").
func bitmapSizeFor(chunkCount uint64) uint64 {
	bits := chunkCount * BitsPerChunk
	bytes := roundUp(bits, 8) / 8
	if bytes < 8 {
		bytes = 8
	}
	return bytes
}

func (z *Zone) readWord(wordIndex int) uint64 {
	off := wordIndex * 8
	return binary.LittleEndian.Uint64(z.bitmapMapping.data[off : off+8])
}

func (z *Zone) writeWord(wordIndex int, v uint64) {
	off := wordIndex * 8
	binary.LittleEndian.PutUint64(z.bitmapMapping.data[off:off+8], v)
}

// wordIndexAndBit splits a bit-slot into its word index and the bit
// offset of its low ("allocated") bit within that word.
func wordIndexAndBit(slot bitSlot) (int, uint) {
	return int(slot >> 6), uint(slot & 63)
}

func (z *Zone) stateAt(slot bitSlot) chunkState {
	wi, bit := wordIndexAndBit(slot)
	w := z.readWord(wi)
	return decodeState(getBit(w, bit), getBit(w, bit+1))
}

// fillFreeBitSlotCache refills the zone's free-slot cache (spec.md
// §4.4). It picks a random starting word, walks forward with no
// wrap-around, collects up to BitSlotCacheSz free slots, and
// shuffles them to decorrelate allocation order.
func (z *Zone) fillFreeBitSlotCache(rng *prng) {
	wordCount := z.bitmapWordCount()
	if wordCount == 0 {
		return
	}

	start := 0
	if wordCount > 1 {
		start = int(rng.uint64n(uint64(wordCount - 1)))
	}

	collected := 0
	for wi := start; wi < wordCount && collected < BitSlotCacheSz; wi++ {
		w := z.readWord(wi)
		for bit := uint(0); bit < BitsPerQword && collected < BitSlotCacheSz; bit += BitsPerChunk {
			if getBit(w, bit) == 0 {
				slot := bitSlot(wi)<<6 | bitSlot(bit)
				z.freeBitSlotCache[collected] = slot
				collected++
			}
		}
	}

	// Fisher-Yates shuffle over the collected prefix.
	for i := collected - 1; i > 0; i-- {
		j := int(rng.uint64n(uint64(i + 1)))
		z.freeBitSlotCache[i], z.freeBitSlotCache[j] = z.freeBitSlotCache[j], z.freeBitSlotCache[i]
	}
	for i := collected; i < BitSlotCacheSz; i++ {
		z.freeBitSlotCache[i] = badBitSlot
	}

	z.freeBitSlotCacheUsable = 0
	z.freeBitSlotCacheIndex = collected
}

// cacheEmpty reports whether the free-slot cache has nothing left to
// dequeue.
func (z *Zone) cacheEmpty() bool {
	return z.freeBitSlotCacheUsable >= z.freeBitSlotCacheIndex
}

// dequeueFreeBitSlot pops the next cached free slot, or badBitSlot on
// underflow (spec.md §4.4 "Dequeue").
func (z *Zone) dequeueFreeBitSlot() bitSlot {
	if z.cacheEmpty() {
		return badBitSlot
	}
	slot := z.freeBitSlotCache[z.freeBitSlotCacheUsable]
	z.freeBitSlotCache[z.freeBitSlotCacheUsable] = badBitSlot
	z.freeBitSlotCacheUsable++
	return slot
}

// enqueueFreeBitSlot appends a freed slot at the write cursor. If the
// cache is full the slot is silently dropped — the next refill will
// rediscover it by scanning (spec.md §4.4 "Enqueue on free", and the
// Open Question in §9 flagging the resulting under-utilization as
// intentional-but-imperfect).
func (z *Zone) enqueueFreeBitSlot(slot bitSlot) {
	if z.freeBitSlotCacheIndex >= BitSlotCacheSz {
		return
	}
	z.freeBitSlotCache[z.freeBitSlotCacheIndex] = slot
	z.freeBitSlotCacheIndex++
}

// scanFreeSlotFast finds the first bitmap word equal to zero (every
// chunk it covers is in the "never used" state) and returns its first
// slot (spec.md §4.6 step 2).
func (z *Zone) scanFreeSlotFast() bitSlot {
	wordCount := z.bitmapWordCount()
	for wi := 0; wi < wordCount; wi++ {
		if z.readWord(wi) == 0 {
			return bitSlot(wi) << 6
		}
	}
	return badBitSlot
}

// scanFreeSlotSlow bit-scans every word whose value indicates it may
// still hold a free chunk (spec.md §4.6 step 3).
func (z *Zone) scanFreeSlotSlow() bitSlot {
	wordCount := z.bitmapWordCount()
	for wi := 0; wi < wordCount; wi++ {
		w := z.readWord(wi)
		if w < allocatedBitSlots {
			for bit := uint(0); bit < BitsPerQword; bit += BitsPerChunk {
				if getBit(w, bit) == 0 {
					return bitSlot(wi)<<6 | bitSlot(bit)
				}
			}
		}
	}
	return badBitSlot
}

// pointerFromBitSlot computes the user-region address for slot.
func (z *Zone) pointerFromBitSlot(slot bitSlot) uintptr {
	chunkNumber := uint64(slot) >> 1
	return z.unmaskedUserBase() + uintptr(chunkNumber*z.chunkSize)
}

// bitSlotFromPointer computes the bit-slot for a user-region address
// known to be chunk-aligned within the zone.
func (z *Zone) bitSlotFromPointer(p uintptr) bitSlot {
	chunkNumber := (uint64(p) - uint64(z.unmaskedUserBase())) / z.chunkSize
	return bitSlot(chunkNumber << 1)
}
