package wire

// rewindPoint is a serialized snapshot of a Buffer's write-side scalar
// state plus the scalar state of the chunk being written at the time
// of the snapshot (§4.3.9). Snapshotting never copies chunk bytes:
// rewind works by truncating the chain and restoring the write cursor,
// not by restoring byte contents, since bytes past the restored
// write_pos are simply overwritten by whatever is written next.
type rewindPoint struct {
	key int

	cur      int
	head     int
	writePos int

	lastEventSeen uint64
	cursorTime    uint64
	haveCursor    bool

	chunkFirstEvent uint64
	chunkLastEvent  uint64
}

func (b *Buffer) findRewind(key int) int {
	for i := range b.rewindPoints {
		if b.rewindPoints[i].key == key {
			return i
		}
	}
	return -1
}

// StoreRewindPoint records the buffer's current write position under
// key, replacing any rewind point already stored under that key
// (§4.3.9 step 1). It fails if a record is currently open (BeginRecord
// without a matching EndRecord) or if there is no current chunk (after
// a flush has released the chain and nothing has been written since).
func (b *Buffer) StoreRewindPoint(key int) error {
	if b.recOpen {
		return newErr(KindStateInvalid, "StoreRewindPoint", "record open")
	}
	if b.cur < 0 {
		return newErr(KindStateInvalid, "StoreRewindPoint", "no current chunk")
	}
	c := b.currentChunk()
	rp := rewindPoint{
		key:             key,
		cur:             b.cur,
		head:            b.head,
		writePos:        b.writePos,
		lastEventSeen:   b.lastEventSeen,
		cursorTime:      b.cursorTime,
		haveCursor:      b.haveCursor,
		chunkFirstEvent: c.firstEvent,
		chunkLastEvent:  c.lastEvent,
	}
	if i := b.findRewind(key); i >= 0 {
		b.rewindPoints[i] = rp
	} else {
		b.rewindPoints = append(b.rewindPoints, rp)
	}
	return nil
}

// ClearRewindPoint discards a previously stored rewind point without
// restoring anything.
func (b *Buffer) ClearRewindPoint(key int) error {
	i := b.findRewind(key)
	if i < 0 {
		return newErr(KindArgumentInvalid, "ClearRewindPoint", "no such rewind point")
	}
	b.rewindPoints = append(b.rewindPoints[:i], b.rewindPoints[i+1:]...)
	return nil
}

// Rewind restores the buffer's write state to the point saved under
// key (§4.3.9, §8 properties 5-6): every chunk allocated after the
// snapshot is spliced onto the old-chunk-list for reuse, the buffer's
// and chunk's scalar state are restored, and any rewind point stored
// after this one is invalidated since it may reference a now-reused
// chunk. A real flush between store and rewind already cleared
// rewindPoints entirely (see Buffer.flush), so Rewind itself never
// needs to check for that case.
func (b *Buffer) Rewind(key int) error {
	i := b.findRewind(key)
	if i < 0 {
		return newErr(KindArgumentInvalid, "Rewind", "no such rewind point")
	}
	if b.recOpen {
		return newErr(KindStateInvalid, "Rewind", "record open")
	}
	rp := b.rewindPoints[i]

	c := b.arena.get(rp.cur)
	idx := c.next
	for idx >= 0 {
		cc := b.arena.get(idx)
		next := cc.next
		cc.next = b.oldHead
		b.oldHead = idx
		idx = next
	}
	c.next = -1
	c.firstEvent = rp.chunkFirstEvent
	c.lastEvent = rp.chunkLastEvent

	b.cur = rp.cur
	b.head = rp.head
	b.writePos = rp.writePos
	b.lastEventSeen = rp.lastEventSeen
	b.cursorTime = rp.cursorTime
	b.haveCursor = rp.haveCursor

	b.rewindPoints = b.rewindPoints[:i]
	return nil
}
