package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// LockToken derives the advisory lock key for (owner, subject, day). The
// digest input is owner, subject and day joined by 0x1F; the first eight
// bytes are read big-endian with the sign bit cleared. Other services that
// write emotion_records must derive the same value.
func LockToken(ownerID, subjectID, day string) int64 {
	h := sha256.New()
	h.Write([]byte(ownerID))
	h.Write([]byte{0x1f})
	h.Write([]byte(subjectID))
	h.Write([]byte{0x1f})
	h.Write([]byte(day))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) & math.MaxInt64)
}

// ReferenceDay formats t as YYYY-MM-DD in loc.
func ReferenceDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// dayBounds returns [start, end) of t's calendar day in loc.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// keyedLocks is an in-process exclusive lock per token, used where the
// database has no advisory locks (SQLite). Waiters queue on a buffered
// channel so acquisition honours context cancellation.
type keyedLocks struct {
	mu sync.Mutex
	m  map[int64]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{m: make(map[int64]*keyedLock)}
}

func (k *keyedLocks) acquire(ctx context.Context, token int64) (func(), error) {
	k.mu.Lock()
	l := k.m[token]
	if l == nil {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.m[token] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				k.put(token, l)
			})
		}, nil
	case <-ctx.Done():
		k.put(token, l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) put(token int64, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.m, token)
	}
}

func (k *keyedLocks) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
