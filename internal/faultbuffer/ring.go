package faultbuffer

import (
	"github.com/taoyao-code/enso-gateway/internal/shadow"
)

// Entry 一组待发送的属性变更
type Entry struct {
	Token       uint64
	InUse       bool
	ReadyToSend bool
	Subscriber  shadow.HandlerID
	DeviceID    shadow.DeviceID
	Group       shadow.Group
	Deltas      []shadow.Delta
}

// Ring 固定容量的 FIFO，满时丢弃最旧的记录
type Ring struct {
	slots []Entry
	start int
	count int
}

// NewRing 创建容量为 capacity 的环形缓冲
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{slots: make([]Entry, capacity)}
}

// Cap 容量
func (r *Ring) Cap() int { return len(r.slots) }

// Len 占用的记录数
func (r *Ring) Len() int { return r.count }

// Push 追加记录；满时先丢弃最旧的记录并返回它
func (r *Ring) Push(e Entry) (Entry, bool) {
	var evicted Entry
	dropped := false
	if r.count == len(r.slots) {
		evicted = r.slots[r.start]
		dropped = true
		r.slots[r.start] = Entry{}
		r.start = (r.start + 1) % len(r.slots)
		r.count--
	}
	e.InUse = true
	r.slots[(r.start+r.count)%len(r.slots)] = e
	r.count++
	return evicted, dropped
}

// Head 最旧的记录
func (r *Ring) Head() (Entry, bool) {
	if r.count == 0 {
		return Entry{}, false
	}
	return r.slots[r.start], true
}

// Release 释放 token 对应的记录，并回收头部所有已释放的记录
func (r *Ring) Release(token uint64) bool {
	found := false
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.slots)
		if r.slots[idx].InUse && r.slots[idx].Token == token {
			r.slots[idx].InUse = false
			found = true
			break
		}
	}
	for r.count > 0 && !r.slots[r.start].InUse {
		r.slots[r.start] = Entry{}
		r.start = (r.start + 1) % len(r.slots)
		r.count--
	}
	return found
}

// Entries 从旧到新的记录副本
func (r *Ring) Entries() []Entry {
	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.slots[(r.start+i)%len(r.slots)])
	}
	return out
}
