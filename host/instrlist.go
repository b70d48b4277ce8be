// Copyright The DynamoRIO Authors
// SPDX-License-Identifier: Apache-2.0

package host // import "github.com/qinjuan/dynamorio/host"

// InstrList is a basic block under edit: a doubly linked list of
// instructions. The runtime hands one to each basic-block event; the core
// appends and inserts instrumentation in place.
type InstrList struct {
	first, last *Instr
	// Tag identifies the block to the runtime's code cache.
	Tag uint64
}

// NewInstrList returns an empty list with the given code-cache tag.
func NewInstrList(tag uint64) *InstrList { return &InstrList{Tag: tag} }

// First returns the first instruction, or nil when empty.
func (il *InstrList) First() *Instr { return il.first }

// Last returns the last instruction, or nil when empty.
func (il *InstrList) Last() *Instr { return il.last }

// Len counts the instructions in the list.
func (il *InstrList) Len() int {
	n := 0
	for in := il.first; in != nil; in = in.next {
		n++
	}
	return n
}

// Append adds in at the end of the list.
func (il *InstrList) Append(in *Instr) {
	in.prev = il.last
	in.next = nil
	if il.last != nil {
		il.last.next = in
	} else {
		il.first = in
	}
	il.last = in
}

// InsertBefore inserts in immediately before where. A nil where appends.
func (il *InstrList) InsertBefore(where, in *Instr) {
	if where == nil {
		il.Append(in)
		return
	}
	in.prev = where.prev
	in.next = where
	if where.prev != nil {
		where.prev.next = in
	} else {
		il.first = in
	}
	where.prev = in
}

// Remove unlinks in from the list. The instruction keeps its operands and
// notes and may be relinked elsewhere.
func (il *InstrList) Remove(in *Instr) {
	if in.prev != nil {
		in.prev.next = in.next
	} else {
		il.first = in.next
	}
	if in.next != nil {
		in.next.prev = in.prev
	} else {
		il.last = in.prev
	}
	in.prev = nil
	in.next = nil
}

// FirstApp returns the first application instruction, or nil.
func (il *InstrList) FirstApp() *Instr {
	for in := il.first; in != nil; in = in.next {
		if in.isApp {
			return in
		}
	}
	return nil
}

// LastApp returns the last application instruction, or nil.
func (il *InstrList) LastApp() *Instr {
	for in := il.last; in != nil; in = in.prev {
		if in.isApp {
			return in
		}
	}
	return nil
}
