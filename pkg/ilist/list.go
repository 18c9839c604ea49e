// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Linker is the interface that objects must implement if they want to be
// added to and/or removed from List objects. It is satisfied by pointers to
// types that embed Entry.
type Linker[T any] interface {
	*T
	Next() *T
	Prev() *T
	SetNext(*T)
	SetPrev(*T)
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = P(e).Next() {
//		// do something with e.
//	}
type List[T any, P Linker[T]] struct {
	head *T
	tail *T
	len  int
}

// Reset resets list l to the empty state.
func (l *List[T, P]) Reset() {
	l.head = nil
	l.tail = nil
	l.len = 0
}

// Empty returns true iff the list is empty.
func (l *List[T, P]) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List[T, P]) Front() *T {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List[T, P]) Back() *T {
	return l.tail
}

// Len returns the number of elements in the list.
func (l *List[T, P]) Len() int {
	return l.len
}

// PushBack inserts the element e at the back of list l.
func (l *List[T, P]) PushBack(e *T) {
	P(e).SetNext(nil)
	P(e).SetPrev(l.tail)
	if l.tail != nil {
		P(l.tail).SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
	l.len++
}

// PushFront inserts the element e at the front of list l.
func (l *List[T, P]) PushFront(e *T) {
	P(e).SetNext(l.head)
	P(e).SetPrev(nil)
	if l.head != nil {
		P(l.head).SetPrev(e)
	} else {
		l.tail = e
	}
	l.head = e
	l.len++
}

// PopFront removes and returns the first element, or nil if l is empty.
func (l *List[T, P]) PopFront() *T {
	e := l.head
	if e != nil {
		l.Remove(e)
	}
	return e
}

// Remove removes e from l. e must be an element of l.
func (l *List[T, P]) Remove(e *T) {
	prev := P(e).Prev()
	next := P(e).Next()

	if prev != nil {
		P(prev).SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		P(next).SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	P(e).SetNext(nil)
	P(e).SetPrev(nil)
	l.len--
}

// Entry is a default implementation of Linker. Users can add anonymous fields
// of this type to their structs to make them automatically implement the
// methods needed by List.
type Entry[T any] struct {
	next *T
	prev *T
}

// Next returns the entry that follows e in the list.
func (e *Entry[T]) Next() *T {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *Entry[T]) Prev() *T {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
func (e *Entry[T]) SetNext(elem *T) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
func (e *Entry[T]) SetPrev(elem *T) {
	e.prev = elem
}
