// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package block

import "sync"

type used struct {
	head    uint16
	written uint32
}

// sequencer posts completions in the order the requests were taken from the
// available ring, even if they finish out of order.
type sequencer struct {
	mu      sync.Mutex
	next    uint64
	done    uint64
	pending map[uint64]used
	post    func(completed []used)
}

func newSequencer(post func(completed []used)) *sequencer {
	return &sequencer{
		pending: map[uint64]used{},
		post:    post,
	}
}

// reserve returns the sequence number of the next request. It must be called
// in available ring order.
func (s *sequencer) reserve() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.next
	s.next++

	return seq
}

// complete records the completion of the request with the given sequence
// number and posts all completions that are in order now.
func (s *sequencer) complete(seq uint64, head uint16, written uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[seq] = used{head: head, written: written}

	var ready []used

	for {
		u, exists := s.pending[s.done]
		if !exists {
			break
		}

		delete(s.pending, s.done)
		ready = append(ready, u)
		s.done++
	}

	if len(ready) > 0 {
		s.post(ready)
	}
}
