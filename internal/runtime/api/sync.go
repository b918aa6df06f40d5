// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/hash"
)

// mutexLockInterval is the polling period of sync.mutex.lock.
const mutexLockInterval = 100 * time.Millisecond

// channelState is one handle's view of a keyed channel: its private FIFO of
// messages sent by other handles on the same key.
type channelState struct {
	key   hash.Hash
	queue []lua.LValue
}

type syncAPI struct {
	mu sync.Mutex

	channels       map[int32]*channelState
	channelMembers map[hash.Hash]map[int32]*channelState

	mutexes     map[int32]hash.Hash
	mutexOwners map[hash.Hash]int32
}

func newSyncAPI() *syncAPI {
	return &syncAPI{
		channels:       map[int32]*channelState{},
		channelMembers: map[hash.Hash]map[int32]*channelState{},
		mutexes:        map[int32]hash.Hash{},
		mutexOwners:    map[hash.Hash]int32{},
	}
}

func (s *syncAPI) newHandle(used func(int32) bool) int32 {
	handle := randomHandle()
	for used(handle) {
		handle = randomHandle()
	}
	return handle
}

func (s *syncAPI) createEnv(ls *lua.LState) *lua.LTable {
	env := ls.NewTable()

	channel := ls.NewTable()

	channel.RawSetString("open", ls.NewFunction(func(ls *lua.LState) int {
		key := hash.ForString(ls.CheckString(1))

		s.mu.Lock()
		defer s.mu.Unlock()

		handle := s.newHandle(func(h int32) bool {
			_, ok := s.channels[h]
			return ok
		})

		state := &channelState{key: key}
		s.channels[handle] = state

		if s.channelMembers[key] == nil {
			s.channelMembers[key] = map[int32]*channelState{}
		}
		s.channelMembers[key][handle] = state

		ls.Push(lua.LNumber(handle))
		return 1
	}))

	// send appends the message, in order, to the FIFO of every other handle
	// open on the same key. With no other handle the message is lost.
	channel.RawSetString("send", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))
		message := ls.Get(2)

		s.mu.Lock()
		defer s.mu.Unlock()

		state, ok := s.channels[handle]
		if !ok {
			ls.RaiseError("invalid channel handle")
			return 0
		}

		for member, other := range s.channelMembers[state.key] {
			if member == handle {
				continue
			}
			other.queue = append(other.queue, cloneValue(ls, message))
		}

		return 0
	}))

	channel.RawSetString("recv", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		s.mu.Lock()
		defer s.mu.Unlock()

		state, ok := s.channels[handle]
		if !ok {
			ls.RaiseError("invalid channel handle")
			return 0
		}

		if len(state.queue) == 0 {
			ls.Push(lua.LNil)
			return 1
		}

		message := state.queue[0]
		state.queue = state.queue[1:]

		ls.Push(message)
		return 1
	}))

	channel.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		s.mu.Lock()
		defer s.mu.Unlock()

		if state, ok := s.channels[handle]; ok {
			delete(s.channels, handle)
			delete(s.channelMembers[state.key], handle)

			if len(s.channelMembers[state.key]) == 0 {
				delete(s.channelMembers, state.key)
			}
		}

		return 0
	}))

	mutex := ls.NewTable()

	mutex.RawSetString("open", ls.NewFunction(func(ls *lua.LState) int {
		key := hash.ForString(ls.CheckString(1))

		s.mu.Lock()
		defer s.mu.Unlock()

		handle := s.newHandle(func(h int32) bool {
			_, ok := s.mutexes[h]
			return ok
		})

		s.mutexes[handle] = key

		ls.Push(lua.LNumber(handle))
		return 1
	}))

	// lock polls until the mutex is free or already held by this handle.
	// Fairness between waiters is not guaranteed.
	mutex.RawSetString("lock", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		for {
			s.mu.Lock()

			key, ok := s.mutexes[handle]
			if !ok {
				s.mu.Unlock()
				ls.RaiseError("invalid mutex handle")
				return 0
			}

			owner, held := s.mutexOwners[key]
			if !held || owner == handle {
				s.mutexOwners[key] = handle
				s.mu.Unlock()
				return 0
			}

			s.mu.Unlock()
			time.Sleep(mutexLockInterval)
		}
	}))

	mutex.RawSetString("unlock", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		s.mu.Lock()
		defer s.mu.Unlock()

		key, ok := s.mutexes[handle]
		if !ok {
			ls.RaiseError("invalid mutex handle")
			return 0
		}

		if s.mutexOwners[key] == handle {
			delete(s.mutexOwners, key)
		}

		return 0
	}))

	mutex.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		s.mu.Lock()
		defer s.mu.Unlock()

		if key, ok := s.mutexes[handle]; ok {
			if s.mutexOwners[key] == handle {
				delete(s.mutexOwners, key)
			}
			delete(s.mutexes, handle)
		}

		return 0
	}))

	env.RawSetString("channel", channel)
	env.RawSetString("mutex", mutex)

	return env
}
