/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"context"
	"sync"

	pb "github.com/jumpstarter-dev/jumpstarter-protocol/go/jumpstarter/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ListenEntry is a live Listen stream held in the registry. Sends are
// serialized since Dial handlers push concurrently onto the same stream.
type ListenEntry struct {
	mu     sync.Mutex
	stream pb.ControllerService_ListenServer
	cancel context.CancelFunc
}

func (e *ListenEntry) Send(msg *pb.ListenResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream.Send(msg)
}

// Registry tracks which exporters currently hold a Listen stream, keyed by
// exporter identifier. Lookups from Dial vastly outnumber registrations.
// The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ListenEntry
}

// Register claims the subject for the given stream. A second Listen for a
// subject is rejected until the first one goes away.
func (r *Registry) Register(
	subject string,
	stream pb.ControllerService_ListenServer,
	cancel context.CancelFunc,
) (*ListenEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries == nil {
		r.entries = make(map[string]*ListenEntry)
	}

	if _, ok := r.entries[subject]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "exporter is already listening")
	}

	entry := &ListenEntry{
		stream: stream,
		cancel: cancel,
	}
	r.entries[subject] = entry

	return entry, nil
}

func (r *Registry) Lookup(subject string) (*ListenEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[subject]
	return entry, ok
}

// Unregister removes the subject if it is still held by the given entry,
// so a stale stream tearing down cannot remove its replacement. Idempotent.
func (r *Registry) Unregister(subject string, entry *ListenEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[subject]; ok && current == entry {
		delete(r.entries, subject)
	}
}

// Evict cancels the subject's stream, e.g. on Bye or exporter deletion.
// The Listen handler unregisters itself on the way out.
func (r *Registry) Evict(subject string) {
	r.mu.RLock()
	entry, ok := r.entries[subject]
	r.mu.RUnlock()

	if ok {
		entry.cancel()
	}
}
