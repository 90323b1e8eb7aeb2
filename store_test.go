package loader

import (
	"context"
	"errors"
	"maps"
	"sync"
)

var errRejected = errors.New("document rejected")

// memStore is an in-memory [Store]. Documents whose "reject" field is set
// fail every insert; a bulk containing one fails as a whole unless partial
// is set, in which case only the rejected positions are reported.
type memStore struct {
	mu        sync.Mutex
	docs      []Document
	bulkSizes []int
	singles   int
	partial   bool
	failBulk  bool
}

func (s *memStore) InsertMany(_ context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkSizes = append(s.bulkSizes, len(docs))
	if s.failBulk {
		return &BulkWriteError{Cause: errors.New("network fault")}
	}

	failed := map[int]error{}
	for i, doc := range docs {
		if rejected(doc) {
			failed[i] = errRejected
		}
	}
	if len(failed) == 0 {
		for _, doc := range docs {
			s.docs = append(s.docs, maps.Clone(doc))
		}
		return nil
	}
	if !s.partial {
		return &BulkWriteError{Cause: errRejected}
	}
	for i, doc := range docs {
		if _, ok := failed[i]; !ok {
			s.docs = append(s.docs, maps.Clone(doc))
		}
	}
	return &BulkWriteError{Failed: failed, Cause: errRejected}
}

func (s *memStore) InsertOne(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singles++
	if rejected(doc) {
		return errRejected
	}
	s.docs = append(s.docs, maps.Clone(doc))
	return nil
}

func (s *memStore) written() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Document(nil), s.docs...)
}

func rejected(doc Document) bool {
	_, ok := doc["reject"]
	return ok
}

type recordingErrorSink struct {
	mu    sync.Mutex
	skips []SkipRecord
}

func (s *recordingErrorSink) RecordSkip(filename string, stage Stage, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips = append(s.skips, SkipRecord{Filename: filename, Stage: stage, Reason: reason})
}

func (s *recordingErrorSink) records() []SkipRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SkipRecord(nil), s.skips...)
}
