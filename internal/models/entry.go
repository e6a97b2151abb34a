package models

import (
	"time"
)

// EntryMetadata describes where a cache entry came from and how big it is.
type EntryMetadata struct {
	Table    string
	EntityID string
	Tags     []string
	Size     int64
}

// Entry is one cached value with its bookkeeping. An entry is valid only
// while now < Timestamp+TTL; invalid entries must never surface as hits.
type Entry struct {
	Data        any
	Timestamp   time.Time
	TTL         time.Duration
	Accessed    time.Time
	AccessCount int64
	Metadata    EntryMetadata
}

// NewEntry creates an entry stamped at now.
func NewEntry(data any, ttl time.Duration, meta EntryMetadata) *Entry {
	now := time.Now()
	return &Entry{
		Data:      data,
		Timestamp: now,
		TTL:       ttl,
		Accessed:  now,
		Metadata:  meta,
	}
}

// Valid reports whether the entry is still live at the given instant.
func (e *Entry) Valid(now time.Time) bool {
	return now.Before(e.Timestamp.Add(e.TTL))
}

// Expired is the complement of Valid.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Valid(now)
}

// Touch records a read: bumps the access count and the last-read time.
func (e *Entry) Touch(now time.Time) {
	e.Accessed = now
	e.AccessCount++
}

// HasTag reports whether any of the given tags matches the entry's tags.
func (e *Entry) HasTag(tags []string) bool {
	for _, want := range tags {
		for _, got := range e.Metadata.Tags {
			if want == got {
				return true
			}
		}
	}
	return false
}

// Copy returns an independent copy of the entry, used by promotion so the
// source layer keeps its own bookkeeping.
func (e *Entry) Copy() *Entry {
	dup := *e
	dup.Metadata.Tags = append([]string(nil), e.Metadata.Tags...)
	return &dup
}
