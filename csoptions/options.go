// Package csoptions carries the explicit, enumerated configuration for a
// change stream, in place of reflection-based option-bag filtering.
package csoptions

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Domain is the scope of events a stream observes.
type Domain int

const (
	CollectionDomain Domain = iota
	DatabaseDomain
	ClusterDomain
)

func (d Domain) Valid() bool {
	return d == CollectionDomain || d == DatabaseDomain || d == ClusterDomain
}

// FullDocument is an opaque server-defined mode string, passed through
// untouched. The named constants document the values servers currently
// recognize; future values pass through unchanged.
type FullDocument string

const (
	FullDocumentDefault       FullDocument = ""
	FullDocumentUpdateLookup  FullDocument = "updateLookup"
	FullDocumentWhenAvailable FullDocument = "whenAvailable"
	FullDocumentRequired      FullDocument = "required"
)

// Options is the full set of recognized change stream options. Fields left
// nil/zero are simply omitted from the rendered pipeline stage or cursor
// request rather than mutating a dictionary.
type Options struct {
	// Stage-level options (rendered into the $changeStream stage).
	FullDocument             FullDocument
	FullDocumentBeforeChange FullDocument
	ResumeAfter              bson.Raw
	StartAfter               bson.Raw
	StartAtOperationTime     *primitive.Timestamp

	// Cursor-level options, passed through to the aggregation collaborator
	// as-is; this module never interprets them.
	BatchSize      *int32
	MaxAwaitTime   *time.Duration
	Collation      bson.Raw
	ReadPreference any
	Comment        any
}

// New returns an empty Options, ready for the functional setters below.
func New() *Options {
	return &Options{}
}

// Merge combines a list of Options, later non-zero fields taking
// precedence over earlier ones.
func Merge(opts ...*Options) *Options {
	merged := New()
	for _, o := range opts {
		if o == nil {
			continue
		}
		if o.FullDocument != "" {
			merged.FullDocument = o.FullDocument
		}
		if o.FullDocumentBeforeChange != "" {
			merged.FullDocumentBeforeChange = o.FullDocumentBeforeChange
		}
		if o.ResumeAfter != nil {
			merged.ResumeAfter = o.ResumeAfter
		}
		if o.StartAfter != nil {
			merged.StartAfter = o.StartAfter
		}
		if o.StartAtOperationTime != nil {
			merged.StartAtOperationTime = o.StartAtOperationTime
		}
		if o.BatchSize != nil {
			merged.BatchSize = o.BatchSize
		}
		if o.MaxAwaitTime != nil {
			merged.MaxAwaitTime = o.MaxAwaitTime
		}
		if o.Collation != nil {
			merged.Collation = o.Collation
		}
		if o.ReadPreference != nil {
			merged.ReadPreference = o.ReadPreference
		}
		if o.Comment != nil {
			merged.Comment = o.Comment
		}
	}
	return merged
}

// Clone returns a shallow copy. Pointer/slice fields are treated as
// immutable once set, so sharing them across clones is safe.
func (o *Options) Clone() *Options {
	cp := *o
	return &cp
}

func (o *Options) SetFullDocument(v FullDocument) *Options             { o.FullDocument = v; return o }
func (o *Options) SetFullDocumentBeforeChange(v FullDocument) *Options { o.FullDocumentBeforeChange = v; return o }
func (o *Options) SetResumeAfter(v bson.Raw) *Options                  { o.ResumeAfter = v; return o }
func (o *Options) SetStartAfter(v bson.Raw) *Options                   { o.StartAfter = v; return o }
func (o *Options) SetStartAtOperationTime(v *primitive.Timestamp) *Options {
	o.StartAtOperationTime = v
	return o
}
func (o *Options) SetBatchSize(v int32) *Options        { o.BatchSize = &v; return o }
func (o *Options) SetMaxAwaitTime(v time.Duration) *Options { o.MaxAwaitTime = &v; return o }
func (o *Options) SetCollation(v bson.Raw) *Options      { o.Collation = v; return o }
func (o *Options) SetReadPreference(v any) *Options      { o.ReadPreference = v; return o }
func (o *Options) SetComment(v any) *Options             { o.Comment = v; return o }
