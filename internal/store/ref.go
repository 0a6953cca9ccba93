// Package store defines the document store contract, the reference type
// addressing documents and collections, and the object gateway that layers
// caching and embeddings on top of a raw store.
package store

import "strings"

// Ref addresses a document or a collection as a path of alternating
// collection and document segments:
//
//	<workspace>                                  workspace collection
//	<workspace>/<entity>                         entity document
//	<workspace>/<entity>/objects                 objects collection
//	<workspace>/<entity>/objects/<id>            object document
//	<workspace>/<entity>/objects/<id>/<sub>/<subId>
//
// Refs are immutable; Doc and Collection return extended copies.
type Ref struct {
	segs []string
}

// Well-known collection names under an entity document.
const (
	CollectionObjects          = "objects"
	CollectionObjectSchemas    = "objectSchemas"
	CollectionExpressions      = "expressions"
	CollectionWebhooks         = "webhooks"
	CollectionActions          = "actions"
	CollectionRoles            = "roles"
	CollectionSearchEmbeddings = "searchEmbeddings"
)

// Workspace returns the root collection ref for a workspace.
func Workspace(name string) Ref {
	return Ref{segs: []string{name}}
}

// Doc returns a document ref inside this collection.
func (r Ref) Doc(id string) Ref {
	if r.IsDoc() {
		panic("store: Doc called on a document ref")
	}
	return r.extend(id)
}

// Collection returns a collection ref inside this document.
func (r Ref) Collection(name string) Ref {
	if !r.IsDoc() {
		panic("store: Collection called on a collection ref")
	}
	return r.extend(name)
}

func (r Ref) extend(seg string) Ref {
	segs := make([]string, len(r.segs), len(r.segs)+1)
	copy(segs, r.segs)
	return Ref{segs: append(segs, seg)}
}

// IsDoc reports whether the ref addresses a document (even segment count).
func (r Ref) IsDoc() bool { return len(r.segs)%2 == 0 }

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool { return len(r.segs) == 0 }

// ID returns the last segment: the document id for document refs, the
// collection name for collection refs.
func (r Ref) ID() string {
	if len(r.segs) == 0 {
		return ""
	}
	return r.segs[len(r.segs)-1]
}

// Parent returns the ref one segment up.
func (r Ref) Parent() Ref {
	if len(r.segs) == 0 {
		return r
	}
	return Ref{segs: r.segs[:len(r.segs)-1]}
}

// Path is the slash-joined form, used as cache key and store key.
func (r Ref) Path() string { return strings.Join(r.segs, "/") }

func (r Ref) String() string { return r.Path() }
