// Package index defines the contract of the embedding index: a derived,
// rebuildable projection of face and reference embeddings used only for
// similarity search. It is never authoritative for ownership; the record
// store is.
package index

import (
	"context"

	"github.com/google/uuid"
)

// Collection names a logical collection of points.
type Collection string

const (
	// Faces holds detected-face embeddings. Owner may be unset.
	Faces Collection = "faces"
	// References holds one reference embedding per user. Owner is always set.
	References Collection = "user_references"
)

// Payload keys shared by every Index implementation.
const (
	PayloadOwner   = "user_id"
	PayloadFaceID  = "face_id"
	PayloadImageID = "image_id"
)

// Point is a stored embedding and its payload. Owner == uuid.Nil means the
// point is unassigned.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Owner   uuid.UUID
	FaceID  uuid.UUID
	ImageID uuid.UUID
}

// Hit is a similarity search result.
type Hit struct {
	PointID uuid.UUID
	Owner   uuid.UUID
	Score   float32
}

// Filter narrows a Scroll or a Search. Zero value matches every point.
type Filter struct {
	UnassignedOnly bool
	OwnedOnly      bool
	Owner          uuid.UUID
	ImageID        uuid.UUID
}

// Matches reports whether p passes the filter.
func (f Filter) Matches(p Point) bool {
	switch {
	case f.UnassignedOnly && p.Owner != uuid.Nil:
		return false
	case f.OwnedOnly && p.Owner == uuid.Nil:
		return false
	case f.Owner != uuid.Nil && p.Owner != f.Owner:
		return false
	case f.ImageID != uuid.Nil && p.ImageID != f.ImageID:
		return false
	}
	return true
}

// Page is one batch of a cursor scan. Next is an opaque continuation token;
// an empty Next means the scan is exhausted.
type Page struct {
	Points []Point
	Next   string
}

// Index is the capability set the matching core needs from a vector store.
// Mutations are atomic per point only.
type Index interface {
	Upsert(ctx context.Context, c Collection, p Point) error
	// SetOwner patches only the owner payload. uuid.Nil clears it.
	SetOwner(ctx context.Context, c Collection, pointID, owner uuid.UUID) error
	Delete(ctx context.Context, c Collection, pointIDs ...uuid.UUID) error
	DeleteByImage(ctx context.Context, imageID uuid.UUID) error
	// Search returns up to limit nearest points passing f by cosine
	// similarity, best first. The filter applies before the limit.
	Search(ctx context.Context, c Collection, vector []float32, f Filter, limit int) ([]Hit, error)
	// Scroll returns points ordered by id starting at cursor ("" for the start).
	Scroll(ctx context.Context, c Collection, f Filter, cursor string, limit int) (Page, error)
	// Retrieve returns the point with its vector, or nil if it does not exist.
	Retrieve(ctx context.Context, c Collection, pointID uuid.UUID) (*Point, error)
}
