package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/your-org/livehub/internal/config"
	"github.com/your-org/livehub/internal/index"
)

// QdrantIndex implements index.Index on top of Qdrant. Point ids are UUIDs;
// the owner payload key holds a UUID string or null.
type QdrantIndex struct {
	client *qdrant.Client
	dim    uint64
}

func NewQdrantIndex(cfg config.QdrantConfig, dim int) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantIndex{client: client, dim: uint64(dim)}, nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// EnsureCollections creates both collections (cosine distance) and the
// keyword payload indexes the filters rely on. Safe to call repeatedly.
func (q *QdrantIndex) EnsureCollections(ctx context.Context) error {
	existing, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}

	for _, c := range []index.Collection{index.Faces, index.References} {
		name := string(c)
		if slices.Contains(existing, name) {
			continue
		}
		err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dim,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
		slog.Info("created qdrant collection", "collection", name, "dim", q.dim)

		fields := []string{index.PayloadOwner}
		if c == index.Faces {
			fields = append(fields, index.PayloadImageID)
		}
		for _, field := range fields {
			_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			if err != nil {
				return fmt.Errorf("create payload index %s.%s: %w", name, field, err)
			}
		}
	}
	return nil
}

func ownerValue(owner uuid.UUID) *qdrant.Value {
	if owner == uuid.Nil {
		return qdrant.NewValueNull()
	}
	return qdrant.NewValueString(owner.String())
}

func pointPayload(p index.Point) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{index.PayloadOwner: ownerValue(p.Owner)}
	if p.FaceID != uuid.Nil {
		payload[index.PayloadFaceID] = qdrant.NewValueString(p.FaceID.String())
	}
	if p.ImageID != uuid.Nil {
		payload[index.PayloadImageID] = qdrant.NewValueString(p.ImageID.String())
	}
	return payload
}

func (q *QdrantIndex) Upsert(ctx context.Context, c index.Collection, p index.Point) error {
	wait := true
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: string(c),
		Wait:           &wait,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: pointPayload(p),
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point %s: %w", p.ID, err)
	}
	return nil
}

func (q *QdrantIndex) SetOwner(ctx context.Context, c index.Collection, pointID, owner uuid.UUID) error {
	wait := true
	_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: string(c),
		Wait:           &wait,
		Payload:        map[string]*qdrant.Value{index.PayloadOwner: ownerValue(owner)},
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(pointID.String())),
	})
	if err != nil {
		return fmt.Errorf("set owner of %s: %w", pointID, err)
	}
	return nil
}

func (q *QdrantIndex) Delete(ctx context.Context, c index.Collection, pointIDs ...uuid.UUID) error {
	if len(pointIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, 0, len(pointIDs))
	for _, id := range pointIDs {
		ids = append(ids, qdrant.NewID(id.String()))
	}
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: string(c),
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(ids...),
	})
	if err != nil {
		return fmt.Errorf("delete %d points: %w", len(ids), err)
	}
	return nil
}

func (q *QdrantIndex) DeleteByImage(ctx context.Context, imageID uuid.UUID) error {
	wait := true
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: string(index.Faces),
		Wait:           &wait,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(index.PayloadImageID, imageID.String())},
		}),
	})
	if err != nil {
		return fmt.Errorf("delete points of image %s: %w", imageID, err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, c index.Collection, vector []float32, f index.Filter, limit int) ([]index.Hit, error) {
	l := uint64(limit)
	resp, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: string(c),
		Query:          qdrant.NewQuery(vector...),
		Filter:         buildFilter(f),
		Limit:          &l,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c, err)
	}

	hits := make([]index.Hit, 0, len(resp))
	for _, r := range resp {
		id, err := uuid.Parse(r.GetId().GetUuid())
		if err != nil {
			return nil, fmt.Errorf("unexpected point id %v: %w", r.GetId(), err)
		}
		hits = append(hits, index.Hit{
			PointID: id,
			Owner:   payloadUUID(r.GetPayload(), index.PayloadOwner),
			Score:   r.GetScore(),
		})
	}
	return hits, nil
}

func buildFilter(f index.Filter) *qdrant.Filter {
	var must, mustNot []*qdrant.Condition
	if f.UnassignedOnly {
		must = append(must, qdrant.NewIsEmpty(index.PayloadOwner))
	}
	if f.OwnedOnly {
		mustNot = append(mustNot, qdrant.NewIsEmpty(index.PayloadOwner))
	}
	if f.Owner != uuid.Nil {
		must = append(must, qdrant.NewMatch(index.PayloadOwner, f.Owner.String()))
	}
	if f.ImageID != uuid.Nil {
		must = append(must, qdrant.NewMatch(index.PayloadImageID, f.ImageID.String()))
	}
	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

// Scroll pages through a collection in point id order. The cursor is the id
// of the first point of the next page as returned by Qdrant.
func (q *QdrantIndex) Scroll(ctx context.Context, c index.Collection, f index.Filter, cursor string, limit int) (index.Page, error) {
	l := uint32(limit)
	req := &qdrant.ScrollPoints{
		CollectionName: string(c),
		Filter:         buildFilter(f),
		Limit:          &l,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if cursor != "" {
		req.Offset = qdrant.NewID(cursor)
	}

	resp, err := q.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return index.Page{}, fmt.Errorf("scroll %s: %w", c, err)
	}

	page := index.Page{Points: make([]index.Point, 0, len(resp.GetResult()))}
	for _, rp := range resp.GetResult() {
		p, err := toPoint(rp)
		if err != nil {
			return index.Page{}, err
		}
		page.Points = append(page.Points, p)
	}
	if next := resp.GetNextPageOffset(); next != nil {
		page.Next = next.GetUuid()
	}
	return page, nil
}

func (q *QdrantIndex) Retrieve(ctx context.Context, c index.Collection, pointID uuid.UUID) (*index.Point, error) {
	resp, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: string(c),
		Ids:            []*qdrant.PointId{qdrant.NewID(pointID.String())},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get point %s: %w", pointID, err)
	}
	if len(resp) == 0 {
		return nil, nil
	}
	p, err := toPoint(resp[0])
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func toPoint(rp *qdrant.RetrievedPoint) (index.Point, error) {
	id, err := uuid.Parse(rp.GetId().GetUuid())
	if err != nil {
		return index.Point{}, fmt.Errorf("unexpected point id %v: %w", rp.GetId(), err)
	}
	payload := rp.GetPayload()
	return index.Point{
		ID:      id,
		Vector:  denseVector(rp.GetVectors()),
		Owner:   payloadUUID(payload, index.PayloadOwner),
		FaceID:  payloadUUID(payload, index.PayloadFaceID),
		ImageID: payloadUUID(payload, index.PayloadImageID),
	}, nil
}

func denseVector(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVector()
	if out == nil {
		return nil
	}
	if dense := out.GetDense(); dense != nil {
		return dense.GetData()
	}
	return out.GetData()
}

// payloadUUID reads a UUID string payload value. Missing, null and malformed
// values all read as uuid.Nil.
func payloadUUID(payload map[string]*qdrant.Value, key string) uuid.UUID {
	s := payload[key].GetStringValue()
	if s == "" {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
