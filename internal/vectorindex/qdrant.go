package vectorindex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"
)

const scrollPage = 256

// QdrantConfig holds connection settings for a Qdrant server.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// Qdrant stores collections in a Qdrant server over gRPC.
type Qdrant struct {
	client *qdrant.Client
	logger *slog.Logger
}

var _ Index = (*Qdrant)(nil)

// NewQdrant connects to Qdrant.
func NewQdrant(cfg QdrantConfig, logger *slog.Logger) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Qdrant{client: client, logger: logger.With("component", "qdrant")}, nil
}

// EnsureCollection creates the collection and its payload indexes.
func (q *Qdrant) EnsureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", collection, err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}

	indexes := map[string]qdrant.FieldType{
		FieldEpisodeID: qdrant.FieldType_FieldTypeKeyword,
		FieldRunID:     qdrant.FieldType_FieldTypeInteger,
	}
	for field, typ := range indexes {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      field,
			FieldType:      qdrant.PtrOf(typ),
		})
		if err != nil {
			return fmt.Errorf("index %s.%s: %w", collection, field, err)
		}
	}
	q.logger.Info("collection created", "collection", collection, "dim", dim)
	return nil
}

// Upsert writes points and waits until they are searchable.
func (q *Qdrant) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: qdrant.NewValueMap(map[string]any{
				FieldEpisodeID: p.Payload.EpisodeID,
				FieldRunID:     p.Payload.RunID,
				FieldSegNo:     p.Payload.SegNo,
				FieldModelName: p.Payload.ModelName,
				FieldText:      p.Payload.Text,
				FieldStart:     p.Payload.Start,
				FieldEnd:       p.Payload.End,
			}),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	return err
}

// Search runs a dense nearest-neighbour query.
func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error) {
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(scored))
	for i, sp := range scored {
		hits[i] = Hit{
			ID:      sp.GetId().GetUuid(),
			Score:   sp.GetScore(),
			Payload: payloadFromQdrant(sp.GetPayload()),
		}
	}
	return hits, nil
}

// DeleteByFilter removes every point matching f.
func (q *Qdrant) DeleteByFilter(ctx context.Context, collection string, f Filter) error {
	filter := qdrantFilter(f)
	if filter == nil {
		return errEmptyFilter
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	return err
}

// Scroll pages through the collection.
func (q *Qdrant) Scroll(ctx context.Context, collection string, fn func(Point) error) error {
	var offset *qdrant.PointId
	for {
		points, next, err := q.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Offset:         offset,
			Limit:          qdrant.PtrOf(uint32(scrollPage)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		for _, rp := range points {
			if err := fn(Point{ID: rp.GetId().GetUuid(), Payload: payloadFromQdrant(rp.GetPayload())}); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		offset = next
	}
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func qdrantFilter(f Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.EpisodeID != "" {
		must = append(must, qdrant.NewMatch(FieldEpisodeID, f.EpisodeID))
	}
	if f.RunID != 0 {
		must = append(must, qdrant.NewMatchInt(FieldRunID, f.RunID))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func payloadFromQdrant(m map[string]*qdrant.Value) Payload {
	return Payload{
		EpisodeID: m[FieldEpisodeID].GetStringValue(),
		RunID:     m[FieldRunID].GetIntegerValue(),
		SegNo:     int(m[FieldSegNo].GetIntegerValue()),
		ModelName: m[FieldModelName].GetStringValue(),
		Text:      m[FieldText].GetStringValue(),
		Start:     m[FieldStart].GetIntegerValue(),
		End:       m[FieldEnd].GetIntegerValue(),
	}
}
