package weaviate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"smara/backend/internal/retrieval"
	"smara/backend/internal/vector"
	"smara/backend/internal/worker"
)

// idNamespace scopes the name-based UUIDs derived from vector ids.
var idNamespace = uuid.MustParse("6f1c8a52-3f0e-4a7b-9d2e-5b8c1e4f7a90")

// ObjectID maps a vector id to the Weaviate object UUID. The mapping is
// deterministic, so re-embedding the same chunk overwrites it.
func ObjectID(vectorID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(idNamespace, []byte(vectorID)).String())
}

type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, vector.NewWeaviateClientAdapter(s.client))
}

// Ready reports whether the index accepts requests.
func (s *Store) Ready(ctx context.Context) error {
	ok, err := vector.NewWeaviateClientAdapter(s.client).Ready(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("weaviate not ready")
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, rec worker.VectorRecord) error {
	props := map[string]interface{}{
		"vectorId":    rec.ID,
		"assetId":     rec.AssetID,
		"ownerId":     rec.OwnerID,
		"containerId": rec.ContainerID,
		"modality":    rec.Modality,
		"storageKey":  rec.StorageKey,
		"chunkId":     rec.ChunkID,
		"url":         rec.URL,
		"content":     rec.Content,
		"date":        rec.Date,
	}
	if rec.StartMs != nil {
		props["startMs"] = *rec.StartMs
	}
	if rec.EndMs != nil {
		props["endMs"] = *rec.EndMs
	}

	obj := &models.Object{
		Class:      vector.ClassName,
		ID:         ObjectID(rec.ID),
		Properties: props,
		Vector:     models.C11yVector(rec.Vector),
	}

	res, err := s.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return err
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil {
			var msgs []string
			for _, e := range r.Result.Errors.Error {
				msgs = append(msgs, e.Message)
			}
			return fmt.Errorf("upsert %s: %s", rec.ID, strings.Join(msgs, "; "))
		}
	}
	return nil
}

// DeleteAsset removes every vector of an asset.
func (s *Store) DeleteAsset(ctx context.Context, assetID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"assetId"}).
			WithOperator(filters.Equal).
			WithValueText(assetID)).
		Do(ctx)
	return err
}

var queryFields = []graphql.Field{
	{Name: "vectorId"},
	{Name: "assetId"},
	{Name: "ownerId"},
	{Name: "containerId"},
	{Name: "modality"},
	{Name: "storageKey"},
	{Name: "chunkId"},
	{Name: "url"},
	{Name: "content"},
	{Name: "startMs"},
	{Name: "endMs"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "certainty"}, {Name: "distance"}}},
}

func (s *Store) Query(ctx context.Context, vec []float32, f retrieval.Filter, limit int) ([]retrieval.Match, error) {
	if f.OwnerID == "" {
		return nil, errors.New("owner filter is required")
	}

	where := filters.Where().
		WithPath([]string{"ownerId"}).
		WithOperator(filters.Equal).
		WithValueText(f.OwnerID)
	if f.Modality != "" {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				where,
				filters.Where().
					WithPath([]string{"modality"}).
					WithOperator(filters.Equal).
					WithValueText(f.Modality),
			})
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(limit).
		WithFields(queryFields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		var msgs []string
		for _, e := range res.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("graphql error: %s", strings.Join(msgs, "; "))
	}

	var matches []retrieval.Match
	data, _ := res.Data["Get"].(map[string]interface{})
	objects, _ := data[vector.ClassName].([]interface{})
	for _, o := range objects {
		props, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		m := retrieval.Match{
			AssetID:     str(props["assetId"]),
			OwnerID:     str(props["ownerId"]),
			ContainerID: str(props["containerId"]),
			Modality:    str(props["modality"]),
			StorageKey:  str(props["storageKey"]),
			ChunkID:     str(props["chunkId"]),
			URL:         str(props["url"]),
			Content:     str(props["content"]),
			StartMs:     millis(props["startMs"]),
			EndMs:       millis(props["endMs"]),
		}
		m.VectorID = str(props["vectorId"])
		if m.VectorID == "" {
			m.VectorID = worker.VectorID(m.AssetID, m.ChunkID)
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			m.Score = score(additional)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func millis(v interface{}) *int64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	ms := int64(f)
	return &ms
}

// score prefers certainty and falls back to the cosine distance.
func score(additional map[string]interface{}) float64 {
	if c, ok := number(additional["certainty"]); ok {
		return c
	}
	if d, ok := number(additional["distance"]); ok {
		return 1 - d/2
	}
	return 0
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
