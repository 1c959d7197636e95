package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the single Weaviate class holding every embedded chunk,
// whatever its modality.
const ClassName = "AssetChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func keyword(name string) *models.Property {
	return &models.Property{
		Name:         name,
		DataType:     []string{"text"},
		Tokenization: models.PropertyTokenizationField,
	}
}

// Properties lists the AssetChunk schema. Identifier-like fields use field
// tokenization so equality filters match the whole value.
func Properties() []*models.Property {
	return []*models.Property{
		keyword("vectorId"),
		keyword("assetId"),
		keyword("ownerId"),
		keyword("containerId"),
		keyword("modality"),
		keyword("storageKey"),
		keyword("chunkId"),
		keyword("url"),
		keyword("date"),
		{Name: "content", DataType: []string{"text"}},
		{Name: "startMs", DataType: []string{"int"}},
		{Name: "endMs", DataType: []string{"int"}},
	}
}

// EnsureSchema creates the AssetChunk class, or adds any properties an older
// deployment is missing.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := Properties()

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "An embedded chunk of an ingested asset",
			Vectorizer:  "none",
			VectorIndexConfig: map[string]interface{}{
				"distance": "cosine",
			},
			Properties: properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
