package build

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/e2b-dev/research/internal/storage"
	"github.com/e2b-dev/research/internal/template"
)

type LayerMetadata struct {
	Layer   string `json:"layer"`
	Workdir string `json:"workdir"`
}

// AliasRecord is what an alias currently resolves to.
type AliasRecord struct {
	Alias        string                `json:"alias"`
	Hash         string                `json:"hash"`
	Ref          string                `json:"ref"`
	Workdir      string                `json:"workdir"`
	StartCommand template.StartCommand `json:"startCommand"`
	Resources    template.Resources    `json:"resources"`
	BuiltAt      time.Time             `json:"builtAt"`
}

// HashIndex maps step hashes to layers and aliases to built images, persisted in object storage.
type HashIndex struct {
	cacheScope string
	store      storage.ObjectStore
}

func NewHashIndex(cacheScope string, store storage.ObjectStore) *HashIndex {
	return &HashIndex{cacheScope: cacheScope, store: store}
}

func (h *HashIndex) layerPath(hash string) string {
	return path.Join(h.cacheScope, hashingVersion, "layers", hash+".json")
}

func (h *HashIndex) aliasPath(alias string) string {
	return path.Join(h.cacheScope, hashingVersion, "aliases", alias+".json")
}

func (h *HashIndex) LayerMetaFromHash(ctx context.Context, hash string) (LayerMetadata, error) {
	ctx, span := tracer.Start(ctx, "get layer_metadata")
	defer span.End()

	var meta LayerMetadata
	if err := h.read(ctx, h.layerPath(hash), &meta); err != nil {
		return LayerMetadata{}, fmt.Errorf("error reading layer metadata: %w", err)
	}

	if meta.Layer == "" {
		return LayerMetadata{}, fmt.Errorf("layer metadata is missing required fields: %v", meta)
	}

	return meta, nil
}

func (h *HashIndex) SaveLayerMeta(ctx context.Context, hash string, meta LayerMetadata) error {
	ctx, span := tracer.Start(ctx, "save layer_metadata")
	defer span.End()

	return h.write(ctx, h.layerPath(hash), meta)
}

func (h *HashIndex) Alias(ctx context.Context, alias string) (AliasRecord, error) {
	var record AliasRecord
	if err := h.read(ctx, h.aliasPath(alias), &record); err != nil {
		return AliasRecord{}, fmt.Errorf("error reading alias record: %w", err)
	}

	return record, nil
}

func (h *HashIndex) SaveAlias(ctx context.Context, record AliasRecord) error {
	return h.write(ctx, h.aliasPath(record.Alias), record)
}

func (h *HashIndex) read(ctx context.Context, objectPath string, v any) error {
	data, err := h.store.Get(ctx, objectPath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshaling %s: %w", objectPath, err)
	}

	return nil
}

func (h *HashIndex) write(ctx context.Context, objectPath string, v any) error {
	marshaled, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling %s: %w", objectPath, err)
	}

	if err := h.store.Put(ctx, objectPath, marshaled); err != nil {
		return fmt.Errorf("error writing %s: %w", objectPath, err)
	}

	return nil
}
