// Package kbindex loads the knowledge-base manifest and tracks per-KB
// reindex triggers via an on-disk content hash file, per spec's "Persisted
// state layout": "Per-KB on-disk hash file ... records the MD5 of each
// source file; mismatch or absence triggers reindex. On reindex, the
// collection is dropped and rebuilt."
package kbindex

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/manifold-regs/ragqa/internal/bm25"
	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/node"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

// ManifestEntry names one knowledge base: its vector-store collection and
// the directory of source documents it's built from.
type ManifestEntry struct {
	Name       string `yaml:"name"`
	Collection string `yaml:"collection"`
	SourceDir  string `yaml:"source_dir"`
}

// Manifest is the top-level kb_manifest.yaml shape.
type Manifest struct {
	KnowledgeBases []ManifestEntry `yaml:"knowledge_bases"`
}

// LoadManifest reads and parses the KB manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("kbindex: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("kbindex: parse manifest: %w", err)
	}
	return m, nil
}

// hashFile is the on-disk kb_hashes.json shape: source file path -> MD5 hex.
type hashFile map[string]string

func loadHashes(path string) hashFile {
	data, err := os.ReadFile(path)
	if err != nil {
		return hashFile{}
	}
	var h hashFile
	if err := json.Unmarshal(data, &h); err != nil {
		return hashFile{}
	}
	return h
}

func saveHashes(path string, h hashFile) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func hashFilesInDir(dir string) (hashFile, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	h := hashFile{}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, err
		}
		sum := md5.Sum(data)
		h[p] = hex.EncodeToString(sum[:])
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return h, paths, nil
}

func needsReindex(previous, current hashFile) bool {
	if len(previous) != len(current) {
		return true
	}
	for path, sum := range current {
		if previous[path] != sum {
			return true
		}
	}
	return false
}

// KB is a fully loaded, queryable knowledge base: a vector-store collection
// plus its in-memory BM25 index.
type KB struct {
	Name       string
	Collection string
	BM25       *bm25.Index
}

// LoadAndIndex loads one manifest entry, reindexing its collection (drop +
// rebuild) only when kb_hashes.json shows its source files changed since
// the last run.
func LoadAndIndex(ctx context.Context, entry ManifestEntry, hashesPath string, store vectorstore.Store, embedder embedclient.Embedder, log zerolog.Logger) (*KB, error) {
	current, paths, err := hashFilesInDir(entry.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("kbindex: hash source dir %s: %w", entry.SourceDir, err)
	}
	previous := loadHashes(hashesPath)

	bidx, err := bm25.New(log)
	if err != nil {
		return nil, fmt.Errorf("kbindex: build bm25 index: %w", err)
	}

	if !needsReindex(previous, current) {
		log.Info().Str("kb", entry.Name).Msg("kbindex: hashes unchanged, skipping reindex")
		var docs []bm25.Document
		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("kbindex: read %s: %w", p, err)
			}
			docs = append(docs, bm25.Document{ID: fmt.Sprintf("%s:%s", entry.Name, filepath.Base(p)), Text: string(data)})
		}
		if err := bidx.Build(ctx, docs); err != nil {
			return nil, fmt.Errorf("kbindex: build bm25 index for %s: %w", entry.Name, err)
		}
		return &KB{Name: entry.Name, Collection: entry.Collection, BM25: bidx}, nil
	}

	log.Info().Str("kb", entry.Name).Msg("kbindex: source hashes changed, reindexing")
	if err := store.EnsureCollection(ctx, entry.Collection, embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("kbindex: ensure collection %s: %w", entry.Collection, err)
	}
	if _, err := store.DeleteWhere(ctx, entry.Collection, nil); err != nil {
		return nil, fmt.Errorf("kbindex: drop collection %s: %w", entry.Collection, err)
	}

	var docs []bm25.Document
	var texts []string
	var ids []string
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("kbindex: read %s: %w", p, err)
		}
		id := fmt.Sprintf("%s:%s", entry.Name, filepath.Base(p))
		text := string(data)
		ids = append(ids, id)
		texts = append(texts, text)
		docs = append(docs, bm25.Document{ID: id, Text: text})
	}

	if len(texts) > 0 {
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("kbindex: embed %s corpus: %w", entry.Name, err)
		}
		for i, id := range ids {
			n := node.Node{ID: id, Text: texts[i]}
			if err := store.Upsert(ctx, entry.Collection, vectorstore.Point{ID: id, Vector: vecs[i], Payload: n.ToPayload()}); err != nil {
				return nil, fmt.Errorf("kbindex: upsert %s: %w", id, err)
			}
		}
	}

	if err := bidx.Build(ctx, docs); err != nil {
		return nil, fmt.Errorf("kbindex: build bm25 index for %s: %w", entry.Name, err)
	}

	if err := saveHashes(hashesPath, current); err != nil {
		log.Warn().Err(err).Str("kb", entry.Name).Msg("kbindex: failed to persist updated hashes")
	}

	return &KB{Name: entry.Name, Collection: entry.Collection, BM25: bidx}, nil
}
