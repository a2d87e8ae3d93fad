package kbindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/manifold-regs/ragqa/internal/embedclient"
	"github.com/manifold-regs/ragqa/internal/vectorstore"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadAndIndexBuildsOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc1.txt", "visa free entry rules for nationality X")
	hashesPath := filepath.Join(t.TempDir(), "kb_hashes.json")

	store := vectorstore.NewMemoryStore()
	embedder := embedclient.NewDeterministic(32)
	entry := ManifestEntry{Name: "visa_free", Collection: "visa_free", SourceDir: dir}

	kb, err := LoadAndIndex(context.Background(), entry, hashesPath, store, embedder, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "visa_free", kb.Name)

	hits, err := kb.BM25.Search(context.Background(), "visa free", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	_, err = os.Stat(hashesPath)
	require.NoError(t, err, "hash file must be persisted after reindex")
}

func TestLoadAndIndexSkipsReindexWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc1.txt", "airline crew documentation requirements")
	hashesPath := filepath.Join(t.TempDir(), "kb_hashes.json")

	store := vectorstore.NewMemoryStore()
	embedder := embedclient.NewDeterministic(32)
	entry := ManifestEntry{Name: "airline", Collection: "airline", SourceDir: dir}
	ctx := context.Background()

	_, err := LoadAndIndex(ctx, entry, hashesPath, store, embedder, zerolog.Nop())
	require.NoError(t, err)

	results, err := store.Scroll(ctx, "airline", nil, 100)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Second load with identical source files must not touch the store again.
	kb2, err := LoadAndIndex(ctx, entry, hashesPath, store, embedder, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, kb2)

	resultsAfter, err := store.Scroll(ctx, "airline", nil, 100)
	require.NoError(t, err)
	require.Len(t, resultsAfter, 1, "unchanged hashes must skip reindex, not duplicate points")
}

func TestLoadAndIndexReindexesOnContentChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "doc1.txt", "original content")
	hashesPath := filepath.Join(t.TempDir(), "kb_hashes.json")

	store := vectorstore.NewMemoryStore()
	embedder := embedclient.NewDeterministic(32)
	entry := ManifestEntry{Name: "general", Collection: "general", SourceDir: dir}
	ctx := context.Background()

	_, err := LoadAndIndex(ctx, entry, hashesPath, store, embedder, zerolog.Nop())
	require.NoError(t, err)

	writeFile(t, dir, "doc2.txt", "a new source document appeared")
	kb2, err := LoadAndIndex(ctx, entry, hashesPath, store, embedder, zerolog.Nop())
	require.NoError(t, err)

	results, err := store.Scroll(ctx, "general", nil, 100)
	require.NoError(t, err)
	require.Len(t, results, 2, "added source file must trigger reindex and be upserted")

	hits, err := kb2.BM25.Search(ctx, "new source document", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestLoadManifestParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb_manifest.yaml")
	writeFile(t, dir, "kb_manifest.yaml", `knowledge_bases:
  - name: general
    collection: knowledge_base
    source_dir: ./data/general
  - name: visa_free
    collection: visa_free
    source_dir: ./data/visa_free
`)
	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.KnowledgeBases, 2)
	require.Equal(t, "knowledge_base", m.KnowledgeBases[0].Collection)
}
