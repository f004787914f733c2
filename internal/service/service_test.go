package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/chunker"
	"github.com/xxxsen/pharmrag/internal/config"
	"github.com/xxxsen/pharmrag/internal/filestore"
	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
	"github.com/xxxsen/pharmrag/internal/retriever"
	"github.com/xxxsen/pharmrag/internal/vectorstore"
)

const aspirinText = "Aspirin inhibits COX-1 and COX-2"

type testEnv struct {
	convs *memConvRepo
	msgs  *memMsgRepo
	docs  *memDocRepo
	store *vectorstore.MemoryStore
	files filestore.Store
	gen   *recordingGenerator
	rag   *RAGService
	chat  *ChatService
	conv  *ConversationService
}

func newTestEnv(t *testing.T, embedder ai.IEmbedder, chunkSize, overlap, batch int) *testEnv {
	t.Helper()
	chk, err := chunker.New(chunker.Config{ChunkSize: chunkSize, ChunkOverlap: overlap})
	require.NoError(t, err)
	files, err := filestore.New(config.FileStoreConfig{Type: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	env := &testEnv{
		convs: newMemConvRepo(),
		msgs:  &memMsgRepo{},
		docs:  newMemDocRepo(),
		store: vectorstore.NewMemoryStore(),
		files: files,
		gen:   &recordingGenerator{answer: "Aspirin inhibits COX-1 and COX-2 [1]."},
	}
	ret := retriever.New(embedder, env.store, retriever.WithThreshold(0.5))
	env.rag = NewRAGService(env.convs, env.docs, chk, embedder, env.store, ret, files, RAGOptions{BatchSize: batch})
	env.chat = NewChatService(env.convs, env.msgs, env.rag, env.gen, ChatOptions{})
	env.conv = NewConversationService(env.convs, env.docs, env.store, files)
	return env
}

func (e *testEnv) newConversation(t *testing.T, userID string) *model.Conversation {
	t.Helper()
	conv, err := e.conv.Create(context.Background(), userID, "")
	require.NoError(t, err)
	return conv
}

func (e *testEnv) allChunks(t *testing.T, scope string, dim int) []model.ScoredChunk {
	t.Helper()
	probe := make([]float32, dim)
	probe[0] = 1
	res, err := e.store.Query(context.Background(), scope, probe, 1000, -1)
	require.NoError(t, err)
	return res
}

type flakyEmbedder struct {
	ai.IEmbedder
	failOn int32
	calls  atomic.Int32
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.calls.Add(1) == f.failOn {
		return nil, appErr.ErrEmbeddingTimeout
	}
	return f.IEmbedder.Embed(ctx, texts)
}

func TestIngestAndRetrieveAspirin(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(ai.DefaultHashDimension), 50, 10, 8)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")

	res, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "aspirin.txt", []byte(aspirinText))
	require.NoError(t, err)
	require.Equal(t, 1, res.ChunkCount)
	require.Equal(t, ai.DefaultHashDimension, res.Dimension)
	require.NotEmpty(t, res.Document.FileKey)

	rc, err := env.files.Open(ctx, res.Document.FileKey)
	require.NoError(t, err)
	archived, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, aspirinText, string(archived))

	block, err := env.rag.Retrieve(ctx, "u1", conv.ID, "What does aspirin inhibit?", 5, 0)
	require.NoError(t, err)
	require.False(t, block.Empty)
	require.Len(t, block.Chunks, 1)
	require.Greater(t, block.Chunks[0].Score, float32(0.5))
	require.Equal(t, "aspirin.txt", block.Chunks[0].Source())
	require.Equal(t, res.Document.ID, model.MetaString(block.Chunks[0].Metadata, model.MetaDocumentID))
	require.Equal(t, "hash:xxh64@384", model.MetaString(block.Chunks[0].Metadata, model.MetaEmbeddingModel))

	docs, err := env.rag.ListDocuments(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, 1, docs[0].ChunkCount)
}

func TestIngestIsIdempotentAndReplacesSource(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(64), 60, 10, 4)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")

	long := strings.Repeat("Warfarin interacts with many drugs. Monitor INR closely. ", 10)
	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "warfarin.txt", []byte(long))
	require.NoError(t, err)
	first := env.allChunks(t, conv.ID, 64)
	require.Greater(t, len(first), 2)

	_, err = env.rag.IngestDocument(ctx, "u1", conv.ID, "warfarin.txt", []byte(long))
	require.NoError(t, err)
	require.Len(t, env.allChunks(t, conv.ID, 64), len(first))

	_, err = env.rag.IngestDocument(ctx, "u1", conv.ID, "warfarin.txt", []byte("Warfarin is an anticoagulant."))
	require.NoError(t, err)
	require.Len(t, env.allChunks(t, conv.ID, 64), 1)
}

func TestIngestEmptyVersionClearsSource(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(64), 50, 10, 4)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")

	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "label.txt", []byte(aspirinText))
	require.NoError(t, err)
	_, err = env.rag.IngestDocument(ctx, "u1", conv.ID, "other.txt", []byte("Ibuprofen is an NSAID."))
	require.NoError(t, err)
	require.Len(t, env.allChunks(t, conv.ID, 64), 2)

	res, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "label.txt", []byte("   \n"))
	require.NoError(t, err)
	require.Zero(t, res.ChunkCount)
	left := env.allChunks(t, conv.ID, 64)
	require.Len(t, left, 1)
	require.Equal(t, "other.txt", left[0].Source())

	block, err := env.rag.Retrieve(ctx, "u1", conv.ID, "What does aspirin inhibit?", 5, 0)
	require.NoError(t, err)
	for _, c := range block.Chunks {
		require.NotEqual(t, "label.txt", c.Source())
	}
	docs, err := env.docs.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "label.txt", docs[0].Filename)
	require.Zero(t, docs[0].ChunkCount)
}

func TestIngestDropsChunksWhenRecordFails(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(64), 50, 10, 4)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")
	env.rag.docs = &failingDocRepo{memDocRepo: env.docs, err: errors.New("db down")}

	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "aspirin.txt", []byte(aspirinText))
	require.Error(t, err)
	require.Empty(t, env.allChunks(t, conv.ID, 64))

	block, err := env.rag.Retrieve(ctx, "u1", conv.ID, "What does aspirin inhibit?", 5, 0)
	require.NoError(t, err)
	require.True(t, block.Empty)
}

func TestIngestRejectsUnsupportedAndForeign(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(64), 50, 10, 4)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")

	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "notes.rtf", []byte("{\\rtf1 hi}"))
	require.ErrorIs(t, err, appErr.ErrUnsupportedFormat)

	_, err = env.rag.IngestDocument(ctx, "u2", conv.ID, "a.txt", []byte(aspirinText))
	require.ErrorIs(t, err, appErr.ErrNotFound)

	_, err = env.rag.IngestDocument(ctx, "u1", conv.ID, "  ", []byte(aspirinText))
	require.ErrorIs(t, err, appErr.ErrInvalid)

	docs, err := env.docs.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
	require.Empty(t, env.allChunks(t, conv.ID, 64))
}

func TestIngestAbortsWhenAnyBatchFails(t *testing.T) {
	emb := &flakyEmbedder{IEmbedder: ai.NewHashEmbedder(64), failOn: 2}
	env := newTestEnv(t, emb, 40, 0, 1)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")

	text := "First paragraph about dosing.\n\nSecond paragraph about renal clearance.\n\nThird paragraph on hepatic metabolism."
	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "notes.txt", []byte(text))
	require.ErrorIs(t, err, appErr.ErrEmbeddingTimeout)
	require.Empty(t, env.allChunks(t, conv.ID, 64))
	docs, err := env.docs.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestIngestDimensionMismatchWritesNothing(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(1024), 50, 10, 4)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")
	require.NoError(t, env.store.Upsert(ctx, conv.ID, []model.Chunk{{
		ID:        "old",
		Content:   "old",
		Embedding: make([]float32, 384),
		Metadata:  map[string]interface{}{model.MetaSource: "old.txt"},
	}}))

	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "aspirin.txt", []byte(aspirinText))
	var dimErr *appErr.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	require.Equal(t, 384, dimErr.Expected)
	require.Equal(t, 1024, dimErr.Got)
	require.Len(t, env.allChunks(t, conv.ID, 384), 1)
}

func TestChatGroundedAnswer(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(ai.DefaultHashDimension), 50, 10, 8)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")
	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "aspirin.txt", []byte(aspirinText))
	require.NoError(t, err)

	ans, err := env.chat.Ask(ctx, "u1", conv.ID, "What does aspirin inhibit?")
	require.NoError(t, err)
	require.True(t, ans.Grounded)
	require.Len(t, ans.Citations, 1)
	require.Equal(t, "aspirin.txt", ans.Citations[0].Source)
	require.Contains(t, env.gen.prompts[0], "[1] (source: aspirin.txt)")
	require.Contains(t, env.gen.prompts[0], "Question: What does aspirin inhibit?")

	msgs, err := env.chat.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)
	require.True(t, msgs[1].Grounded)
	require.Equal(t, ans.MessageID, msgs[1].ID)
}

func TestChatWithoutGroundingDisclaims(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(ai.DefaultHashDimension), 50, 10, 8)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")
	env.gen.answer = "This is not based on the uploaded documents. Metformin lowers hepatic glucose output."

	ans, err := env.chat.Ask(ctx, "u1", conv.ID, "How does metformin work?")
	require.NoError(t, err)
	require.False(t, ans.Grounded)
	require.Empty(t, ans.Citations)
	require.Contains(t, env.gen.prompts[0], "not based on the uploaded documents")
	require.NotContains(t, env.gen.prompts[0], "Context:")
}

func TestChatDegradesWhenRetrievalFails(t *testing.T) {
	emb := &flakyEmbedder{IEmbedder: ai.NewHashEmbedder(64), failOn: 2}
	env := newTestEnv(t, emb, 50, 10, 8)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")
	_, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "aspirin.txt", []byte(aspirinText))
	require.NoError(t, err)

	ans, err := env.chat.Ask(ctx, "u1", conv.ID, "What does aspirin inhibit?")
	require.NoError(t, err)
	require.False(t, ans.Grounded)
	require.Empty(t, ans.Citations)
	require.Contains(t, env.gen.prompts[0], "not based on the uploaded documents")
	msgs, err := env.chat.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestChatErrors(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(64), 50, 10, 8)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")

	_, err := env.chat.Ask(ctx, "u1", conv.ID, " ")
	require.ErrorIs(t, err, appErr.ErrInvalid)
	_, err = env.chat.Ask(ctx, "u2", conv.ID, "q")
	require.ErrorIs(t, err, appErr.ErrNotFound)

	env.gen.err = errors.New("upstream down")
	_, err = env.chat.Ask(ctx, "u1", conv.ID, "q")
	require.Error(t, err)
	msgs, err := env.chat.ListMessages(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	noGen := NewChatService(env.convs, env.msgs, env.rag, nil, ChatOptions{})
	_, err = noGen.Ask(ctx, "u1", conv.ID, "q")
	require.ErrorIs(t, err, ErrAIUnavailable)
}

func TestConversationDeleteCascades(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(64), 50, 10, 8)
	ctx := context.Background()
	conv := env.newConversation(t, "u1")
	res, err := env.rag.IngestDocument(ctx, "u1", conv.ID, "aspirin.txt", []byte(aspirinText))
	require.NoError(t, err)

	require.ErrorIs(t, env.conv.Delete(ctx, "u2", conv.ID), appErr.ErrNotFound)
	require.NoError(t, env.conv.Delete(ctx, "u1", conv.ID))
	require.Empty(t, env.allChunks(t, conv.ID, 64))
	_, err = env.files.Open(ctx, res.Document.FileKey)
	require.ErrorIs(t, err, appErr.ErrNotFound)
	_, err = env.conv.Get(ctx, "u1", conv.ID)
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestConversationEnsureAndList(t *testing.T) {
	env := newTestEnv(t, ai.NewHashEmbedder(64), 50, 10, 8)
	ctx := context.Background()

	conv, err := env.conv.Ensure(ctx, "u1", "drop-folder", "Drop folder")
	require.NoError(t, err)
	require.Equal(t, "drop-folder", conv.ID)
	again, err := env.conv.Ensure(ctx, "u1", "drop-folder", "ignored")
	require.NoError(t, err)
	require.Equal(t, "Drop folder", again.Title)

	_, err = env.conv.Ensure(ctx, "u2", "drop-folder", "")
	require.ErrorIs(t, err, appErr.ErrNotFound)

	_, err = env.conv.Create(ctx, "", "x")
	require.ErrorIs(t, err, appErr.ErrInvalid)

	list, err := env.conv.List(ctx, "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "New conversation", normalizeTitle("  "))
}

func TestChunkIDsAreDeterministic(t *testing.T) {
	require.Equal(t, chunkID("c", "a.txt", 0), chunkID("c", "a.txt", 0))
	require.NotEqual(t, chunkID("c", "a.txt", 0), chunkID("c", "a.txt", 1))
	require.NotEqual(t, chunkID("c", "a.txt", 0), chunkID("d", "a.txt", 0))
	require.NotEqual(t, documentID("c", "a.txt"), chunkID("c", "a.txt", 0))
}

func TestBuildPromptIncludesHistory(t *testing.T) {
	block := &retriever.ContextBlock{Text: "[1] (source: a.txt)\nx"}
	prompt := BuildPrompt("q?", block, []model.Message{{Role: model.RoleUser, Content: "earlier"}})
	require.Contains(t, prompt, "Context:\n[1] (source: a.txt)\nx")
	require.Contains(t, prompt, "user: earlier")
	require.True(t, strings.HasSuffix(prompt, "Question: q?\nAnswer:"))
}
