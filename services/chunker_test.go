package services

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github/itish2003/retrieval/models"
)

// reconstruct stitches the non-overlapping span of every chunk back together.
func reconstruct(t *testing.T, text string, chunks []models.Chunk) string {
	t.Helper()
	runes := []rune(text)
	var sb strings.Builder
	for i, c := range chunks {
		if i+1 < len(chunks) {
			next := chunks[i+1].Start
			require.Greater(t, next, c.Start, "chunk %d does not advance", i)
			sb.WriteString(string(runes[c.Start:next]))
			continue
		}
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func TestChunkConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChunkConfig
		wantErr bool
	}{
		{"defaults", DefaultChunkConfig(), false},
		{"no overlap", ChunkConfig{Size: 10}, false},
		{"overlap equals size", ChunkConfig{Size: 10, Overlap: 10}, true},
		{"overlap larger than size", ChunkConfig{Size: 10, Overlap: 50}, true},
		{"zero size", ChunkConfig{Size: 0}, true},
		{"negative overlap", ChunkConfig{Size: 10, Overlap: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChunker(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestChunker_EmptyText(t *testing.T) {
	c, err := NewChunker(DefaultChunkConfig())
	require.NoError(t, err)

	assert.Empty(t, c.Chunk(models.Document{Source: "empty.txt"}))
}

func TestChunker_ShortTextIsOneChunk(t *testing.T) {
	c, err := NewChunker(DefaultChunkConfig())
	require.NoError(t, err)

	chunks := c.Chunk(models.Document{Source: "a.txt", Text: "The cat sat on the mat."})
	require.Len(t, chunks, 1)
	assert.Equal(t, "The cat sat on the mat.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, "a.txt", chunks[0].Metadata[models.MetaSource])
	assert.Equal(t, "0", chunks[0].Metadata[models.MetaChunkNum])
}

func TestChunker_HardCutStarts(t *testing.T) {
	c, err := NewChunker(ChunkConfig{Size: 10, Overlap: 3})
	require.NoError(t, err)

	text := strings.Repeat("abcdefghij", 4)
	chunks := c.Chunk(models.Document{Source: "x", Text: text})

	require.NotEmpty(t, chunks)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].Start+10-3, chunks[i].Start)
	}
	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Text)), 10)
	}
	assert.Equal(t, text, reconstruct(t, text, chunks))
}

func TestChunker_PrefersSeparator(t *testing.T) {
	c, err := NewChunker(ChunkConfig{Size: 20, Overlap: 0, Separator: "\n"})
	require.NoError(t, err)

	text := "first line\nsecond line here\nthird"
	chunks := c.Chunk(models.Document{Source: "lines.txt", Text: text})

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "first line\n", chunks[0].Text)
	assert.Equal(t, 11, chunks[1].Start)
	assert.Equal(t, text, reconstruct(t, text, chunks))
}

func TestChunker_SeparatorInsideOverlapIsIgnored(t *testing.T) {
	// The only newline sits inside the overlap window, so cutting there
	// would not advance; the chunker must fall back to a hard cut.
	c, err := NewChunker(ChunkConfig{Size: 10, Overlap: 5, Separator: "\n"})
	require.NoError(t, err)

	text := "ab\ncdefghijklmnopqrstu"
	chunks := c.Chunk(models.Document{Source: "x", Text: text})

	require.NotEmpty(t, chunks)
	assert.Equal(t, "ab\ncdefghi", chunks[0].Text)
	assert.Equal(t, 5, chunks[1].Start)
	assert.Equal(t, text, reconstruct(t, text, chunks))
}

func TestChunker_MultibyteRunes(t *testing.T) {
	c, err := NewChunker(ChunkConfig{Size: 4, Overlap: 1})
	require.NoError(t, err)

	text := "héllo wörld ünïcode ✓✓✓"
	chunks := c.Chunk(models.Document{Source: "u", Text: text})

	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Text)), 4)
	}
	assert.Equal(t, text, reconstruct(t, text, chunks))
}

func TestChunker_ReconstructsRandomText(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	alphabet := []rune("abc de\n\nfg hé✓\n")

	for round := 0; round < 200; round++ {
		n := rng.IntN(400)
		runes := make([]rune, n)
		for i := range runes {
			runes[i] = alphabet[rng.IntN(len(alphabet))]
		}
		text := string(runes)

		size := 1 + rng.IntN(60)
		overlap := rng.IntN(size)
		seps := []string{"", "\n", "\n\n", " "}
		cfg := ChunkConfig{Size: size, Overlap: overlap, Separator: seps[rng.IntN(len(seps))]}

		c, err := NewChunker(cfg)
		require.NoError(t, err)

		chunks := c.Chunk(models.Document{Source: "rand", Text: text})
		if n == 0 {
			assert.Empty(t, chunks)
			continue
		}
		for _, ch := range chunks {
			require.LessOrEqual(t, len([]rune(ch.Text)), size, "cfg %+v", cfg)
			require.Equal(t, string(runes[ch.Start:ch.Start+len([]rune(ch.Text))]), ch.Text)
		}
		require.Equal(t, text, reconstruct(t, text, chunks), "cfg %+v", cfg)
	}
}

func TestChunker_DeterministicIDs(t *testing.T) {
	c, err := NewChunker(ChunkConfig{Size: 8, Overlap: 2})
	require.NoError(t, err)

	doc := models.Document{
		Source:   "cv.txt",
		Text:     "Name: Jane Doe\nSkills: Go, SQL",
		Metadata: map[string]string{models.MetaCandidateName: "Jane Doe"},
	}
	first := c.Chunk(doc)
	second := c.Chunk(doc)

	require.Equal(t, len(first), len(second))
	seen := map[string]bool{}
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.False(t, seen[first[i].ID], "duplicate id %s", first[i].ID)
		seen[first[i].ID] = true
		assert.Equal(t, "Jane Doe", first[i].Metadata[models.MetaCandidateName])
	}
	assert.NotEqual(t, ChunkID("a.txt", 0, 0), ChunkID("b.txt", 0, 0))
}
