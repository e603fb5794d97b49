package segment

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestSplit_ShortMessage(t *testing.T) {
	blocks := Split("  short message \n", 350)
	require.Len(t, blocks, 1)
	assert.Equal(t, "short message", blocks[0])
}

func TestSplit_LinesAccumulateUpToLimit(t *testing.T) {
	lines := make([]string, 5)
	for i := range lines {
		lines[i] = strings.Repeat(string(rune('a'+i)), 100)
	}

	blocks := Split(strings.Join(lines, "\n"), 350)

	require.Len(t, blocks, 2)
	assert.Equal(t, strings.Join(lines[:3], "\n"), blocks[0])
	assert.Equal(t, strings.Join(lines[3:], "\n"), blocks[1])
}

func TestSplit_HeadingPairedWithBody(t *testing.T) {
	blocks := Split("### Title\nSome short body line", 350)
	require.Len(t, blocks, 1)
	assert.Equal(t, "### Title\nSome short body line", blocks[0])
}

func TestSplit_HardCutWithoutPunctuation(t *testing.T) {
	blocks := Split(strings.Repeat("x", 1000), 350)

	require.Len(t, blocks, 3)
	assert.Len(t, blocks[0], 350)
	assert.Len(t, blocks[1], 350)
	assert.Len(t, blocks[2], 300)
}

func TestSplit_LongLineBreaksOnSentences(t *testing.T) {
	first := strings.Repeat("a", 200) + "."
	second := strings.Repeat("b", 200) + "!"
	third := strings.Repeat("c", 100) + "?"

	blocks := Split(first+" "+second+" "+third, 350)

	require.Len(t, blocks, 2)
	assert.Equal(t, first, blocks[0])
	assert.Equal(t, second+" "+third, blocks[1])
}

func TestSplit_HeadingNeverMergedWithPrevious(t *testing.T) {
	text := "Intro line.\n## Section\nBody of the section."

	blocks := Split(text, 350)

	require.Len(t, blocks, 2)
	assert.Equal(t, "Intro line.", blocks[0])
	assert.True(t, strings.HasPrefix(blocks[1], "## Section"))
}

func TestSplit_HeadingStartsBlockEvenWhenEverythingFits(t *testing.T) {
	text := "# One\nalpha\n# Two\nbeta\n# Three\ngamma"

	blocks := Split(text, 350)

	require.Len(t, blocks, 3)
	for _, b := range blocks {
		assert.True(t, strings.HasPrefix(b, "#"), "block %q must start with a heading", b)
	}
}

func TestSplit_MergesSmallFragments(t *testing.T) {
	// The over-long line is split into sentences; the short trailing line
	// then gets merged back into the last sentence block.
	long := strings.Repeat("word ", 60) + "end. " + strings.Repeat("more ", 10) + "done."
	blocks := Split(long+"\nps", 100)

	for _, b := range blocks {
		assert.LessOrEqual(t, utf8.RuneCountInString(b), 100)
	}
	assert.True(t, strings.HasSuffix(blocks[len(blocks)-1], "done.\nps"))
}

func TestSplit_CountsRunesNotBytes(t *testing.T) {
	line := strings.Repeat("ç", 350)
	blocks := Split(line, 350)
	require.Len(t, blocks, 1)
	assert.Equal(t, line, blocks[0])
}

func TestSplit_EmptyInput(t *testing.T) {
	assert.Equal(t, []string{""}, Split("", 350))
	assert.Equal(t, []string{""}, Split(" \n\t\n", 350))
}

func TestSplit_DefaultLimit(t *testing.T) {
	blocks := Split(strings.Repeat("y", DefaultMaxChars+1), 0)
	require.Len(t, blocks, 2)
	assert.Len(t, blocks[0], DefaultMaxChars)
}

func TestSplit_CRLF(t *testing.T) {
	blocks := Split("line one\r\nline two", 350)
	require.Len(t, blocks, 1)
	assert.Equal(t, "line one\nline two", blocks[0])
}

func TestSplit_Properties(t *testing.T) {
	inputs := []string{
		"Olá! Tudo bem? Posso ajudar com o seu pedido.",
		strings.Repeat("Frase curta. ", 80),
		"# Planos\n" + strings.Repeat("Linha do plano com detalhes\n", 30) + "## Preços\nR$ 99,90 por mês",
		strings.Repeat("z", 777) + "\n" + strings.Repeat("palavra ", 90),
		"a\n\n\nb\n\n" + strings.Repeat("c", 400),
	}
	for _, limit := range []int{40, 120, 350} {
		for _, in := range inputs {
			blocks := Split(in, limit)
			require.NotEmpty(t, blocks)

			for _, b := range blocks {
				assert.LessOrEqual(t, utf8.RuneCountInString(b), limit)
				assert.Equal(t, strings.TrimSpace(b), b)
			}
			assert.Equal(t, squash(in), squash(strings.Join(blocks, "\n")), "round trip at limit %d", limit)
		}
	}
}

func TestBlocks_Positions(t *testing.T) {
	blocks := Blocks("# A\none\n# B\ntwo", 350)
	require.Len(t, blocks, 2)
	for i, b := range blocks {
		assert.Equal(t, i, b.Position)
	}
	assert.Equal(t, "# B\ntwo", blocks[1].Text)
}
