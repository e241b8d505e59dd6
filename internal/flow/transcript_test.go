package flow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscript_AppendCreatesFile(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscript(dir, "A-1")
	require.NotNil(t, tr)
	assert.Equal(t, filepath.Join(dir, "A-1", TranscriptFileName), tr.Path())

	tr.Append("1. extraction attempt", map[string]any{"attempt": 1}, `{"Hersteller": "Bosch"}`)
	tr.Append("supervisor", nil, "PASS")

	data, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "Agenten-Transkript für A-1")
	assert.Contains(t, content, "<h2>1. extraction attempt</h2>")
	assert.Contains(t, content, "&#34;attempt&#34;: 1")
	assert.Contains(t, content, "<h2>supervisor</h2>")
	assert.Contains(t, content, "<pre>PASS</pre>")
	// The nil request renders as null.
	assert.Contains(t, content, "<pre>null</pre>")
}

func TestTranscript_EscapesMarkup(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscript(dir, "A-1")
	tr.Append("raw", nil, "<script>alert(1)</script>")

	data, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "<script>")
	assert.Contains(t, string(data), "&lt;script&gt;")
}

func TestTranscript_SanitizesItemIDPath(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscript(dir, "a/b:c")
	tr.Append("raw", nil, "x")

	assert.Equal(t, filepath.Join(dir, "a_b_c", TranscriptFileName), tr.Path())
	_, err := os.Stat(tr.Path())
	assert.NoError(t, err)
}

func TestTranscript_NilIsNoop(t *testing.T) {
	var tr *Transcript
	assert.Empty(t, tr.Path())
	tr.Append("raw", nil, "x")

	assert.Nil(t, NewTranscript("", "A-1"))
}

func TestTranscript_CapsSectionSize(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscript(dir, "A-1")
	tr.Append("big", nil, strings.Repeat("x", transcriptSectionCap+100))

	info, err := os.Stat(tr.Path())
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(transcriptSectionCap+2000))
}
