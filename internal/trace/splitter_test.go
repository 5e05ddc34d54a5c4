package trace

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mattjoyce/plugbox/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json", nil)
	goleak.VerifyTestMain(m)
}

type lineRecorder struct {
	lines []string
}

func (r *lineRecorder) add(line string) { r.lines = append(r.lines, line) }

func newTestSplitter(t *testing.T, opts SplitterOptions) (*Splitter, *lineRecorder) {
	t.Helper()
	rec := &lineRecorder{}
	s, err := NewSplitter(rec.add, opts)
	require.NoError(t, err)
	return s, rec
}

func feed(t *testing.T, s *Splitter, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		n, err := s.Write([]byte(c))
		require.NoError(t, err)
		require.Equal(t, len(c), n)
	}
}

func TestSplitter(t *testing.T) {
	tests := []struct {
		name      string
		chunks    []string
		wantOpen  []string
		wantFinal []string
	}{
		{
			name:      "fragment carried across writes",
			chunks:    []string{"foo\nbar", "baz\n"},
			wantOpen:  []string{"foo", "barbaz"},
			wantFinal: []string{"foo", "barbaz"},
		},
		{
			name:      "no terminator only grows the carry",
			chunks:    []string{"abc", "def"},
			wantOpen:  nil,
			wantFinal: []string{"abcdef"},
		},
		{
			name:      "lone terminator emits carried content",
			chunks:    []string{"abc", "\n"},
			wantOpen:  []string{"abc"},
			wantFinal: []string{"abc"},
		},
		{
			name:      "lone terminator with empty carry emits empty line",
			chunks:    []string{"\n"},
			wantOpen:  []string{""},
			wantFinal: []string{""},
		},
		{
			name:      "carriage return terminates",
			chunks:    []string{"progress 1\rprogress 2\r"},
			wantOpen:  []string{"progress 1", "progress 2"},
			wantFinal: []string{"progress 1", "progress 2"},
		},
		{
			name:      "crlf is two terminators",
			chunks:    []string{"a\r", "\nb"},
			wantOpen:  []string{"a", ""},
			wantFinal: []string{"a", "", "b"},
		},
		{
			name:      "multi-byte rune split across chunks",
			chunks:    []string{"h\xc3", "\xa9llo\n"},
			wantOpen:  []string{"héllo"},
			wantFinal: []string{"héllo"},
		},
		{
			name:      "empty close emits nothing extra",
			chunks:    []string{"one\ntwo\n"},
			wantOpen:  []string{"one", "two"},
			wantFinal: []string{"one", "two"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec := newTestSplitter(t, SplitterOptions{})
			feed(t, s, tt.chunks...)
			assert.Equal(t, tt.wantOpen, rec.lines)

			require.NoError(t, s.Close())
			assert.Equal(t, tt.wantFinal, rec.lines)
		})
	}
}

func TestSplitterReassemblyIndependentOfChunking(t *testing.T) {
	ref := "alpha\nbeta\r\ngamma\n\n\rdelta épsilon\nζ tail"
	rng := rand.New(rand.NewSource(42))

	terminators := strings.Count(ref, "\n") + strings.Count(ref, "\r")

	var baseline []string
	for round := 0; round < 200; round++ {
		s, rec := newTestSplitter(t, SplitterOptions{})

		rest := ref
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			feed(t, s, rest[:n])
			rest = rest[n:]
		}
		require.NoError(t, s.Close())

		total := 0
		for _, l := range rec.lines {
			total += len(l)
		}
		require.Equal(t, len(ref), total+terminators, "bytes lost or duplicated in round %d", round)

		if baseline == nil {
			baseline = rec.lines
			continue
		}
		require.Equal(t, baseline, rec.lines, "round %d", round)
	}

	nlOnly := strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(ref)
	s, rec := newTestSplitter(t, SplitterOptions{})
	feed(t, s, nlOnly)
	require.NoError(t, s.Close())
	assert.Equal(t, nlOnly, strings.Join(rec.lines, "\n"))
}

func TestSplitterWriteAfterClose(t *testing.T) {
	s, _ := newTestSplitter(t, SplitterOptions{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())

	_, err := s.Write([]byte("late\n"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSplitterOnCloseCalledOnce(t *testing.T) {
	calls := 0
	s, _ := newTestSplitter(t, SplitterOptions{OnClose: func() { calls++ }})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)
}

func TestSplitterTeesRawChunksToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "stdout.log")
	s, rec := newTestSplitter(t, SplitterOptions{FilePath: path})

	feed(t, s, "foo\nba", "r\r\n", "tail")
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "foo\nbar\r\ntail", string(got))
	assert.Equal(t, []string{"foo", "bar", "", "tail"}, rec.lines)
}

func TestSplitterFileWriteFailureDoesNotStopLines(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	s, rec := newTestSplitter(t, SplitterOptions{FilePath: "/dev/full"})

	feed(t, s, "still\nflowing\n")
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"still", "flowing"}, rec.lines)
}

func TestSplitterFileOpenFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := NewSplitter(nil, SplitterOptions{FilePath: dir})
	require.Error(t, err)
}

func TestSplitterFail(t *testing.T) {
	var got error
	s, _ := newTestSplitter(t, SplitterOptions{OnError: func(err error) { got = err }})

	s.Fail(nil)
	assert.NoError(t, got)

	s.Fail(os.ErrClosed)
	assert.ErrorIs(t, got, os.ErrClosed)
	assert.False(t, s.Closed())
}
