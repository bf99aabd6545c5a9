package sandbox

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
)

func newTestFileTools(t *testing.T) *fileTools {
	t.Helper()
	return newFileTools(t.TempDir(), zap.NewNop())
}

func TestFileReadWrite(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	t.Run("Round Trip", func(t *testing.T) {
		msg, err := ft.Write(&schemas.FileWriteParams{Path: "notes.txt", Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "Successfully wrote to notes.txt", msg)

		msg, err = ft.Read(&schemas.FilePathParams{Path: "notes.txt"})
		require.NoError(t, err)
		assert.Equal(t, "File content:\nhello", msg)
	})

	t.Run("Creates Parent Directories", func(t *testing.T) {
		_, err := ft.Write(&schemas.FileWriteParams{Path: "a/b/c.txt", Content: "x"})
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(ft.workspace, "a", "b", "c.txt"))
		require.NoError(t, err)
		assert.Equal(t, "x", string(data))
	})

	t.Run("Empty Content", func(t *testing.T) {
		_, err := ft.Write(&schemas.FileWriteParams{Path: "empty.txt"})
		require.NoError(t, err)
		msg, err := ft.Read(&schemas.FilePathParams{Path: "empty.txt"})
		require.NoError(t, err)
		assert.Equal(t, "File content:\n", msg)
	})

	t.Run("Truncates Long Content", func(t *testing.T) {
		long := strings.Repeat("a", maxFileChars+100)
		_, err := ft.Write(&schemas.FileWriteParams{Path: "long.txt", Content: long})
		require.NoError(t, err)

		msg, err := ft.Read(&schemas.FilePathParams{Path: "long.txt"})
		require.NoError(t, err)
		assert.Contains(t, msg, fmt.Sprintf("File content (first %d chars):", maxFileChars))
		assert.Contains(t, msg, fmt.Sprintf("... (truncated, total %d chars)", maxFileChars+100))
		assert.NotContains(t, msg, strings.Repeat("a", maxFileChars+1))
	})

	t.Run("Missing Path", func(t *testing.T) {
		_, err := ft.Read(&schemas.FilePathParams{})
		require.EqualError(t, err, "file_read requires 'path' or 'file' parameter")
		_, err = ft.Write(&schemas.FileWriteParams{Content: "x"})
		require.EqualError(t, err, "file_write requires 'path' or 'file' parameter")
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := ft.Read(&schemas.FilePathParams{Path: "nope.txt"})
		require.Error(t, err)
	})
}

func TestFilePathConfinement(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	t.Run("Parent Traversal Rejected", func(t *testing.T) {
		_, err := ft.Write(&schemas.FileWriteParams{Path: "../escape.txt", Content: "x"})
		require.ErrorContains(t, err, "path escapes the sandbox workspace")
	})

	t.Run("Nested Traversal Rejected", func(t *testing.T) {
		_, err := ft.Read(&schemas.FilePathParams{Path: "a/../../escape.txt"})
		require.ErrorContains(t, err, "path escapes the sandbox workspace")
	})

	t.Run("Absolute Path Outside Rejected", func(t *testing.T) {
		_, err := ft.Read(&schemas.FilePathParams{Path: "/etc/passwd"})
		require.ErrorContains(t, err, "path escapes the sandbox workspace")
	})

	t.Run("Absolute Path Inside Allowed", func(t *testing.T) {
		inside := filepath.Join(ft.workspace, "inside.txt")
		_, err := ft.Write(&schemas.FileWriteParams{Path: inside, Content: "ok"})
		require.NoError(t, err)
		msg, err := ft.Read(&schemas.FilePathParams{Path: inside})
		require.NoError(t, err)
		assert.Equal(t, "File content:\nok", msg)
	})

	t.Run("Traversal That Stays Inside Allowed", func(t *testing.T) {
		_, err := ft.Write(&schemas.FileWriteParams{Path: "sub/../kept.txt", Content: "ok"})
		require.NoError(t, err)
	})
}

func TestFileList(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := ft.Write(&schemas.FileWriteParams{Path: name, Content: "x"})
		require.NoError(t, err)
	}

	t.Run("Lists Entries", func(t *testing.T) {
		msg, err := ft.List(&schemas.FilePathParams{Path: "."})
		require.NoError(t, err)
		assert.Equal(t, "Files in . (3 items):\na.txt\nb.txt\nc.txt", msg)
	})

	t.Run("Caps At Fifty", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(ft.workspace, "many"), 0o755))
		for i := 0; i < 55; i++ {
			path := filepath.Join(ft.workspace, "many", fmt.Sprintf("f%03d", i))
			require.NoError(t, os.WriteFile(path, nil, 0o644))
		}
		msg, err := ft.List(&schemas.FilePathParams{Path: "many"})
		require.NoError(t, err)
		assert.Contains(t, msg, "Files in many (55 items):")
		assert.Contains(t, msg, "... and 5 more")
	})

	t.Run("Missing Path", func(t *testing.T) {
		_, err := ft.List(&schemas.FilePathParams{})
		require.EqualError(t, err, "file_list requires 'path' parameter")
	})

	t.Run("Missing Directory", func(t *testing.T) {
		_, err := ft.List(&schemas.FilePathParams{Path: "nope"})
		require.Error(t, err)
	})
}

func TestFileReplace(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	_, err := ft.Write(&schemas.FileWriteParams{Path: "code.py", Content: "foo()\nbar()\nfoo()\n"})
	require.NoError(t, err)

	t.Run("Replaces All Occurrences", func(t *testing.T) {
		msg, err := ft.Replace(&schemas.ReplaceInFileParams{File: "code.py", OldText: "foo()", NewText: "baz()"})
		require.NoError(t, err)
		assert.Equal(t, "Successfully replaced text in code.py", msg)

		data, err := os.ReadFile(filepath.Join(ft.workspace, "code.py"))
		require.NoError(t, err)
		assert.Equal(t, "baz()\nbar()\nbaz()\n", string(data))
	})

	t.Run("Old Text Not Found", func(t *testing.T) {
		_, err := ft.Replace(&schemas.ReplaceInFileParams{File: "code.py", OldText: "missing", NewText: "x"})
		require.EqualError(t, err, "old_text not found in code.py")
	})

	t.Run("Missing Parameters", func(t *testing.T) {
		_, err := ft.Replace(&schemas.ReplaceInFileParams{OldText: "a", NewText: "b"})
		require.EqualError(t, err, "replace_in_file requires 'file' parameter")
		_, err = ft.Replace(&schemas.ReplaceInFileParams{File: "code.py", NewText: "b"})
		require.EqualError(t, err, "replace_in_file requires 'old_text' or 'old_str' parameter")
	})
}

func TestFileSearch(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	_, err := ft.Write(&schemas.FileWriteParams{Path: "log.txt", Content: "error: one\nok\nerror: two\n"})
	require.NoError(t, err)

	t.Run("Counts Matches", func(t *testing.T) {
		msg, err := ft.Search(&schemas.SearchInFileParams{File: "log.txt", Pattern: `error: \w+`})
		require.NoError(t, err)
		assert.Equal(t, `Found 2 matches for 'error: \w+' in log.txt`, msg)
	})

	t.Run("Zero Matches", func(t *testing.T) {
		msg, err := ft.Search(&schemas.SearchInFileParams{File: "log.txt", Pattern: "panic"})
		require.NoError(t, err)
		assert.Equal(t, "Found 0 matches for 'panic' in log.txt", msg)
	})

	t.Run("Invalid Pattern", func(t *testing.T) {
		_, err := ft.Search(&schemas.SearchInFileParams{File: "log.txt", Pattern: "("})
		require.ErrorContains(t, err, "invalid pattern '('")
	})

	t.Run("Missing Parameters", func(t *testing.T) {
		_, err := ft.Search(&schemas.SearchInFileParams{Pattern: "x"})
		require.EqualError(t, err, "search_in_file requires 'file' parameter")
		_, err = ft.Search(&schemas.SearchInFileParams{File: "log.txt"})
		require.EqualError(t, err, "search_in_file requires 'pattern' or 'regex' parameter")
	})
}

func TestFindFiles(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	for _, name := range []string{"main.go", "util.go", "docs/readme.md", "docs/api.md"} {
		_, err := ft.Write(&schemas.FileWriteParams{Path: name, Content: "x"})
		require.NoError(t, err)
	}

	t.Run("Matches Base Names", func(t *testing.T) {
		msg, err := ft.Find(&schemas.FindFilesParams{Path: ".", Glob: "*.go"})
		require.NoError(t, err)
		assert.Equal(t, "Found 2 files matching '*.go'", msg)
	})

	t.Run("Matches Relative Paths", func(t *testing.T) {
		msg, err := ft.Find(&schemas.FindFilesParams{Path: ".", Glob: "docs/*.md"})
		require.NoError(t, err)
		assert.Equal(t, "Found 2 files matching 'docs/*.md'", msg)
	})

	t.Run("Missing Parameters", func(t *testing.T) {
		_, err := ft.Find(&schemas.FindFilesParams{Glob: "*.go"})
		require.EqualError(t, err, "find_files requires 'path' parameter")
		_, err = ft.Find(&schemas.FindFilesParams{Path: "."})
		require.EqualError(t, err, "find_files requires 'glob' parameter")
	})
}

func TestImageRead(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	t.Run("Encodes Content", func(t *testing.T) {
		raw := []byte{0x89, 'P', 'N', 'G'}
		require.NoError(t, os.WriteFile(filepath.Join(ft.workspace, "shot.png"), raw, 0o644))

		msg, image, err := ft.ImageRead(&schemas.FilePathParams{Path: "shot.png"})
		require.NoError(t, err)
		assert.Equal(t, "Successfully read image from shot.png (4 bytes)", msg)
		assert.Equal(t, base64.StdEncoding.EncodeToString(raw), image)
	})

	t.Run("Empty File", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(ft.workspace, "blank.png"), nil, 0o644))
		_, _, err := ft.ImageRead(&schemas.FilePathParams{Path: "blank.png"})
		require.EqualError(t, err, "Failed to read image file: blank.png or file is empty")
	})

	t.Run("Missing Path", func(t *testing.T) {
		_, _, err := ft.ImageRead(&schemas.FilePathParams{})
		require.EqualError(t, err, "image_read requires 'path' or 'file' parameter")
	})
}

func TestEditorView(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	_, err := ft.Write(&schemas.FileWriteParams{Path: "v.txt", Content: "one\ntwo\nthree\nfour"})
	require.NoError(t, err)

	t.Run("Whole File", func(t *testing.T) {
		msg, err := ft.Editor(&schemas.EditorParams{Command: "view", Path: "v.txt"})
		require.NoError(t, err)
		assert.Equal(t, "Editor command 'view' executed on v.txt\none\ntwo\nthree\nfour", msg)
	})

	t.Run("Line Range", func(t *testing.T) {
		msg, err := ft.Editor(&schemas.EditorParams{Command: "view", Path: "v.txt", ViewRange: []int{2, 3}})
		require.NoError(t, err)
		assert.Equal(t, "Editor command 'view' executed on v.txt\ntwo\nthree", msg)
	})

	t.Run("Open Ended Range", func(t *testing.T) {
		msg, err := ft.Editor(&schemas.EditorParams{Command: "view", Path: "v.txt", ViewRange: []int{3, -1}})
		require.NoError(t, err)
		assert.Equal(t, "Editor command 'view' executed on v.txt\nthree\nfour", msg)
	})

	t.Run("Range Past End", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "view", Path: "v.txt", ViewRange: []int{99, -1}})
		require.ErrorContains(t, err, "view_range start 99 is past the end of v.txt")
	})

	t.Run("Inverted Range", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "view", Path: "v.txt", ViewRange: []int{3, 2}})
		require.ErrorContains(t, err, "view_range [3, 2] is invalid")
	})

	t.Run("Negative End Below Sentinel", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "view", Path: "v.txt", ViewRange: []int{1, -5}})
		require.ErrorContains(t, err, "view_range [1, -5] is invalid")
	})

	t.Run("Directory Listing", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(filepath.Join(ft.workspace, "dir"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(ft.workspace, "dir", "x.txt"), nil, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(ft.workspace, "dir", "y.txt"), nil, 0o644))

		msg, err := ft.Editor(&schemas.EditorParams{Command: "view", Path: "dir"})
		require.NoError(t, err)
		assert.Equal(t, "Editor command 'view' executed on dir\nx.txt\ny.txt", msg)
	})
}

func TestEditorMutations(t *testing.T) {
	t.Parallel()
	ft := newTestFileTools(t)

	readBack := func(t *testing.T, name string) string {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(ft.workspace, name))
		require.NoError(t, err)
		return string(data)
	}

	t.Run("Create", func(t *testing.T) {
		msg, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "new.txt", FileText: "fresh"})
		require.NoError(t, err)
		assert.Equal(t, "Editor command 'create' executed on new.txt", msg)
		assert.Equal(t, "fresh", readBack(t, "new.txt"))
	})

	t.Run("Create Overwrite Then Undo", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "over.txt", FileText: "first"})
		require.NoError(t, err)
		_, err = ft.Editor(&schemas.EditorParams{Command: "create", Path: "over.txt", FileText: "second"})
		require.NoError(t, err)
		assert.Equal(t, "second", readBack(t, "over.txt"))

		_, err = ft.Editor(&schemas.EditorParams{Command: "undo_edit", Path: "over.txt"})
		require.NoError(t, err)
		assert.Equal(t, "first", readBack(t, "over.txt"))
	})

	t.Run("Str Replace Exactly Once", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "sr.txt", FileText: "alpha beta gamma"})
		require.NoError(t, err)

		msg, err := ft.Editor(&schemas.EditorParams{Command: "str_replace", Path: "sr.txt", OldStr: "beta", NewStr: "delta"})
		require.NoError(t, err)
		assert.Equal(t, "Editor command 'str_replace' executed on sr.txt", msg)
		assert.Equal(t, "alpha delta gamma", readBack(t, "sr.txt"))
	})

	t.Run("Str Replace Not Found", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "nf.txt", FileText: "alpha"})
		require.NoError(t, err)
		_, err = ft.Editor(&schemas.EditorParams{Command: "str_replace", Path: "nf.txt", OldStr: "zeta", NewStr: "x"})
		require.EqualError(t, err, "old_str not found in nf.txt")
	})

	t.Run("Str Replace Ambiguous", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "amb.txt", FileText: "dup dup"})
		require.NoError(t, err)
		_, err = ft.Editor(&schemas.EditorParams{Command: "str_replace", Path: "amb.txt", OldStr: "dup", NewStr: "x"})
		require.EqualError(t, err, "old_str occurs 2 times in amb.txt; it must match exactly once")
	})

	t.Run("Str Replace Requires Old Str", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "str_replace", Path: "sr.txt", NewStr: "x"})
		require.EqualError(t, err, "str_replace_editor: 'str_replace' requires 'old_str' parameter")
	})

	t.Run("Insert", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "ins.txt", FileText: "one\nthree"})
		require.NoError(t, err)

		_, err = ft.Editor(&schemas.EditorParams{Command: "insert", Path: "ins.txt", InsertLine: 1, NewStr: "two"})
		require.NoError(t, err)
		assert.Equal(t, "one\ntwo\nthree", readBack(t, "ins.txt"))

		_, err = ft.Editor(&schemas.EditorParams{Command: "insert", Path: "ins.txt", InsertLine: 0, NewStr: "zero"})
		require.NoError(t, err)
		assert.Equal(t, "zero\none\ntwo\nthree", readBack(t, "ins.txt"))
	})

	t.Run("Insert Out Of Range", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "oor.txt", FileText: "one"})
		require.NoError(t, err)
		_, err = ft.Editor(&schemas.EditorParams{Command: "insert", Path: "oor.txt", InsertLine: 9, NewStr: "x"})
		require.EqualError(t, err, "insert_line 9 is out of range (file has 1 lines)")
	})

	t.Run("Undo Stack Unwinds In Order", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "create", Path: "st.txt", FileText: "v1"})
		require.NoError(t, err)
		_, err = ft.Editor(&schemas.EditorParams{Command: "str_replace", Path: "st.txt", OldStr: "v1", NewStr: "v2"})
		require.NoError(t, err)
		_, err = ft.Editor(&schemas.EditorParams{Command: "str_replace", Path: "st.txt", OldStr: "v2", NewStr: "v3"})
		require.NoError(t, err)

		_, err = ft.Editor(&schemas.EditorParams{Command: "undo_edit", Path: "st.txt"})
		require.NoError(t, err)
		assert.Equal(t, "v2", readBack(t, "st.txt"))

		_, err = ft.Editor(&schemas.EditorParams{Command: "undo_edit", Path: "st.txt"})
		require.NoError(t, err)
		assert.Equal(t, "v1", readBack(t, "st.txt"))

		_, err = ft.Editor(&schemas.EditorParams{Command: "undo_edit", Path: "st.txt"})
		require.EqualError(t, err, "no edit history for st.txt")
	})

	t.Run("Invalid Command", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Command: "explode", Path: "sr.txt"})
		require.EqualError(t, err, "str_replace_editor: invalid command 'explode'. Valid commands: ['view', 'create', 'str_replace', 'insert', 'undo_edit']")
	})

	t.Run("Missing Command And Path", func(t *testing.T) {
		_, err := ft.Editor(&schemas.EditorParams{Path: "x"})
		require.EqualError(t, err, "str_replace_editor requires 'command' parameter")
		_, err = ft.Editor(&schemas.EditorParams{Command: "view"})
		require.EqualError(t, err, "str_replace_editor requires 'path' parameter")
	})
}
