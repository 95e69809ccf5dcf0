package collab

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	text := `TITLE: Improve scanner error handling
DESCRIPTION: Wrap errors at the boundary.
Also add context to each call site.
FILES:
- internal/scan/scan.go: return wrapped errors
- ` + "`cmd/app/main.go`" + `: log at the boundary
`
	plan := parsePlan(text)
	assert.Equal(t, "Improve scanner error handling", plan.title)
	assert.Contains(t, plan.description, "Wrap errors at the boundary.")
	assert.Contains(t, plan.description, "Also add context to each call site.")
	assert.Equal(t, []string{"internal/scan/scan.go", "cmd/app/main.go"}, plan.files)
}

func TestParsePlanMissingSections(t *testing.T) {
	plan := parsePlan("Here is my plan: change everything.")
	assert.Empty(t, plan.title)
	assert.Empty(t, plan.files)
}

func TestParseFileBlocks(t *testing.T) {
	text := `Some preamble the model added.

FILE: a.go
package a

func A() {}
END_FILE
FILE: b/b.go
package b
END_FILE
`
	cs, err := parseFileBlocks(text)
	require.NoError(t, err)
	require.Equal(t, 2, cs.Len())

	a, ok := cs.Get("a.go")
	require.True(t, ok)
	assert.Equal(t, "package a\n\nfunc A() {}", a.Content)

	b, ok := cs.Get("b/b.go")
	require.True(t, ok)
	assert.Equal(t, "package b", b.Content)
}

func TestParseFileBlocksUnterminated(t *testing.T) {
	_, err := parseFileBlocks("FILE: a.go\npackage a\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.go")
}

func TestParseFileBlocksEmpty(t *testing.T) {
	_, err := parseFileBlocks("I could not fix the issues.")
	assert.Error(t, err)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "package a", stripFences("```go\npackage a\n```"))
	assert.Equal(t, "package a", stripFences("package a"))
	assert.Equal(t, "a\n```\nb", stripFences("a\n```\nb"), "interior fences are kept")
}

func TestClassifyErr(t *testing.T) {
	assert.NoError(t, classifyErr("op", nil))

	err := classifyErr("summarize", errors.New("dial tcp: connection refused"))
	assert.True(t, IsTransient(err))

	err = classifyErr("propose", errors.New("googleapi: Error 503: service unavailable"))
	assert.True(t, IsTransient(err))

	plain := errors.New("invalid argument")
	assert.Same(t, plain, classifyErr("propose", plain))
	assert.False(t, IsTransient(plain))
}

func TestErrorPredicatesSeeThroughWrapping(t *testing.T) {
	te := &TransientError{Op: "publish", Err: errors.New("boom")}
	assert.True(t, IsTransient(fmt.Errorf("cycle failed: %w", te)))
	assert.Equal(t, "boom", errors.Unwrap(te).Error())

	me := &MalformedOutputError{Op: "fix", Detail: "no FILE blocks"}
	assert.True(t, IsMalformed(fmt.Errorf("cycle failed: %w", me)))
	assert.False(t, IsMalformed(te))
	assert.False(t, IsTransient(me))
}
