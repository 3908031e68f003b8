package autofix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

const storeSource = `import os

class Store:
    def __init__(self):
        self.x = 1

    def lookup(self, cur, user_id):
        query = "SELECT * FROM t WHERE id = '%s'" % user_id
        cur.execute(query)
        return cur.fetchone()

def other():
    pass
`

func TestExtract_Window(t *testing.T) {
	x := NewContextExtractor(zaptest.NewLogger(t), 1, false)
	code := x.Extract(context.Background(), "store.py", []byte(storeSource), schemas.LineRange{Start: 8, End: 8})

	assert.Equal(t, "python", code.Language)
	assert.Equal(t, 7, code.Start)
	assert.Equal(t, 9, code.End)
	assert.Equal(t,
		"   7:     def lookup(self, cur, user_id):\n"+
			"-> 8:         query = \"SELECT * FROM t WHERE id = '%s'\" % user_id\n"+
			"   9:         cur.execute(query)",
		code.Text)
}

func TestExtract_ExpandsToEnclosingFunction(t *testing.T) {
	x := NewContextExtractor(zaptest.NewLogger(t), 1, true)
	code := x.Extract(context.Background(), "store.py", []byte(storeSource), schemas.LineRange{Start: 8, End: 8})

	assert.Equal(t, 7, code.Start)
	assert.GreaterOrEqual(t, code.End, 10)
	assert.Contains(t, code.Text, "def lookup(self, cur, user_id):")
	assert.Contains(t, code.Text, "return cur.fetchone()")
	assert.Contains(t, code.Text, "->  8:")
	assert.NotContains(t, code.Text, "def other")
	assert.NotContains(t, code.Text, "__init__")
}

func TestExtract_GoFunction(t *testing.T) {
	src := "package main\n\nfunc main() {\n\ta := 1\n\tb := 2\n\tprintln(a + b)\n}\n"
	x := NewContextExtractor(zaptest.NewLogger(t), 1, true)
	code := x.Extract(context.Background(), "main.go", []byte(src), schemas.LineRange{Start: 5, End: 5})

	assert.Equal(t, "go", code.Language)
	assert.Equal(t, 3, code.Start)
	assert.Equal(t, 7, code.End)
}

func TestExtract_EdgeCases(t *testing.T) {
	x := NewContextExtractor(zaptest.NewLogger(t), 2, true)

	t.Run("unknown language uses the plain window", func(t *testing.T) {
		code := x.Extract(context.Background(), "notes.txt", []byte("a\nb\nc\nd\ne\nf\n"), schemas.LineRange{Start: 1, End: 1})
		assert.Empty(t, code.Language)
		assert.Equal(t, 1, code.Start)
		assert.Equal(t, 3, code.End)
	})

	t.Run("range past the end is clamped", func(t *testing.T) {
		code := x.Extract(context.Background(), "notes.txt", []byte("a\nb\n"), schemas.LineRange{Start: 40, End: 42})
		assert.Equal(t, 1, code.Start)
		assert.Equal(t, 2, code.End)
		assert.Contains(t, code.Text, "-> 2: b")
	})

	t.Run("empty file", func(t *testing.T) {
		code := x.Extract(context.Background(), "empty.py", nil, schemas.LineRange{Start: 1, End: 1})
		assert.Empty(t, code.Text)
	})
}
