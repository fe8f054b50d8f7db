package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "TABLE": FormatTable, "json": FormatJSON, " yaml ": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

type row struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func TestPrinter_Value(t *testing.T) {
	v := []row{{Name: "alpha", Score: 0.9}}
	table := func() *Table {
		tb := NewTable("NAME", "SCORE")
		tb.AddRow("alpha", "0.90")
		return tb
	}

	var out bytes.Buffer
	require.NoError(t, New(&out, &out, FormatJSON).Value(v, table))
	assert.JSONEq(t, `[{"name":"alpha","score":0.9}]`, out.String())

	out.Reset()
	require.NoError(t, New(&out, &out, FormatYAML).Value(v, table))
	assert.Equal(t, "- name: alpha\n  score: 0.9\n", out.String())

	out.Reset()
	require.NoError(t, New(&out, &out, FormatTable).Value(v, table))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "NAME   SCORE", lines[0])
	assert.Equal(t, "-----  -----", lines[1])
	assert.Equal(t, "alpha  0.90", lines[2])
}

func TestPrinter_StatusLines(t *testing.T) {
	color.NoColor = true
	var out, errOut bytes.Buffer
	p := New(&out, &errOut, FormatTable)
	p.Success("created %d", 2)
	p.Error("failed")
	assert.Equal(t, "✓ created 2\n", out.String())
	assert.Equal(t, "✗ failed\n", errOut.String())

	out.Reset()
	New(&out, &errOut, FormatJSON).Info("hidden")
	assert.Empty(t, out.String())
}
