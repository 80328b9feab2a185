package ui

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	table := NewTable("ALIAS", "STATUS", "ADDRESS")
	table.Append("master", "online", "10.0.0.1")
	table.Append("node001", "booting", "")

	var buf bytes.Buffer
	_, err := table.WriteTo(&buf)
	require.NoError(t, err)

	assert.Equal(t, ""+
		"ALIAS    STATUS   ADDRESS\n"+
		"master   online   10.0.0.1\n"+
		"node001  booting\n",
		buf.String())
}

func TestTableIgnoresColorsAndWideRunes(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = noColor }()

	table := NewTable("NAME", "STATUS")
	table.Append(color.HiGreenString("ok"), "x")
	table.Append("日本", "y")

	var buf bytes.Buffer
	_, err := table.WriteTo(&buf)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "NAME  STATUS", string(lines[0]))
	assert.Equal(t, "\x1b[92mok\x1b[0m    x", string(lines[1]))
	assert.Equal(t, "日本  y", string(lines[2]))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "online", stripANSI("\x1b[92monline\x1b[0m"))
	assert.Equal(t, "plain", stripANSI("plain"))
	assert.Equal(t, "cut", stripANSI("cut\x1b[9"))
}

func TestNilSpinner(t *testing.T) {
	var s *Spinner
	assert.NotPanics(t, func() {
		s.UpdateMessage("working")
		s.Success()
		s.Fail("failed")
	})
}
