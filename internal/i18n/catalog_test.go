package i18n_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/xqueue-grader/internal/i18n"
)

// buildMO assembles a minimal little-endian catalog in memory.
func buildMO(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	// gettext requires msgids sorted; a two-entry fixture keeps it simple.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}

	n := uint32(len(ids))
	origTable := uint32(28)
	transTable := origTable + n*8
	stringsStart := transTable + n*8

	var blob bytes.Buffer
	type entry struct{ length, offset uint32 }
	origs := make([]entry, 0, n)
	trans := make([]entry, 0, n)
	for _, id := range ids {
		origs = append(origs, entry{uint32(len(id)), stringsStart + uint32(blob.Len())})
		blob.WriteString(id)
		blob.WriteByte(0)
	}
	for _, id := range ids {
		str := entries[id]
		trans = append(trans, entry{uint32(len(str)), stringsStart + uint32(blob.Len())})
		blob.WriteString(str)
		blob.WriteByte(0)
	}

	var out bytes.Buffer
	le := binary.LittleEndian
	for _, v := range []uint32{0x950412de, 0, n, origTable, transTable, 0, 0} {
		require.NoError(t, binary.Write(&out, le, v))
	}
	for _, e := range origs {
		require.NoError(t, binary.Write(&out, le, e.length))
		require.NoError(t, binary.Write(&out, le, e.offset))
	}
	for _, e := range trans {
		require.NoError(t, binary.Write(&out, le, e.length))
		require.NoError(t, binary.Write(&out, le, e.offset))
	}
	out.Write(blob.Bytes())
	return out.Bytes()
}

func TestParseMO(t *testing.T) {
	mo := buildMO(t, map[string]string{
		"ERROR":    "ERARO",
		"*** Error": "*** Eraro",
	})
	catalog, err := i18n.ParseMO(bytes.NewReader(mo))
	require.NoError(t, err)
	assert.Equal(t, "ERARO", catalog["ERROR"])
	assert.Equal(t, "*** Eraro", catalog["*** Error"])
}

func TestParseMO_BadMagic(t *testing.T) {
	_, err := i18n.ParseMO(bytes.NewReader(make([]byte, 64)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad magic")
}

func TestParseMO_Truncated(t *testing.T) {
	_, err := i18n.ParseMO(bytes.NewReader([]byte{0xde, 0x12}))
	require.Error(t, err)
}

func TestCatalog_TranslateWithFallback(t *testing.T) {
	dir := t.TempDir()
	moDir := filepath.Join(dir, "eo", "LC_MESSAGES")
	require.NoError(t, os.MkdirAll(moDir, 0o755))
	mo := buildMO(t, map[string]string{"ERROR": "ERARO"})
	require.NoError(t, os.WriteFile(filepath.Join(moDir, "graders.mo"), mo, 0o644))

	c := i18n.NewCatalog(dir)
	assert.Equal(t, "ERARO", c.Translate("eo", "ERROR"))
	// Untranslated message falls through.
	assert.Equal(t, "missing", c.Translate("eo", "missing"))
	// Unknown language falls through.
	assert.Equal(t, "ERROR", c.Translate("fr", "ERROR"))
}

func TestCatalog_MissingLocaleDir(t *testing.T) {
	c := i18n.NewCatalog(filepath.Join(t.TempDir(), "absent"))
	tr := c.Translator("")
	assert.Equal(t, "hello", tr("hello"))
}
