package blockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppenderCreatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.1")

	app, err := OpenAppender(path)
	require.NoError(t, err)
	require.NoError(t, app.Append([]byte(`[1,{"a":1}]`)))
	require.NoError(t, app.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `0[[1,{"a":1}],`, string(raw))
}

func TestReadJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.1")
	require.NoError(t, os.WriteFile(path, []byte(`0[[1,"a"],[2,"b"],`), 0o600))

	body, err := Read(path, false)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,"a"],[2,"b"]]`, string(body))
}

func TestReadEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.1")
	require.NoError(t, os.WriteFile(path, []byte(`0[`), 0o600))

	body, err := Read(path, false)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(body))
}

func TestReadTornJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.1")
	require.NoError(t, os.WriteFile(path, []byte(`0[[1,"a"],[2,"b"],[3,"c`), 0o600))

	_, err := Read(path, false)
	assert.ErrorIs(t, err, ErrTornJournal)

	body, err := Read(path, true)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,"a"],[2,"b"]]`, string(body))
}

func TestReadTornJournalWithTrailingGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.1")
	require.NoError(t, os.WriteFile(path, []byte(`0[[1,"a"],`+`,{`), 0o600))

	body, err := Read(path, true)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,"a"]]`, string(body))
}

func TestWriteFinalPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.jem")
	body := []byte(`[[1,{"a":1}]]`)

	n, err := WriteFinal(path, body, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)+1), n)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(FlagFinal), raw[0])

	out, err := Read(path, false)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestWriteFinalCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.jem")
	body := []byte(`[[1,{"a":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}]]`)

	_, err := WriteFinal(path, body, 6)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(FlagFinalCompressed), raw[0])

	out, err := Read(path, false)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestReadBadFrame(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err := Read(empty, false)
	assert.ErrorIs(t, err, ErrBadFrame)

	bad := filepath.Join(dir, "bad")
	require.NoError(t, os.WriteFile(bad, []byte("9[]"), 0o600))
	_, err = Read(bad, false)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestAppendResumesExistingJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.1")

	app, err := OpenAppender(path)
	require.NoError(t, err)
	require.NoError(t, app.Append([]byte(`[1,"a"]`)))
	require.NoError(t, app.Close())

	app, err = OpenAppender(path)
	require.NoError(t, err)
	require.NoError(t, app.Append([]byte(`[2,"b"]`)))
	require.NoError(t, app.Close())

	body, err := Read(path, false)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,"a"],[2,"b"]]`, string(body))
}
