package record

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/microcosm-cc/bluemonday"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailnorm/model"
)

func TestAssemble_EmptyListsAreNotNull(t *testing.T) {
	rec := Assemble(model.Metadata{Subject: "Hi"}, nil, nil, nil)

	data, err := Encode(rec)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"text_contents": []`)
	assert.Contains(t, out, `"html_contents": []`)
	assert.Contains(t, out, `"attachments": []`)
	assert.Contains(t, out, `"processed_files": []`)
	assert.NotContains(t, out, "null")
}

func TestAssemble_KeepsOrderAndFilenames(t *testing.T) {
	parts := model.Parts{
		{Kind: model.PartText, Content: "first"},
		{Kind: model.PartHTML, Content: "<p>one</p>"},
		{Kind: model.PartAttachment, Attachment: &model.Attachment{Filename: "b.pdf"}},
		{Kind: model.PartText, Content: "second"},
		{Kind: model.PartAttachment, Attachment: &model.Attachment{Filename: "a.png"}},
	}
	rec := Assemble(model.Metadata{Sender: "a@b.c"}, parts, []string{"out/x_b_0.jpg"}, nil)

	assert.Equal(t, []string{"first", "second"}, rec.TextContents)
	assert.Equal(t, []string{"<p>one</p>"}, rec.HTMLContents)
	assert.Equal(t, []string{"b.pdf", "a.png"}, rec.Attachments)
	assert.Equal(t, []string{"out/x_b_0.jpg"}, rec.ProcessedFiles)
}

func TestAssemble_HTMLPolicy(t *testing.T) {
	parts := model.Parts{{Kind: model.PartHTML, Content: `<p onclick="x()">hi</p><script>alert(1)</script>`}}
	rec := Assemble(model.Metadata{}, parts, nil, bluemonday.UGCPolicy())

	require.Len(t, rec.HTMLContents, 1)
	assert.Equal(t, "<p>hi</p>", rec.HTMLContents[0])
}

func TestEncode_NoEscaping(t *testing.T) {
	rec := Assemble(model.Metadata{Subject: "Café <weekly> & more"}, nil, nil, nil)
	data, err := Encode(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"subject": "Café <weekly> & more"`)
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"sender\""))
}

func TestStore_Save(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	rec := Assemble(model.Metadata{Subject: "s"}, nil, []string{filepath.Join(dir, "m1_a_0.jpg")}, nil)
	require.NoError(t, store.Save("m1", rec, []File{{Name: "m1_a_0.jpg", Data: []byte("jpeg")}}))

	img, err := os.ReadFile(filepath.Join(dir, "m1_a_0.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(img))

	data, err := os.ReadFile(filepath.Join(dir, "m1.json"))
	require.NoError(t, err)
	want, err := Encode(rec)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestStore_RecordPathIsSanitized(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	path, err := store.RecordPath("<abc@mail.example>")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "abc_mail.example_.json"), path)

	path, err = store.RecordPath("../../escape")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestStore_RollbackOnImageFailure(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	boom := errors.New("disk full")
	calls := 0
	store.stage = func(path string, data []byte) (string, error) {
		calls++
		if calls == 2 {
			return "", boom
		}
		return stageFile(path, data)
	}

	err = store.Save("m1", Assemble(model.Metadata{}, nil, nil, nil), []File{
		{Name: "m1_a_0.jpg", Data: []byte("one")},
		{Name: "m1_a_1.jpg", Data: []byte("two")},
	})

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "m1", perr.ID)
	assert.Equal(t, filepath.Join(dir, "m1_a_1.jpg"), perr.Path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_RollbackOnRecordFailure(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	store.stage = func(path string, data []byte) (string, error) {
		if strings.HasSuffix(path, ".json") {
			return "", errors.New("read-only")
		}
		return stageFile(path, data)
	}

	err = store.Save("m1", Assemble(model.Metadata{}, nil, nil, nil), []File{{Name: "m1_a_0.jpg", Data: []byte("one")}})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no image and no temp file left behind")
}

func TestStore_FailedRerunKeepsPreviousOutput(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	image := filepath.Join(dir, "m1_a_0.jpg")
	first := Assemble(model.Metadata{Subject: "first"}, nil, []string{image}, nil)
	require.NoError(t, store.Save("m1", first, []File{{Name: "m1_a_0.jpg", Data: []byte("old page")}}))

	store.stage = func(path string, data []byte) (string, error) {
		if strings.HasSuffix(path, ".json") {
			return "", errors.New("read-only")
		}
		return stageFile(path, data)
	}
	second := Assemble(model.Metadata{Subject: "second"}, nil, []string{image}, nil)
	err = store.Save("m1", second, []File{{Name: "m1_a_0.jpg", Data: []byte("new page")}})
	require.Error(t, err)

	data, err := os.ReadFile(image)
	require.NoError(t, err)
	assert.Equal(t, "old page", string(data))

	data, err = os.ReadFile(filepath.Join(dir, "m1.json"))
	require.NoError(t, err)
	want, err := Encode(first)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStore_RenameFailureRemovesOnlyNewImages(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	existing := filepath.Join(dir, "m1_a_0.jpg")
	require.NoError(t, store.Save("m1", Assemble(model.Metadata{}, nil, []string{existing}, nil),
		[]File{{Name: "m1_a_0.jpg", Data: []byte("page")}}))

	store.rename = func(oldpath, newpath string) error {
		if strings.HasSuffix(newpath, ".json") {
			return errors.New("cross-device link")
		}
		return os.Rename(oldpath, newpath)
	}
	err = store.Save("m1", Assemble(model.Metadata{}, nil, nil, nil), []File{
		{Name: "m1_a_0.jpg", Data: []byte("page")},
		{Name: "m1_a_1.jpg", Data: []byte("extra")},
	})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, filepath.Join(dir, "m1.json"), perr.Path)

	_, err = os.Stat(existing)
	assert.NoError(t, err, "image from the earlier run is kept")
	_, err = os.Stat(filepath.Join(dir, "m1_a_1.jpg"))
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "old record and old image only")
}

func TestStageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")

	tmp, err := stageFile(path, []byte("new"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(path), filepath.Dir(tmp))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "target untouched until renamed")

	info, err := os.Stat(tmp)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	data, err := os.ReadFile(tmp)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
