package raster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailnorm/model"
)

func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "pdftoppm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestPoppler_RasterizeOrdersPages(t *testing.T) {
	bin := fakeBinary(t, `for last; do :; done
printf '%s\n' "$@" > "${FAKE_ARGS_OUT:-/dev/null}"
printf 'ten' > "$last-10.jpg"
printf 'two' > "$last-02.jpg"
printf 'one' > "$last-01.jpg"
printf 'junk' > "$last.txt"
`)
	argsOut := filepath.Join(t.TempDir(), "args.txt")
	t.Setenv("FAKE_ARGS_OUT", argsOut)

	p, err := NewPoppler(Options{Binary: bin, DPI: 100, Quality: 70, MaxPages: 4}, nil)
	require.NoError(t, err)

	att := &model.Attachment{Index: 3, Filename: "newsletter.pdf", Data: []byte("%PDF-1.4")}
	images, err := p.Rasterize(context.Background(), att)
	require.NoError(t, err)
	require.Len(t, images, 3)

	for i, want := range []string{"one", "two", "ten"} {
		assert.Equal(t, want, string(images[i].Data))
		assert.Equal(t, i, images[i].Page)
		assert.Equal(t, "newsletter.pdf", images[i].Attachment)
		assert.Equal(t, 3, images[i].AttachmentIndex)
		assert.Equal(t, "jpg", images[i].Ext)
	}

	args, err := os.ReadFile(argsOut)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(args)), "\n")
	assert.Equal(t, []string{"-r", "100", "-jpeg", "-jpegopt", "quality=70", "-f", "1", "-l", "4"}, lines[:9])
	assert.True(t, strings.HasSuffix(lines[9], "input.pdf"))
}

func TestPoppler_FailureIsAttachmentScoped(t *testing.T) {
	bin := fakeBinary(t, `echo "Command Line Error: Incorrect password" >&2
exit 1
`)
	p, err := NewPoppler(Options{Binary: bin}, nil)
	require.NoError(t, err)

	_, err = p.Rasterize(context.Background(), &model.Attachment{Filename: "locked.pdf", Data: []byte("%PDF")})
	require.Error(t, err)

	var rasterErr *RasterizationError
	require.True(t, errors.As(err, &rasterErr))
	assert.Equal(t, "locked.pdf", rasterErr.Attachment)
	assert.Contains(t, rasterErr.Detail, "Incorrect password")
}

func TestPoppler_Timeout(t *testing.T) {
	bin := fakeBinary(t, "exec sleep 5\n")
	p, err := NewPoppler(Options{Binary: bin, Timeout: 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	started := time.Now()
	_, err = p.Rasterize(context.Background(), &model.Attachment{Filename: "slow.pdf", Data: []byte("%PDF")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(started), 4*time.Second)
}

func TestPoppler_CancelledIsNotAttachmentError(t *testing.T) {
	bin := fakeBinary(t, `for last; do :; done
printf 'one' > "$last-1.jpg"
`)
	p, err := NewPoppler(Options{Binary: bin}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Rasterize(ctx, &model.Attachment{Filename: "a.pdf", Data: []byte("%PDF")})
	require.ErrorIs(t, err, context.Canceled)

	var rasterErr *RasterizationError
	assert.False(t, errors.As(err, &rasterErr))
}

func TestPoppler_CancelledWhileRunning(t *testing.T) {
	bin := fakeBinary(t, "exec sleep 5\n")
	p, err := NewPoppler(Options{Binary: bin, Timeout: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Rasterize(ctx, &model.Attachment{Filename: "slow.pdf", Data: []byte("%PDF")})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var rasterErr *RasterizationError
	assert.False(t, errors.As(err, &rasterErr))
}

func TestPoppler_NoPages(t *testing.T) {
	bin := fakeBinary(t, "exit 0\n")
	p, err := NewPoppler(Options{Binary: bin, Format: FormatPNG}, nil)
	require.NoError(t, err)

	_, err = p.Rasterize(context.Background(), &model.Attachment{Filename: "empty.pdf", Data: []byte("%PDF")})
	assert.ErrorIs(t, err, ErrNoPages)
}

func TestNewPoppler_RejectsUnknownFormat(t *testing.T) {
	_, err := NewPoppler(Options{Format: "gif"}, nil)
	assert.Error(t, err)
}

func TestPoppler_PNGArgs(t *testing.T) {
	p, err := NewPoppler(Options{Format: FormatPNG}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-r", "150", "-png", "in.pdf", "out"}, p.args("in.pdf", "out"))
	assert.Equal(t, "png", p.opts.Ext())
}

func TestIsPDF(t *testing.T) {
	tests := []struct {
		name string
		att  model.Attachment
		want bool
	}{
		{name: "content type", att: model.Attachment{Filename: "x.bin", ContentType: "application/pdf"}, want: true},
		{name: "extension", att: model.Attachment{Filename: "Report.PDF", ContentType: "application/octet-stream"}, want: true},
		{name: "sniffed", att: model.Attachment{Filename: "scan", ContentType: "application/octet-stream", Data: []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n")}, want: true},
		{name: "image", att: model.Attachment{Filename: "logo.png", ContentType: "image/png", Data: []byte("\x89PNG\r\n\x1a\n")}, want: false},
		{name: "empty", att: model.Attachment{Filename: "blob"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPDF(&tt.att))
		})
	}
}
