package ui_test

import (
	"bytes"
	"raidstore/internal/ui"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFilesPage(t *testing.T) {
	t.Parallel()

	disks := []ui.Disk{
		{Index: 0, Root: "/var/raid/block-0"},
		{Index: 1, Root: "/var/raid/block-1", Parity: true},
	}
	files := []ui.File{{
		Name:        "a&b.txt",
		Size:        2048,
		ContentType: "text/plain",
		Checksum:    "0123456789abcdef0123456789abcdef",
		ModifiedAt:  time.Now().Add(-time.Hour),
	}}

	var buf bytes.Buffer
	require.NoError(t, ui.FilesPage(disks, files).Render(t.Context(), &buf))

	page := buf.String()
	require.Contains(t, page, "<!DOCTYPE html>")
	require.Contains(t, page, "1 data disks")
	require.Contains(t, page, `href="/file/?filename=a%26b.txt"`)
	require.Contains(t, page, "a&amp;b.txt")
	require.Contains(t, page, "2.0 KiB")
	require.Contains(t, page, "1 hour ago")
}

func TestFilesPageEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, ui.FilesPage(nil, nil).Render(t.Context(), &buf))
	require.Contains(t, buf.String(), "No files stored.")
}
