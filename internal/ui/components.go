// Package ui renders the read-only HTML file browser.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"
	"time"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"
)

// File is a single stored object for display.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Checksum    string
	ModifiedAt  time.Time
}

// Disk is one storage root for display.
type Disk struct {
	Index  int
	Root   string
	Parity bool
}

// pageWriter remembers the first write error so that a page can be emitted
// as a sequence of writes with a single check at the end.
type pageWriter struct {
	w   io.Writer
	err error
}

func (p *pageWriter) print(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *pageWriter) printf(format string, args ...any) {
	p.print(fmt.Sprintf(format, args...))
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.print(`<!DOCTYPE html><html lang="en">`)
		p.print(`<head><meta charset="utf-8">`)
		p.print(`<meta name="viewport" content="width=device-width, initial-scale=1">`)
		p.printf("<title>%s</title>", html.EscapeString(title))
		// Minimal modern CSS framework (Pico.css) via CDN.
		p.print(`<link rel="stylesheet" href="https://unpkg.com/@picocss/pico@2/css/pico.min.css">`)
		p.print(`</head><body><main class="container">`)
		if p.err != nil {
			return p.err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		p.print("</main></body></html>")
		return p.err
	})
}

// FilesPage renders the disk layout and the list of stored files.
func FilesPage(disks []Disk, files []File) templ.Component {
	return Layout("raidstore", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}

		p.print("<section><header><h1>raidstore</h1>")
		p.printf("<p>%d data disks and one parity disk.</p></header>", max(len(disks)-1, 0))

		p.print("<table><thead><tr><th>Disk</th><th>Root</th><th>Role</th></tr></thead><tbody>")
		for _, d := range disks {
			role := "data"
			if d.Parity {
				role = "parity"
			}
			p.printf("<tr><td>%d</td><td><code>%s</code></td><td>%s</td></tr>", d.Index, html.EscapeString(d.Root), role)
		}
		p.print("</tbody></table></section>")

		p.print("<section><h2>Files</h2>")
		if len(files) == 0 {
			p.print("<p>No files stored.</p></section>")
			return p.err
		}

		p.print("<table><thead><tr><th>Name</th><th>Size</th><th>Type</th><th>Modified</th><th>MD5</th></tr></thead><tbody>")
		for _, f := range files {
			p.printf(`<tr><td><a href="/file/?filename=%s">%s</a></td><td>%s</td><td>%s</td><td title="%s">%s</td><td><code>%s</code></td></tr>`,
				url.QueryEscape(f.Name),
				html.EscapeString(f.Name),
				humanize.IBytes(uint64(f.Size)),
				html.EscapeString(f.ContentType),
				f.ModifiedAt.UTC().Format(time.RFC3339),
				humanize.Time(f.ModifiedAt),
				html.EscapeString(f.Checksum),
			)
		}
		p.print("</tbody></table></section>")
		return p.err
	}))
}
