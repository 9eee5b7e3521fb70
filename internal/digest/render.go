package digest

import (
	"html"
	"strings"

	"digestbot/internal/transport"
)

// RenderHTML renders a grouped digest as a standalone HTML document.
// Message bodies are opaque text and are escaped; attachment and embed
// references become thumbnails and linked blocks.
func RenderHTML(d Digest) string {
	var b strings.Builder
	b.WriteString(`<html><body style="font-family: Arial, sans-serif;">` + "\n")
	b.WriteString("<h1>Digest for " + html.EscapeString(d.TenantName) + "</h1>\n")

	for _, ch := range d.Channels {
		b.WriteString("<h2>#" + html.EscapeString(ch.Name) + "</h2>\n")

		for _, bucket := range ch.Buckets {
			b.WriteString("<h3>" + html.EscapeString(bucket.Label) + "</h3>\n")

			if len(bucket.Events) == 0 {
				b.WriteString("<p>No new messages</p>\n")
				continue
			}

			b.WriteString("<ul>\n")
			for _, ev := range bucket.Events {
				b.WriteString("    <li><strong>" + html.EscapeString(ev.Author) + ":</strong> " +
					html.EscapeString(ev.Text))

				for _, url := range ev.Attachments {
					if url == "" {
						continue
					}
					b.WriteString(`<br><img src="` + html.EscapeString(url) +
						`" alt="Attachment Thumbnail" style="max-width: 200px; max-height: 200px; object-fit: cover;">`)
				}

				for _, em := range ev.Embeds {
					block := renderEmbed(em)
					if block != "" {
						b.WriteString(block)
					}
				}

				b.WriteString("</li>\n")
			}
			b.WriteString("</ul>\n")
		}
	}

	b.WriteString("</body></html>")
	return b.String()
}

func renderEmbed(em transport.Embed) string {
	var content strings.Builder
	if em.Title != "" {
		title := html.EscapeString(em.Title)
		if em.URL != "" {
			content.WriteString(`<a href="` + html.EscapeString(em.URL) +
				`" style="text-decoration: none; color: #0066cc; display: block;"><strong>` +
				title + `</strong></a>`)
		} else {
			content.WriteString(`<strong style="display: block; word-wrap: break-word;">` + title + `</strong>`)
		}
	}
	if em.Description != "" {
		content.WriteString(`<p style="margin: 0; word-wrap: break-word;">` +
			html.EscapeString(em.Description) + `</p>`)
	}
	if em.ThumbURL != "" {
		content.WriteString(`<img src="` + html.EscapeString(em.ThumbURL) +
			`" alt="Embed Thumbnail" style="max-width: 200px; max-height: 200px; object-fit: cover; display: block; margin-top: 10px;">`)
	}
	if content.Len() == 0 {
		return ""
	}
	return `<div style="width: 200px; padding: 10px; border-left: 2px solid #ccc; box-sizing: border-box;">` +
		content.String() + `</div>`
}
