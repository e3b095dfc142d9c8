package format

import "strings"

// Split breaks a rendered HTML message into chunks of at most max bytes.
// Cuts land on a newline or space where possible and never inside a tag or
// entity: a cut point inside either is walked back to before the opening
// "<" or "&".
func Split(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	var chunks []string
	pos := 0

	for pos < len(text) {
		end := pos + max
		if end >= len(text) {
			chunks = append(chunks, text[pos:])
			break
		}

		cut := strings.LastIndex(text[:end], "\n")
		if cut <= pos {
			cut = strings.LastIndex(text[:end], " ")
		}
		if cut <= pos {
			cut = end
		}

		chunk := text[pos:cut]
		if open := strings.LastIndex(chunk, "<"); open > 0 && !strings.Contains(chunk[open:], ">") {
			cut = pos + open
		} else if amp := strings.LastIndex(chunk, "&"); amp > 0 && !strings.Contains(chunk[amp:], ";") {
			cut = pos + amp
		}

		chunks = append(chunks, text[pos:cut])
		pos = cut

		for pos < len(text) && text[pos] == ' ' {
			pos++
		}
	}

	return chunks
}
