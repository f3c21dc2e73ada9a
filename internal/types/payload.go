package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved payload keys. Property names never start with '+'.
const (
	KeyParent  = "+parent"
	KeyAuthor  = "+author"
	KeyCtime   = "+ctime"
	KeyMessage = "+message"
	KeyFile    = "+file"
	KeyAmend   = "+amend"
	KeyTag     = "+tag"
	KeyTarget  = "+target"
)

// EncodePayload serializes e as the text stored in its commit message.
// One line per key: reserved keys first, properties in order, files,
// then the amend reference and the message.
func EncodePayload(e *Entry) string {
	var b strings.Builder
	if e.ParentID != "" {
		writeLine(&b, KeyParent, e.ParentID)
	}
	writeLine(&b, KeyAuthor, e.Author)
	writeLine(&b, KeyCtime, strconv.FormatInt(e.Ctime.Unix(), 10))
	for _, prop := range e.Properties {
		writeLine(&b, prop.Name, prop.Values...)
	}
	for _, f := range e.Files {
		writeLine(&b, KeyFile, f.ID, f.Filename, strconv.FormatInt(f.Size, 10))
	}
	if e.Amends != "" {
		writeLine(&b, KeyAmend, e.Amends)
	}
	if e.Message != "" {
		writeLine(&b, KeyMessage, e.Message)
	}
	return b.String()
}

// DecodePayload parses a commit message into an Entry. The id is not
// part of the payload and must be set by the caller.
func DecodePayload(payload string) (*Entry, error) {
	e := &Entry{}
	lines, err := tokenizeLines(payload)
	if err != nil {
		return nil, err
	}
	for n, tokens := range lines {
		key, values := tokens[0], tokens[1:]
		if !strings.HasPrefix(key, "+") {
			e.Properties.Set(key, values)
			continue
		}
		switch key {
		case KeyParent:
			e.ParentID = first(values)
		case KeyAuthor:
			e.Author = first(values)
		case KeyCtime:
			secs, err := strconv.ParseInt(first(values), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("payload line %d: invalid ctime %q", n+1, first(values))
			}
			e.Ctime = time.Unix(secs, 0).UTC()
		case KeyMessage:
			e.Message = first(values)
		case KeyFile:
			if len(values) != 3 {
				return nil, fmt.Errorf("payload line %d: malformed file reference", n+1)
			}
			size, err := strconv.ParseInt(values[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("payload line %d: invalid file size %q", n+1, values[2])
			}
			e.Files = append(e.Files, AttachedFileRef{ID: values[0], Filename: values[1], Size: size})
		case KeyAmend:
			e.Amends = first(values)
		default:
			// Unknown reserved keys come from newer writers; skip them.
		}
	}
	return e, nil
}

// TagRecord is the body of the note carrying the tags of one entry.
type TagRecord struct {
	Target string
	Tags   []string
}

// EncodeTagRecord serializes r as a note body. An empty tag set encodes
// to "" which removes the note.
func EncodeTagRecord(r TagRecord) string {
	if len(r.Tags) == 0 {
		return ""
	}
	var b strings.Builder
	if r.Target != "" {
		writeLine(&b, KeyTarget, r.Target)
	}
	for _, tag := range r.Tags {
		writeLine(&b, KeyTag, tag)
	}
	return b.String()
}

// DecodeTagRecord parses a note body. Duplicate tags, which appear after
// a union merge of notes, are collapsed.
func DecodeTagRecord(body string) (TagRecord, error) {
	var r TagRecord
	lines, err := tokenizeLines(body)
	if err != nil {
		return r, err
	}
	seen := make(map[string]bool)
	for _, tokens := range lines {
		switch tokens[0] {
		case KeyTarget:
			r.Target = first(tokens[1:])
		case KeyTag:
			tag := first(tokens[1:])
			if tag != "" && !seen[tag] {
				seen[tag] = true
				r.Tags = append(r.Tags, tag)
			}
		}
	}
	return r, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func writeLine(b *strings.Builder, key string, values ...string) {
	b.WriteString(key)
	for _, v := range values {
		b.WriteByte(' ')
		b.WriteString(quoteToken(v))
	}
	b.WriteByte('\n')
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsFunc(s, func(r rune) bool {
		return r == ' ' || r == '"' || r == '\\' || isControl(r)
	})
}

// isControl reports the characters written as escapes inside quoted
// tokens, so that payloads never carry raw control bytes.
func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func quoteToken(s string) string {
	if !needsQuoting(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if isControl(r) {
				fmt.Fprintf(&b, `\x%02x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// tokenizeLines splits a payload into non-empty lines of tokens. Quoted
// tokens never span lines since newlines inside them are escaped.
func tokenizeLines(payload string) ([][]string, error) {
	var out [][]string
	for n, line := range strings.Split(payload, "\n") {
		tokens, err := tokenize(line)
		if err != nil {
			return nil, fmt.Errorf("payload line %d: %w", n+1, err)
		}
		if len(tokens) > 0 {
			out = append(out, tokens)
		}
	}
	return out, nil
}

func tokenize(line string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(line) {
		c := line[i]
		if c == ' ' || c == '\t' || c == '\r' {
			i++
			continue
		}
		if c != '"' {
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' && line[j] != '\r' {
				j++
			}
			tokens = append(tokens, line[i:j])
			i = j
			continue
		}
		var b strings.Builder
		i++
		closed := false
		for i < len(line) {
			c = line[i]
			if c == '"' {
				closed = true
				i++
				break
			}
			if c == '\\' && i+1 < len(line) {
				i++
				switch line[i] {
				case 'n':
					b.WriteByte('\n')
				case 'r':
					b.WriteByte('\r')
				case 't':
					b.WriteByte('\t')
				case 'x':
					if i+2 >= len(line) {
						return nil, fmt.Errorf("truncated escape in quoted token")
					}
					v, err := strconv.ParseUint(line[i+1:i+3], 16, 8)
					if err != nil {
						return nil, fmt.Errorf("invalid escape %q in quoted token", line[i-1:i+3])
					}
					b.WriteByte(byte(v))
					i += 2
				default:
					b.WriteByte(line[i])
				}
				i++
				continue
			}
			b.WriteByte(c)
			i++
		}
		if !closed {
			return nil, fmt.Errorf("unterminated quoted token")
		}
		tokens = append(tokens, b.String())
	}
	return tokens, nil
}
