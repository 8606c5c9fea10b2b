package remoteconfig

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

// Block is a slice of the config file: either the preamble before the first
// section header or one section from its header up to the next header.
// Raw holds the exact bytes so unrelated sections are written back unchanged.
type Block struct {
	Name   string
	Header bool
	Raw    []byte
}

// KV is one key/value pair of a section in file order.
type KV struct {
	Key   string
	Value string
}

// Parse splits data into blocks. Concatenating the Raw fields of the result
// reproduces data exactly.
func Parse(data []byte) []Block {
	var blocks []Block
	cur := Block{}

	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i+1], data[i+1:]
		} else {
			line, data = data, nil
		}

		if name, ok := sectionName(line); ok {
			if cur.Header || len(cur.Raw) > 0 {
				blocks = append(blocks, cur)
			}
			cur = Block{Name: name, Header: true}
		}
		cur.Raw = append(cur.Raw, line...)
	}

	if cur.Header || len(cur.Raw) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

// Join concatenates blocks back into file content.
func Join(blocks []Block) []byte {
	var buf bytes.Buffer
	for _, b := range blocks {
		buf.Write(b.Raw)
	}
	return buf.Bytes()
}

func sectionName(line []byte) (string, bool) {
	s := strings.TrimSpace(string(line))
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return "", false
	}
	return strings.TrimSpace(s[1 : len(s)-1]), true
}

func blockKey(b Block) (string, bool) {
	return b.Name, b.Header
}

var loadOptions = ini.LoadOptions{
	// rclone does not treat # or ; after a value as a comment, and secrets
	// may contain them or end in a backslash.
	IgnoreInlineComment:     true,
	IgnoreContinuation:      true,
	AllowBooleanKeys:        true,
	SkipUnrecognizableLines: true,
	PreserveSurroundedQuote: true,
}

// Values parses the block's key/value pairs in file order.
func (b Block) Values() ([]KV, error) {
	if !b.Header {
		return nil, nil
	}
	f, err := ini.LoadSources(loadOptions, b.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse section [%s]: %w", b.Name, err)
	}
	var section *ini.Section
	for _, s := range f.Sections() {
		if strings.TrimSpace(s.Name()) == b.Name {
			section = s
			break
		}
	}
	if section == nil {
		return nil, fmt.Errorf("section [%s] not found after parsing", b.Name)
	}

	keys := section.Keys()
	kvs := make([]KV, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, KV{Key: k.Name(), Value: k.Value()})
	}
	return kvs, nil
}

// trailer returns the blank and comment lines at the end of the block. They
// usually belong to the following section and are kept on rewrite.
func (b Block) trailer() []byte {
	lines := bytes.SplitAfter(b.Raw, []byte("\n"))
	cut := len(lines)
	for cut > 1 {
		s := strings.TrimSpace(string(lines[cut-1]))
		if s != "" && s[0] != '#' && s[0] != ';' {
			break
		}
		cut--
	}
	return bytes.Join(lines[cut:], nil)
}
