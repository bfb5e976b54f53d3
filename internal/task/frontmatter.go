package task

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelim = "---"

// ParseEntry decodes a markdown entry with YAML frontmatter. The task id is
// derived from the filename (8 lowercase alphanumerics); relPath becomes the
// stable Path key.
func ParseEntry(relPath string, data []byte) (Task, error) {
	var t Task

	id := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
	if !ValidID(id) {
		return t, fmt.Errorf("entry %s: filename is not a valid task id", relPath)
	}

	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return t, fmt.Errorf("entry %s: %w", relPath, err)
	}

	if err := yaml.Unmarshal(fm, &t); err != nil {
		return t, fmt.Errorf("entry %s: invalid frontmatter: %w", relPath, err)
	}

	t.ID = id
	t.Path = relPath
	t.Content = string(body)

	if t.Status == "" {
		t.Status = StatusDraft
	} else if !t.Status.Valid() {
		return t, fmt.Errorf("entry %s: invalid status %q", relPath, t.Status)
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Title == "" {
		t.Title = firstHeading(body)
	}

	return t, nil
}

// EncodeEntry renders a task back to markdown with YAML frontmatter.
func EncodeEntry(t Task) ([]byte, error) {
	fm, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode entry %s: %w", t.Path, err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(fm)
	buf.WriteString(frontmatterDelim + "\n")
	if t.Content != "" {
		if !strings.HasPrefix(t.Content, "\n") {
			buf.WriteString("\n")
		}
		buf.WriteString(t.Content)
	}
	return buf.Bytes(), nil
}

// splitFrontmatter separates the YAML header from the markdown body.
// Entries without a frontmatter block are accepted as pure content.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	trimmed := bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(trimmed, []byte(frontmatterDelim+"\n")) {
		return nil, trimmed, nil
	}

	rest := trimmed[len(frontmatterDelim)+1:]
	end := bytes.Index(rest, []byte("\n"+frontmatterDelim))
	if end < 0 {
		return nil, nil, fmt.Errorf("unterminated frontmatter block")
	}

	frontmatter = rest[:end+1]
	body = rest[end+1+len(frontmatterDelim):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return frontmatter, body, nil
}

func firstHeading(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}
