package issue

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/monoco-io/monoco/internal/fault"
)

const preambleFence = "---"

// knownKeys are the preamble fields decoded into the typed struct. Anything
// else round-trips through Extras untouched.
var knownKeys = map[string]bool{
	"id": true, "type": true, "status": true, "stage": true, "title": true,
	"created_at": true, "updated_at": true, "parent": true,
	"dependencies": true, "related": true, "domains": true, "tags": true,
	"files": true, "isolation": true, "criticality": true, "solution": true,
}

// Parse decodes one issue file: a YAML preamble between --- fences followed
// by a Markdown body.
func Parse(data []byte) (*Issue, error) {
	preamble, body, err := splitPreamble(data)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(preamble, &doc); err != nil {
		return nil, fault.Wrap(fault.Validation, err, "malformed YAML preamble")
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fault.New(fault.Validation, "preamble is not a YAML mapping")
	}
	mapping := doc.Content[0]

	iss := &Issue{Body: body}
	for idx := 0; idx+1 < len(mapping.Content); idx += 2 {
		keyNode, valNode := mapping.Content[idx], mapping.Content[idx+1]
		key := keyNode.Value
		if !knownKeys[key] {
			iss.Extras = append(iss.Extras, Extra{Key: key, Value: valNode})
			continue
		}
		if err := decodeField(iss, key, valNode); err != nil {
			return nil, err
		}
	}
	return iss, nil
}

func decodeField(iss *Issue, key string, node *yaml.Node) error {
	wrap := func(err error) error {
		if err == nil {
			return nil
		}
		return fault.Wrapf(fault.Validation, err, "decoding field %s", key).WithField(key)
	}
	if isNullNode(node) {
		return nil
	}
	switch key {
	case "id":
		return wrap(node.Decode(&iss.ID))
	case "type":
		return wrap(node.Decode(&iss.Type))
	case "status":
		return wrap(node.Decode(&iss.Status))
	case "stage":
		return wrap(node.Decode(&iss.Stage))
	case "title":
		return wrap(node.Decode(&iss.Title))
	case "created_at":
		return wrap(node.Decode(&iss.CreatedAt))
	case "updated_at":
		return wrap(node.Decode(&iss.UpdatedAt))
	case "parent":
		return wrap(node.Decode(&iss.Parent))
	case "dependencies":
		return wrap(node.Decode(&iss.Dependencies))
	case "related":
		return wrap(node.Decode(&iss.Related))
	case "domains":
		return wrap(node.Decode(&iss.Domains))
	case "tags":
		return wrap(node.Decode(&iss.Tags))
	case "files":
		return wrap(node.Decode(&iss.Files))
	case "isolation":
		iso := &Isolation{}
		if err := node.Decode(iso); err != nil {
			return wrap(err)
		}
		iss.Isolation = iso
		return nil
	case "criticality":
		return wrap(node.Decode(&iss.Criticality))
	case "solution":
		return wrap(node.Decode(&iss.Solution))
	}
	return nil
}

func isNullNode(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && (node.Tag == "!!null" || node.Value == "null" || node.Value == "~" || node.Value == "")
}

func splitPreamble(data []byte) (preamble []byte, body string, err error) {
	text := string(data)
	if !strings.HasPrefix(text, preambleFence+"\n") {
		return nil, "", fault.New(fault.Validation, "missing preamble fence")
	}
	rest := text[len(preambleFence)+1:]
	end := strings.Index(rest, "\n"+preambleFence)
	if end < 0 {
		return nil, "", fault.New(fault.Validation, "unterminated preamble fence")
	}
	preamble = []byte(rest[:end+1])
	body = rest[end+1+len(preambleFence):]
	body = strings.TrimPrefix(body, "\n")
	return preamble, body, nil
}

// Encode renders the issue back to its file form. Known fields emit in
// canonical order; extras follow in their original order.
func Encode(iss *Issue) ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}

	add := func(key string, value any) error {
		valNode := &yaml.Node{}
		if err := valNode.Encode(value); err != nil {
			return fmt.Errorf("encoding field %s: %w", key, err)
		}
		mapping.Content = append(mapping.Content,
			scalarNode(key), valNode)
		return nil
	}
	addNode := func(key string, valNode *yaml.Node) {
		mapping.Content = append(mapping.Content, scalarNode(key), valNode)
	}

	if err := add("id", iss.ID); err != nil {
		return nil, err
	}
	if err := add("type", string(iss.Type)); err != nil {
		return nil, err
	}
	if err := add("status", string(iss.Status)); err != nil {
		return nil, err
	}
	if err := add("stage", string(iss.Stage)); err != nil {
		return nil, err
	}
	if err := add("title", iss.Title); err != nil {
		return nil, err
	}
	if err := add("created_at", iss.CreatedAt); err != nil {
		return nil, err
	}
	if err := add("updated_at", iss.UpdatedAt); err != nil {
		return nil, err
	}
	if iss.Parent != "" {
		if err := add("parent", iss.Parent); err != nil {
			return nil, err
		}
	}
	if err := add("dependencies", emptyToList(iss.Dependencies)); err != nil {
		return nil, err
	}
	if err := add("related", emptyToList(iss.Related)); err != nil {
		return nil, err
	}
	if err := add("domains", emptyToList(iss.Domains)); err != nil {
		return nil, err
	}
	if err := add("tags", emptyToList(iss.Tags)); err != nil {
		return nil, err
	}
	if err := add("files", emptyToList(iss.Files)); err != nil {
		return nil, err
	}
	if iss.Isolation != nil {
		if err := add("isolation", iss.Isolation); err != nil {
			return nil, err
		}
	}
	crit := iss.Criticality
	if crit == "" {
		crit = CriticalityMedium
	}
	if err := add("criticality", string(crit)); err != nil {
		return nil, err
	}
	if iss.Solution == "" {
		addNode("solution", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"})
	} else if err := add("solution", string(iss.Solution)); err != nil {
		return nil, err
	}
	for _, extra := range iss.Extras {
		addNode(extra.Key, extra.Value)
	}

	var buf bytes.Buffer
	buf.WriteString(preambleFence + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(mapping); err != nil {
		return nil, fmt.Errorf("encoding preamble: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString(preambleFence + "\n")
	if iss.Body != "" {
		buf.WriteString("\n")
		buf.WriteString(iss.Body)
		if !strings.HasSuffix(iss.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func emptyToList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// Load reads and parses the issue at path.
func Load(path string) (*Issue, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: issue paths come from the watched tree
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrapf(fault.NotFound, err, "issue file %s", path)
		}
		return nil, fault.Wrapf(fault.TransientIO, err, "reading %s", path)
	}
	iss, err := Parse(data)
	if err != nil {
		return nil, err
	}
	iss.Path = path
	return iss, nil
}

// Save writes the issue to path using write-temp-then-rename so readers
// never observe a half-written preamble.
func Save(iss *Issue, path string) error {
	data, err := Encode(iss)
	if err != nil {
		return err
	}
	return fault.RetryIO("issue save", func() error {
		return atomicWrite(path, data)
	})
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".monoco-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
