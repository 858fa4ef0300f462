// Package answers reads and writes per-bot answer scripts: the ordered list of
// lines replayed to a bot's prompts.
package answers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var nonWord = regexp.MustCompile(`[^\w]`)

// ErrNested is returned for answer files whose values are not scalars.
var ErrNested = errors.New("answer values must be scalars")

// FileFor returns the answer file used for botName under dir.
func FileFor(dir, botName string) string {
	name := nonWord.ReplaceAllString(strings.TrimSpace(botName), "_")
	if name == "" {
		name = "bot"
	}
	return filepath.Join(dir, name+".json")
}

// Load reads answers from path. JSON and YAML files may hold a mapping, whose
// values are used in file order, or a sequence. Any other file is read as one
// answer per line.
func Load(path string) ([]string, error) {
	// #nosec G304 -- answer files are chosen by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read answers %s: %w", path, err)
	}
	var answers []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		answers, err = parseJSON(data)
	case ".yaml", ".yml":
		answers, err = parseYAML(data)
	default:
		answers = parseText(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse answers %s: %w", path, err)
	}
	return answers, nil
}

// Save writes answers as a JSON object keyed answer_1, answer_2, ...
func Save(path string, answers []string) error {
	data, err := Encode(answers)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// Encode renders answers as the JSON object Save writes, keys in answer order.
func Encode(answers []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, answer := range answers {
		value, err := json.Marshal(answer)
		if err != nil {
			return nil, fmt.Errorf("encode answer %d: %w", i+1, err)
		}
		fmt.Fprintf(&buf, "  \"answer_%d\": %s", i+1, value)
		if i < len(answers)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// WriteDefault creates the stock answer file for botName unless path exists.
// It reports whether a file was written.
func WriteDefault(path, botName string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	var buf bytes.Buffer
	buf.WriteString("{\n  \"proxy_question\": \"y\"")
	if !strings.EqualFold(strings.TrimSpace(botName), "aster") {
		buf.WriteString(",\n  \"continue_question\": \"y\"")
	}
	buf.WriteString("\n}\n")
	if err := writeFile(path, buf.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create answers directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write answers %s: %w", path, err)
	}
	return nil
}

func parseText(data []byte) []string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{}
	}
	return strings.Split(text, "\n")
}

// parseJSON walks tokens so object values keep their file order.
func parseJSON(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil, errors.New("expected a JSON object or array")
	}
	answers := []string{}
	for dec.More() {
		if delim == '{' {
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		value, err := jsonScalar(raw)
		if err != nil {
			return nil, fmt.Errorf("answer %d: %w", len(answers)+1, err)
		}
		answers = append(answers, value)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after answers")
	}
	return answers, nil
}

func jsonScalar(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return "", err
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "", nil
	default:
		return "", ErrNested
	}
}

func parseYAML(data []byte) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return []string{}, nil
	}
	root := doc.Content[0]
	var values []*yaml.Node
	switch root.Kind {
	case yaml.MappingNode:
		for i := 1; i < len(root.Content); i += 2 {
			values = append(values, root.Content[i])
		}
	case yaml.SequenceNode:
		values = root.Content
	default:
		return nil, errors.New("expected a YAML mapping or sequence")
	}
	answers := make([]string, 0, len(values))
	for i, node := range values {
		if node.Kind == yaml.AliasNode && node.Alias != nil {
			node = node.Alias
		}
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("answer %d: %w", i+1, ErrNested)
		}
		if node.Tag == "!!null" {
			answers = append(answers, "")
			continue
		}
		answers = append(answers, node.Value)
	}
	return answers, nil
}
