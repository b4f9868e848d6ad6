package jsonfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrUnfixable is returned when neither textual repair nor the backup yields valid JSON.
var ErrUnfixable = errors.New("unfixable json")

const (
	FixBalancedBrackets = "balanced_brackets"
	FixDroppedCloser    = "dropped_stray_closer"
	FixClosedString     = "closed_string"
	FixTrailingCommas   = "stripped_trailing_commas"
	FixRestoredBackup   = "restored_backup"
)

// RepairResult describes what Repair changed.
type RepairResult struct {
	Content []byte
	Fixes   []string
}

// Repair applies the bounded set of textual fixes to content. Valid input is
// returned unchanged with no fixes. The returned content always parses when
// err is nil.
func Repair(content []byte) (RepairResult, error) {
	if json.Valid(content) {
		return RepairResult{Content: content}, nil
	}

	var fixes []string
	balanced, bfixes := balanceBrackets(content)
	fixes = append(fixes, bfixes...)

	stripped, n := stripTrailingCommas(balanced)
	if n > 0 {
		fixes = append(fixes, FixTrailingCommas)
	}

	if !json.Valid(stripped) {
		return RepairResult{Fixes: fixes}, fmt.Errorf("after %v: %w", fixes, ErrUnfixable)
	}
	return RepairResult{Content: stripped, Fixes: fixes}, nil
}

// ReadBackup returns the .bak content for path when it exists and is valid JSON.
func ReadBackup(path string) ([]byte, error) {
	bakPath := path + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if !json.Valid(content) {
		return nil, fmt.Errorf("backup %s is also corrupted: %w", bakPath, ErrUnfixable)
	}
	return content, nil
}

// stripTrailingCommas removes commas that are followed only by whitespace and
// a closing brace or bracket. String contents are left alone.
func stripTrailingCommas(in []byte) ([]byte, int) {
	out := make([]byte, 0, len(in))
	removed := 0
	inString := false
	escaped := false

	for i := 0; i < len(in); i++ {
		c := in[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(in) && isSpace(in[j]) {
				j++
			}
			if j < len(in) && (in[j] == '}' || in[j] == ']') {
				removed++
				continue
			}
		}
		out = append(out, c)
	}
	return out, removed
}

// balanceBrackets closes an unterminated string, inserts closers that are
// missing before a mismatched closer, drops closers with no opener and
// appends closers for anything still open at EOF.
func balanceBrackets(in []byte) ([]byte, []string) {
	var out bytes.Buffer
	var stack []byte
	inString := false
	escaped := false
	seen := map[string]bool{}
	note := func(fix string) { seen[fix] = true }

	for i := 0; i < len(in); i++ {
		c := in[i]
		if inString {
			out.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			out.WriteByte(c)
		case '{', '[':
			stack = append(stack, c)
			out.WriteByte(c)
		case '}', ']':
			opener := openerFor(c)
			idx := lastIndex(stack, opener)
			if idx < 0 {
				note(FixDroppedCloser)
				continue
			}
			for len(stack)-1 > idx {
				out.WriteByte(closerFor(stack[len(stack)-1]))
				stack = stack[:len(stack)-1]
				note(FixBalancedBrackets)
			}
			stack = stack[:idx]
			out.WriteByte(c)
		default:
			out.WriteByte(c)
		}
	}

	if inString {
		if escaped {
			out.Truncate(out.Len() - 1)
		}
		out.WriteByte('"')
		note(FixClosedString)
	}
	for len(stack) > 0 {
		out.WriteByte(closerFor(stack[len(stack)-1]))
		stack = stack[:len(stack)-1]
		note(FixBalancedBrackets)
	}

	var fixes []string
	for _, f := range []string{FixClosedString, FixDroppedCloser, FixBalancedBrackets} {
		if seen[f] {
			fixes = append(fixes, f)
		}
	}
	return out.Bytes(), fixes
}

func openerFor(closer byte) byte {
	if closer == '}' {
		return '{'
	}
	return '['
}

func closerFor(opener byte) byte {
	if opener == '{' {
		return '}'
	}
	return ']'
}

func lastIndex(stack []byte, b byte) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == b {
			return i
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
