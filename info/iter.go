// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package info

import (
	"strconv"
	"strings"
)

// Iter steps through the comma separated values of a set of info lines.
//
// Values are consumed positionally from the current line, which is selected
// by Next. A failed Next<Type> call leaves the position unchanged, so the
// caller may retry the value as a different type.
type Iter struct {
	lines []string
	idx   int
	line  string
	pos   int
}

// NewIter creates an iterator over the info lines.
func NewIter(lines []string) *Iter {
	return &Iter{lines: lines}
}

// Next advances to the next line beginning with the prefix, which should
// include the trailing colon, e.g. "+CGCONTRDP:".
//
// An empty prefix matches any line. Returns false if no further line matches.
func (i *Iter) Next(prefix string) bool {
	for i.idx < len(i.lines) {
		l := i.lines[i.idx]
		i.idx++
		if strings.HasPrefix(l, prefix) {
			i.line = l[len(prefix):]
			i.pos = 0
			return true
		}
	}
	i.line = ""
	i.pos = 0
	return false
}

// Line returns the unconsumed remainder of the current line.
func (i *Iter) Line() string {
	return i.line[i.pos:]
}

// NextNumber returns the next value as a decimal integer.
func (i *Iter) NextNumber() (int, bool) {
	i.skipSpace()
	start := i.pos
	end := start
	if end < len(i.line) && (i.line[end] == '-' || i.line[end] == '+') {
		end++
	}
	for end < len(i.line) && isDigit(i.line[end]) {
		end++
	}
	v, err := strconv.Atoi(i.line[start:end])
	if err != nil {
		return 0, false
	}
	i.pos = end
	i.skipSeparator()
	return v, true
}

// NextHex returns the next value, quoted or not, as a hexadecimal integer.
func (i *Iter) NextHex() (int, bool) {
	save := i.pos
	s, ok := i.NextUnquoted()
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		i.pos = save
		return 0, false
	}
	return int(v), true
}

// NextString returns the next value as a string.
//
// Quoted strings are returned without the quotes. An empty value, as in
// "1,,3", returns an empty string.
func (i *Iter) NextString() (string, bool) {
	return i.NextUnquoted()
}

// NextUnquoted returns the next value as raw text, with any quotes removed.
func (i *Iter) NextUnquoted() (string, bool) {
	i.skipSpace()
	if i.pos >= len(i.line) || i.line[i.pos] == ')' || i.line[i.pos] == '(' {
		return "", false
	}
	var v string
	if i.line[i.pos] == '"' {
		end := strings.IndexByte(i.line[i.pos+1:], '"')
		if end < 0 {
			return "", false
		}
		v = i.line[i.pos+1 : i.pos+1+end]
		i.pos += end + 2
	} else {
		end := i.pos
		for end < len(i.line) && i.line[end] != ',' && i.line[end] != ')' {
			end++
		}
		v = strings.TrimSpace(i.line[i.pos:end])
		i.pos = end
	}
	i.skipSeparator()
	return v, true
}

// NextRange returns the next value as a range, "min-max" or a single value.
func (i *Iter) NextRange() (min, max int, ok bool) {
	i.skipSpace()
	save := i.pos
	end := i.pos
	for end < len(i.line) && isDigit(i.line[end]) {
		end++
	}
	min, err := strconv.Atoi(i.line[i.pos:end])
	if err != nil {
		return 0, 0, false
	}
	max = min
	if end < len(i.line) && i.line[end] == '-' {
		s := end + 1
		end = s
		for end < len(i.line) && isDigit(i.line[end]) {
			end++
		}
		max, err = strconv.Atoi(i.line[s:end])
		if err != nil {
			i.pos = save
			return 0, 0, false
		}
	}
	i.pos = end
	i.skipSeparator()
	return min, max, true
}

// Skip skips the next value, including a complete parenthesised list.
func (i *Iter) Skip() bool {
	i.skipSpace()
	if i.pos >= len(i.line) || i.line[i.pos] == ')' {
		return false
	}
	switch i.line[i.pos] {
	case '(':
		depth := 0
	list:
		for ; i.pos < len(i.line); i.pos++ {
			switch i.line[i.pos] {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					i.pos++
					break list
				}
			}
		}
		i.skipSeparator()
		return true
	default:
		_, ok := i.NextUnquoted()
		return ok
	}
}

// OpenList enters a parenthesised list.
func (i *Iter) OpenList() bool {
	i.skipSpace()
	if i.pos < len(i.line) && i.line[i.pos] == '(' {
		i.pos++
		return true
	}
	return false
}

// CloseList leaves a parenthesised list.
func (i *Iter) CloseList() bool {
	i.skipSpace()
	if i.pos < len(i.line) && i.line[i.pos] == ')' {
		i.pos++
		i.skipSeparator()
		return true
	}
	return false
}

func (i *Iter) skipSpace() {
	for i.pos < len(i.line) && i.line[i.pos] == ' ' {
		i.pos++
	}
}

func (i *Iter) skipSeparator() {
	i.skipSpace()
	if i.pos < len(i.line) && i.line[i.pos] == ',' {
		i.pos++
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
