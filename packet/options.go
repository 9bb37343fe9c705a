// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"errors"
	"fmt"
	"io"
)

// An Option is a single code/length/data element of a message.
type Option struct {
	Code uint16
	Data []byte
}

// String returns a human-friendly rendering of the option.
func (o Option) String() string {
	if len(o.Data) > 16 {
		return fmt.Sprintf("Option(%d, %+v ...)", o.Code, o.Data[:16])
	}
	return fmt.Sprintf("Option(%d, %+v)", o.Code, o.Data)
}

// Options is a sequence of options in wire order.
type Options []Option

// Find returns the first option in os with the given code.
func (os Options) Find(code uint16) (Option, bool) {
	for _, o := range os {
		if o.Code == code {
			return o, true
		}
	}
	return Option{}, false
}

// Add returns os with an option of the given code and data added at the end.
func (os Options) Add(code uint16, data []byte) Options {
	return append(os, Option{Code: code, Data: data})
}

// Append encodes os onto b.
func (os Options) Append(b *Builder) {
	for _, o := range os {
		b.Option(o.Code, o.Data)
	}
}

// ParseOptions scans options from s until its input is exhausted.
// The data of each option aliases the input of s.
func ParseOptions(s *Scanner) (Options, error) {
	var out Options
	for s.Len() != 0 {
		o, err := s.Option()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, fmt.Errorf("offset %d: %w", s.Offset(), err)
		}
		out = append(out, o)
	}
	return out, nil
}
