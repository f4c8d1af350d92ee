// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package util

import (
	"bytes"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

const outputLimit = 1024
const flushChr = 0x0a // \n

// Output buffers the secure console, characters written by applets are
// flushed one line at a time to the attached terminal, or to Stdout when
// none is attached.
type Output struct {
	sync.Mutex

	// Stdout is the fallback writer, os.Stdout when nil.
	Stdout io.Writer

	buf  bytes.Buffer
	term *term.Terminal
}

// Attach redirects output to t, nil detaches the current terminal.
func (o *Output) Attach(t *term.Terminal) {
	o.Lock()
	defer o.Unlock()

	o.term = t
}

func (o *Output) flush() {
	if o.term != nil {
		o.term.Write(o.term.Escape.Green)
		o.term.Write(o.buf.Bytes())
		o.term.Write(o.term.Escape.Reset)
	} else if o.Stdout != nil {
		o.Stdout.Write(o.buf.Bytes())
	} else {
		os.Stdout.Write(o.buf.Bytes())
	}

	o.buf.Reset()
}

// WriteByte implements io.ByteWriter.
func (o *Output) WriteByte(c byte) error {
	o.Lock()
	defer o.Unlock()

	o.buf.WriteByte(c)

	if c == flushChr || o.buf.Len() > outputLimit {
		o.flush()
	}

	return nil
}

// Write implements io.Writer.
func (o *Output) Write(p []byte) (int, error) {
	for _, c := range p {
		o.WriteByte(c)
	}

	return len(p), nil
}

// Flush writes any pending character.
func (o *Output) Flush() {
	o.Lock()
	defer o.Unlock()

	if o.buf.Len() > 0 {
		o.flush()
	}
}
