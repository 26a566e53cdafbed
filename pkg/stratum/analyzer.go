// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stratum

import (
	"bytes"
	"encoding/json"
)

// MaxLineSize bounds a single stratum line. Longer lines are discarded.
const MaxLineSize = 64 * 1024

// Stats counts what an Analyzer has seen.
type Stats struct {
	UploadLines    uint64
	DownloadLines  uint64
	Malformed      uint64
	Discarded      uint64
	Logins         uint64
	SharesAccepted uint64
	SharesRejected uint64
}

// Analyzer extracts logins and share results from both directions of a
// session.
type Analyzer struct {
	upload   lineBuffer
	download lineBuffer

	continuous bool
	parsing    bool
	closed     bool

	onLogin  func(Worker)
	onResult func(accepted bool)

	// ids of submitted shares awaiting a response
	shares map[string]struct{}
	stats  Stats
}

// NewAnalyzer creates an idle Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{shares: make(map[string]struct{})}
}

// OnSubmitLogin registers the callback fired for every login request.
func (a *Analyzer) OnSubmitLogin(fn func(Worker)) {
	a.onLogin = fn
}

// OnSubmitResult registers the callback fired for every share response.
func (a *Analyzer) OnSubmitResult(fn func(accepted bool)) {
	a.onResult = fn
}

// AddUploadText buffers miner to pool bytes.
func (a *Analyzer) AddUploadText(p []byte) {
	a.add(Upload, p)
}

// AddDownloadText buffers pool to miner bytes.
func (a *Analyzer) AddDownloadText(p []byte) {
	a.add(Download, p)
}

// RunOnce parses every complete line buffered so far in both directions.
func (a *Analyzer) RunOnce() {
	if a.closed || a.parsing {
		return
	}
	a.parsing = true
	defer func() { a.parsing = false }()

	a.drain(Upload)
	a.drain(Download)
}

// Run switches to continuous parsing and processes what is buffered.
func (a *Analyzer) Run() {
	if a.closed {
		return
	}
	a.continuous = true
	a.RunOnce()
}

// Stats returns the counters collected so far.
func (a *Analyzer) Stats() Stats {
	s := a.stats
	s.Discarded = a.upload.discarded + a.download.discarded
	return s
}

// Buffered returns the number of unparsed bytes held for dir.
func (a *Analyzer) Buffered(dir Direction) int {
	return len(a.buffer(dir).buf)
}

// Close drops buffered data and callbacks. Later calls are no-ops.
func (a *Analyzer) Close() {
	a.closed = true
	a.upload = lineBuffer{discarded: a.upload.discarded}
	a.download = lineBuffer{discarded: a.download.discarded}
	a.onLogin = nil
	a.onResult = nil
	a.shares = nil
}

func (a *Analyzer) add(dir Direction, p []byte) {
	if a.closed || len(p) == 0 {
		return
	}
	a.buffer(dir).add(p)
	if a.continuous && !a.parsing {
		a.parsing = true
		a.drain(dir)
		a.parsing = false
	}
}

func (a *Analyzer) buffer(dir Direction) *lineBuffer {
	if dir == Upload {
		return &a.upload
	}
	return &a.download
}

// drain parses complete lines of dir. Callbacks may close the Analyzer.
func (a *Analyzer) drain(dir Direction) {
	for !a.closed {
		line, ok := a.buffer(dir).next()
		if !ok {
			return
		}
		if dir == Upload {
			a.stats.UploadLines++
			a.handleUpload(line)
		} else {
			a.stats.DownloadLines++
			a.handleDownload(line)
		}
	}
}

func (a *Analyzer) handleUpload(line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		a.stats.Malformed++
		return
	}

	if isSubmit(req.Method) {
		if id := idKey(req.ID); id != "" {
			a.shares[id] = struct{}{}
		}
		return
	}

	if w, ok := parseLogin(req); ok {
		a.stats.Logins++
		if a.onLogin != nil {
			a.onLogin(w)
		}
	}
}

func (a *Analyzer) handleDownload(line []byte) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		a.stats.Malformed++
		return
	}

	id := idKey(resp.ID)
	if id == "" {
		return
	}
	if _, ok := a.shares[id]; !ok {
		return
	}
	delete(a.shares, id)

	ok := accepted(resp)
	if ok {
		a.stats.SharesAccepted++
	} else {
		a.stats.SharesRejected++
	}
	if a.onResult != nil {
		a.onResult(ok)
	}
}

// lineBuffer splits a byte stream into newline-terminated lines.
type lineBuffer struct {
	buf       []byte
	skipping  bool
	discarded uint64
}

func (b *lineBuffer) add(p []byte) {
	b.buf = append(b.buf, p...)
}

// next returns the next complete line without its terminator. Blank and
// oversized lines are skipped.
func (b *lineBuffer) next() ([]byte, bool) {
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			if len(b.buf) > MaxLineSize {
				b.buf = b.buf[:0]
				if !b.skipping {
					b.discarded++
				}
				b.skipping = true
			}
			return nil, false
		}

		line := b.buf[:i]
		b.buf = b.buf[i+1:]
		if len(b.buf) == 0 {
			b.buf = nil
		}

		if b.skipping {
			b.skipping = false
			continue
		}
		if len(line) > MaxLineSize {
			b.discarded++
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, true
	}
}
