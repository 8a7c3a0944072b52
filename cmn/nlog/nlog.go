// Package nlog - aistore-style logger, provides buffering, timestamping,
// writing, and flushing/rotating.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxLineSize = 2 * 1024

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}
var sevText = [...]string{sevInfo: "INFO", sevWarn: "WARNING", sevErr: "ERROR"}

type nlog struct {
	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	written int64
	last    time.Time
	sev     severity
	erred   bool
}

var (
	nlogs [3]*nlog

	toStderr     bool
	alsoToStderr bool
	logDir       string
	aisrole      string
	title        string
	host, _      = os.Hostname()
	pid          = os.Getpid()
)

func init() {
	for s := sevInfo; s <= sevErr; s++ {
		nlogs[s] = &nlog{sev: s}
	}
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	line := renderLine(sev, depth+1, format, args...)

	if toStderr {
		os.Stderr.Write(line)
		return
	}
	if alsoToStderr || sev >= sevErr {
		os.Stderr.Write(line)
	}
	if sev >= sevWarn {
		nlogs[sevErr].write(line)
	}
	nlogs[sevInfo].write(line)
}

func renderLine(sev severity, depth int, format string, args ...any) []byte {
	var b strings.Builder
	b.Grow(maxLineSize)
	formatHdr(sev, depth+1, &b)
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}

func (nlog *nlog) write(line []byte) {
	nlog.mu.Lock()
	defer nlog.mu.Unlock()

	if nlog.file == nil && logDir != "" {
		if err := nlog.open(time.Now()); err != nil {
			nlog.erred = true
		}
	}
	if nlog.w == nil {
		return // no log directory configured: the line goes only where log() already sent it (stderr for errors, or with alsologtostderr)
	}
	n, err := nlog.w.Write(line)
	if err != nil {
		nlog.erred = true
		return
	}
	nlog.erred = false
	nlog.written += int64(n)
	nlog.last = time.Now()
	if nlog.written >= MaxSize {
		nlog.rotate(time.Now())
	}
}

func (nlog *nlog) open(now time.Time) error {
	name, link := logfname(sevText[nlog.sev], now)
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	nlog.file = f
	nlog.w = bufio.NewWriterSize(f, 32*1024)
	nlog.written = 0
	linkPath := filepath.Join(logDir, link)
	os.Remove(linkPath)
	os.Symlink(name, linkPath)
	return nil
}

func (nlog *nlog) rotate(now time.Time) {
	nlog.w.Flush()
	nlog.file.Close()
	if err := nlog.open(now); err != nil {
		nlog.erred = true
	}
}

func (nlog *nlog) flush() {
	nlog.mu.Lock()
	defer nlog.mu.Unlock()
	if nlog.w != nil {
		nlog.w.Flush()
	}
}

func (nlog *nlog) since() time.Duration { return time.Since(nlog.last) }

func logfname(tag string, t time.Time) (name, link string) {
	s := sname()
	name = fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d",
		s, host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), pid)
	return name, s + "." + tag
}

func sname() string {
	if aisrole != "" {
		return aisrole
	}
	return "shmrpc"
}

func formatHdr(s severity, depth int, b *strings.Builder) {
	_, fn, ln, ok := runtime.Caller(depth + 2)
	b.WriteByte(sevChar[s])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if !ok {
		return
	}
	if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
		fn = fn[idx+1:]
	}
	b.WriteString(fn)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(ln))
	b.WriteByte(' ')
}
