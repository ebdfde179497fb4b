package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/framer"
	"airguard-gateway/internal/normalize"
	"airguard-gateway/internal/replay"
)

type captureSummary struct {
	Segments         int
	Lines            int
	Packets          int
	ParseErrors      int
	ValidationErrors int
	Batches          int
	MaxDuration      time.Duration
}

// summarizeCapture runs recorded lines through the same framing and
// normalization the live pipeline uses, without delivering anything.
func summarizeCapture(records []replay.Record) captureSummary {
	var s captureSummary
	if len(records) == 0 {
		return s
	}

	f := framer.New()
	n := normalize.New(time.Now)
	batches := map[string]struct{}{}
	origin := time.Duration(0)
	hasLines := false

	for _, r := range records {
		if r.Start {
			s.Segments++
			origin = r.At
			f.Reset()
			continue
		}
		hasLines = true
		s.Lines++
		if at := r.At - origin; at > s.MaxDuration {
			s.MaxDuration = at
		}

		p, ok, err := f.Feed(strings.TrimSpace(r.Line))
		if err == nil && ok {
			p, err = n.Normalize(p)
		}
		switch {
		case err != nil && errs.IsParse(err):
			s.ParseErrors++
		case err != nil:
			s.ValidationErrors++
		case ok:
			s.Packets++
			batches[p.BatchID] = struct{}{}
		}
	}
	if s.Segments == 0 && hasLines {
		s.Segments = 1
	}
	s.Batches = len(batches)
	return s
}

func printCaptureSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := replay.NewReader(f).ReadAll()
	if err != nil {
		return err
	}

	s := summarizeCapture(recs)
	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "lines: %d\n", s.Lines)
	fmt.Fprintf(w, "packets: %d\n", s.Packets)
	fmt.Fprintf(w, "distinct_batches: %d\n", s.Batches)
	fmt.Fprintf(w, "parse_errors: %d\n", s.ParseErrors)
	fmt.Fprintf(w, "validation_errors: %d\n", s.ValidationErrors)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)
	return nil
}
