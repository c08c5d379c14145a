package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/JonMunkholm/datamorph/internal/tabular"
)

// DefaultExtractors returns the built-in extractor per format. Formats
// without an entry fail extraction with a non-retryable capability error.
func DefaultExtractors() map[Format]Extractor {
	return map[Format]Extractor{
		FormatCSV:   delimitedExtractor(','),
		FormatTSV:   delimitedExtractor('\t'),
		FormatJSON:  ExtractorFunc(extractJSON),
		FormatExcel: ExtractorFunc(extractExcel),
	}
}

func delimitedExtractor(comma rune) Extractor {
	return ExtractorFunc(func(ctx context.Context, r io.Reader, size int64, progress func(int)) (*tabular.Table, error) {
		t, err := tabular.ReadDelimited(tabular.WithProgress(r, size, progress), comma)
		if err != nil {
			return nil, parseFailure("csv", err)
		}
		return t, ctx.Err()
	})
}

func extractJSON(ctx context.Context, r io.Reader, size int64, progress func(int)) (*tabular.Table, error) {
	t, err := tabular.ReadJSON(tabular.WithProgress(r, size, progress))
	if err != nil {
		return nil, parseFailure("json", err)
	}
	return t, ctx.Err()
}

func extractExcel(ctx context.Context, r io.Reader, size int64, progress func(int)) (*tabular.Table, error) {
	br := bufio.NewReader(tabular.WithProgress(r, size, progress))
	if head, _ := br.Peek(len(magicOLE)); bytes.Equal(head, magicOLE) {
		return nil, &CapabilityError{
			Capability: "extract",
			Err:        errors.New("legacy .xls workbooks are not supported, save as .xlsx"),
		}
	}
	t, err := tabular.ReadXLSX(br)
	if err != nil {
		return nil, parseFailure("excel", err)
	}
	return t, ctx.Err()
}

// parseFailure wraps a decoder error. Malformed content fails the same way
// on every attempt, so it is not retried.
func parseFailure(format string, err error) error {
	return &CapabilityError{
		Capability: "extract",
		Err:        fmt.Errorf("parse %s: %w", format, err),
	}
}

func (s *Service) extractorFor(f Format) (Extractor, error) {
	e, ok := s.extractors[f]
	if !ok || e == nil {
		return nil, &CapabilityError{
			Capability: "extract",
			Err:        fmt.Errorf("no extractor for format %q", f),
		}
	}
	return e, nil
}
