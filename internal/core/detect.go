package core

import (
	"bytes"
	"path/filepath"
	"strings"
)

// SniffLen is how many leading bytes Detect looks at.
const SniffLen = 512

const (
	confidenceExtension = 0.95
	confidenceMagic     = 0.97
	confidenceAgreement = 0.99
)

// Detection is the outcome of classifying an upload.
type Detection struct {
	Format     Format  `json:"format"`
	MimeType   string  `json:"mime_type"`
	Confidence float64 `json:"confidence"`
}

type formatInfo struct {
	format Format
	mime   string
}

var extensionFormats = map[string]formatInfo{
	".csv":     {FormatCSV, "text/csv"},
	".tsv":     {FormatTSV, "text/tab-separated-values"},
	".xls":     {FormatExcel, "application/vnd.ms-excel"},
	".xlsx":    {FormatExcel, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	".pdf":     {FormatPDF, "application/pdf"},
	".json":    {FormatJSON, "application/json"},
	".png":     {FormatImage, "image/png"},
	".jpg":     {FormatImage, "image/jpeg"},
	".jpeg":    {FormatImage, "image/jpeg"},
	".webp":    {FormatImage, "image/webp"},
	".parquet": {FormatParquet, "application/octet-stream"},
}

var (
	magicPDF     = []byte("%PDF-")
	magicPNG     = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	magicJPEG    = []byte{0xff, 0xd8, 0xff}
	magicParquet = []byte("PAR1")
	magicZip     = []byte{'P', 'K', 0x03, 0x04}
	magicOLE     = []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}
)

// Detect classifies a file from its name and leading bytes. Extension
// lookup is the baseline; a recognised signature raises confidence and wins
// over a misleading extension. Container signatures (zip, OLE) are only
// trusted when the extension already says spreadsheet.
func Detect(filename string, head []byte) Detection {
	if len(head) > SniffLen {
		head = head[:SniffLen]
	}
	ext := strings.ToLower(filepath.Ext(filename))
	byExt, extOK := extensionFormats[ext]

	if magic, ok := sniff(head, ext); ok {
		if extOK && magic.format == byExt.format {
			return Detection{Format: byExt.format, MimeType: byExt.mime, Confidence: confidenceAgreement}
		}
		return Detection{Format: magic.format, MimeType: magic.mime, Confidence: confidenceMagic}
	}

	if extOK {
		return Detection{Format: byExt.format, MimeType: byExt.mime, Confidence: confidenceExtension}
	}
	return Detection{Format: FormatUnknown, MimeType: "application/octet-stream", Confidence: 0}
}

func sniff(head []byte, ext string) (formatInfo, bool) {
	switch {
	case bytes.HasPrefix(head, magicPDF):
		return extensionFormats[".pdf"], true
	case bytes.HasPrefix(head, magicPNG):
		return extensionFormats[".png"], true
	case bytes.HasPrefix(head, magicJPEG):
		return extensionFormats[".jpg"], true
	case len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP")):
		return extensionFormats[".webp"], true
	case bytes.HasPrefix(head, magicParquet):
		return extensionFormats[".parquet"], true
	case bytes.HasPrefix(head, magicZip) && ext == ".xlsx":
		return extensionFormats[".xlsx"], true
	case bytes.HasPrefix(head, magicOLE) && ext == ".xls":
		return extensionFormats[".xls"], true
	}
	return formatInfo{}, false
}

var estimateBaseSeconds = map[Format]float64{
	FormatCSV:   2,
	FormatExcel: 3,
	FormatPDF:   10,
	FormatImage: 15,
	FormatJSON:  2,
}

// EstimateSeconds guesses extraction time from format and size.
func EstimateSeconds(format Format, size int64) int {
	base, ok := estimateBaseSeconds[format]
	if !ok {
		base = 5
	}
	mb := float64(size) / float64(mib)
	return int(base + 0.5*mb)
}
