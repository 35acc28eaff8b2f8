package builtin

import "strings"

// TruncationResult describes what happened during a truncation operation.
type TruncationResult struct {
	Content               string
	Truncated             bool
	TruncatedBy           string // "lines" | "bytes" | ""
	TotalLines            int
	TotalBytes            int
	OutputLines           int
	OutputBytes           int
	LastLinePartial       bool
	FirstLineExceedsLimit bool
	MaxLines              int
	MaxBytes              int
}

// TruncateHead keeps the beginning of content up to maxLines or maxBytes.
// It never returns a partial line, except that when the very first line
// alone exceeds the byte limit it returns empty content and sets
// FirstLineExceedsLimit.
func TruncateHead(content string, maxLines, maxBytes int) TruncationResult {
	lines := strings.Split(content, "\n")
	totalLines := len(lines)
	totalBytes := len(content)

	if totalLines <= maxLines && totalBytes <= maxBytes {
		return TruncationResult{
			Content:     content,
			TotalLines:  totalLines,
			TotalBytes:  totalBytes,
			OutputLines: totalLines,
			OutputBytes: totalBytes,
			MaxLines:    maxLines,
			MaxBytes:    maxBytes,
		}
	}

	if len(lines) > 0 && len(lines[0]) > maxBytes {
		return TruncationResult{
			Truncated:             true,
			TruncatedBy:           "bytes",
			TotalLines:            totalLines,
			TotalBytes:            totalBytes,
			FirstLineExceedsLimit: true,
			MaxLines:              maxLines,
			MaxBytes:              maxBytes,
		}
	}

	out := make([]string, 0, min(maxLines, totalLines))
	outBytes := 0
	truncatedBy := "lines"

	for i, line := range lines {
		if i >= maxLines {
			break
		}
		sep := 0
		if i > 0 {
			sep = 1
		}
		if outBytes+len(line)+sep > maxBytes {
			truncatedBy = "bytes"
			break
		}
		out = append(out, line)
		outBytes += len(line) + sep
	}
	if len(out) >= maxLines && outBytes <= maxBytes {
		truncatedBy = "lines"
	}

	joined := strings.Join(out, "\n")
	return TruncationResult{
		Content:     joined,
		Truncated:   true,
		TruncatedBy: truncatedBy,
		TotalLines:  totalLines,
		TotalBytes:  totalBytes,
		OutputLines: len(out),
		OutputBytes: len(joined),
		MaxLines:    maxLines,
		MaxBytes:    maxBytes,
	}
}

// TruncateTail keeps the end of content up to maxLines or maxBytes. When a
// single line at the very end exceeds maxBytes it returns a partial last
// line and sets LastLinePartial.
func TruncateTail(content string, maxLines, maxBytes int) TruncationResult {
	lines := strings.Split(content, "\n")
	totalLines := len(lines)
	totalBytes := len(content)

	if totalLines <= maxLines && totalBytes <= maxBytes {
		return TruncationResult{
			Content:     content,
			TotalLines:  totalLines,
			TotalBytes:  totalBytes,
			OutputLines: totalLines,
			OutputBytes: totalBytes,
			MaxLines:    maxLines,
			MaxBytes:    maxBytes,
		}
	}

	out := make([]string, 0, min(maxLines, totalLines))
	outBytes := 0
	truncatedBy := "lines"
	lastLinePartial := false

	for i := len(lines) - 1; i >= 0 && len(out) < maxLines; i-- {
		line := lines[i]
		sep := 0
		if len(out) > 0 {
			sep = 1
		}
		if outBytes+len(line)+sep > maxBytes {
			truncatedBy = "bytes"
			if len(out) == 0 {
				partial := tailBytes(line, maxBytes)
				out = append(out, partial)
				outBytes = len(partial)
				lastLinePartial = true
			}
			break
		}
		out = append([]string{line}, out...)
		outBytes += len(line) + sep
	}
	if len(out) >= maxLines && outBytes <= maxBytes {
		truncatedBy = "lines"
	}

	joined := strings.Join(out, "\n")
	return TruncationResult{
		Content:         joined,
		Truncated:       true,
		TruncatedBy:     truncatedBy,
		TotalLines:      totalLines,
		TotalBytes:      totalBytes,
		OutputLines:     len(out),
		OutputBytes:     len(joined),
		LastLinePartial: lastLinePartial,
		MaxLines:        maxLines,
		MaxBytes:        maxBytes,
	}
}

// tailBytes returns the last maxBytes UTF-8 bytes of s, starting at a valid
// rune boundary.
func tailBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && (s[start]&0xc0) == 0x80 {
		start++
	}
	return s[start:]
}
