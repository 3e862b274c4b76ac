package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Message and path normalization for deduplication. The patterns are
// deliberately conservative: numbers, UUIDs, quoted strings, IPs and memory
// addresses collapse to placeholders; everything else is significant.
var (
	reUUID   = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reIPv4   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reAddr   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reNumber = regexp.MustCompile(`\b\d+\b`)
	reQuoted = regexp.MustCompile(`'[^']*'|"[^"]*"`)

	reHexSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	reNumSegment = regexp.MustCompile(`^\d+$`)
)

// NormalizeMessage replaces runtime values embedded in an exception message
// with placeholders so messages differing only in a value share a signature.
func NormalizeMessage(message string) string {
	message = reUUID.ReplaceAllString(message, "<UUID>")
	message = reAddr.ReplaceAllString(message, "<ADDR>")
	message = reIPv4.ReplaceAllString(message, "<IP>")
	message = reQuoted.ReplaceAllString(message, "<STR>")
	message = reNumber.ReplaceAllString(message, "<NUM>")
	return message
}

// NormalizePath collapses identifier-shaped path segments to ":id" so
// /orders/123/items/456 and /orders/789/items/12 share a template.
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if reNumSegment.MatchString(seg) || reUUID.MatchString(seg) || reHexSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// Signature computes the dedup signature for an incident: a sha256 digest of
// the exception class (or HTTP status when no exception), the normalized
// path template and the normalized message.
func Signature(exceptionClass string, httpStatus int, path, message string) string {
	class := exceptionClass
	if class == "" {
		class = fmt.Sprintf("HTTP%d", httpStatus)
	}
	raw := class + "|" + NormalizePath(path) + "|" + NormalizeMessage(message)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
