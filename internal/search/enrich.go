package search

import (
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlPattern     = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	datePattern    = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
	ipPattern      = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	acronymPattern = regexp.MustCompile(`\b[A-Z]{2,6}\b`)
)

var extensionCategories = map[string]string{
	"png": "image", "jpg": "image", "jpeg": "image", "gif": "image", "webp": "image", "svg": "image", "bmp": "image", "heic": "image",
	"mp4": "video", "mov": "video", "mkv": "video", "webm": "video", "avi": "video",
	"mp3": "audio", "wav": "audio", "flac": "audio", "ogg": "audio", "m4a": "audio",
	"pdf": "document", "doc": "document", "docx": "document", "txt": "document", "md": "document", "rtf": "document", "odt": "document",
	"xls": "spreadsheet", "xlsx": "spreadsheet", "csv": "spreadsheet", "ods": "spreadsheet",
	"zip": "archive", "tar": "archive", "gz": "archive", "7z": "archive", "rar": "archive",
	"go": "code", "js": "code", "ts": "code", "py": "code", "java": "code", "c": "code", "rs": "code", "json": "code", "yaml": "code", "html": "code",
}

// contentTags derives recall-only tags from free text.
func contentTags(content string) []string {
	var tags []string
	if emailPattern.MatchString(content) {
		tags = append(tags, "email")
	}
	if urlPattern.MatchString(content) {
		tags = append(tags, "url", "link")
	}
	if datePattern.MatchString(content) {
		tags = append(tags, "date")
	}
	for _, candidate := range ipPattern.FindAllString(content, -1) {
		if net.ParseIP(candidate) != nil {
			tags = append(tags, "ip")
			break
		}
	}
	if acronymPattern.MatchString(content) {
		tags = append(tags, "acronym")
	}
	tags = append(tags, lengthClass(content))
	return tags
}

// fileTags derives extension and category tags from a filename.
func fileTags(filename string) []string {
	extension := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if extension == "" {
		return []string{"noextension"}
	}
	tags := []string{extension}
	if category, ok := extensionCategories[extension]; ok {
		tags = append(tags, category)
	}
	return tags
}

func lengthClass(content string) string {
	switch length := utf8.RuneCountInString(content); {
	case length < 32:
		return "short"
	case length < 256:
		return "medium"
	default:
		return "long"
	}
}
