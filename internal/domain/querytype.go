package domain

// Query types used for credit accounting.
const (
	QueryTypeBasic    = "basic_query"
	QueryTypeFile     = "file_search"
	QueryTypeDocument = "document_analysis"
	QueryTypeImage    = "image_analysis"
	QueryTypeComplex  = "complex_query"
	QueryTypeEmbed    = "embedding"
)

// DetectQueryType classifies a chat request for credit accounting.
// Image evidence (file or image_url part) wins over documents; documents win
// over text-length classification of the last user message.
func DetectQueryType(messages []Message, files []File) string {
	for _, f := range files {
		if f.Type == FileTypeImage {
			return QueryTypeImage
		}
	}
	for _, m := range messages {
		if m.Content.HasImagePart() {
			return QueryTypeImage
		}
	}
	for _, f := range files {
		if f.Type == FileTypePDF {
			return QueryTypeDocument
		}
	}
	if txt := lastUserText(messages); len(txt) > 200 {
		return QueryTypeComplex
	}
	return QueryTypeBasic
}

func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content.PlainText()
		}
	}
	return ""
}

// HasFiles reports whether the request carried any file evidence, legacy
// files or image parts. Used for the hasFiles metadata flag.
func HasFiles(messages []Message, files []File) bool {
	if len(files) > 0 {
		return true
	}
	for _, m := range messages {
		if m.Content.HasImagePart() {
			return true
		}
	}
	return false
}
