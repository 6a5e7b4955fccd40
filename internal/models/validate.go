package models

var (
	keywordTypes = map[SegmentType]bool{SegmentTypeText: true, SegmentTypeFace: true}
	replyTypes   = map[SegmentType]bool{SegmentTypeText: true, SegmentTypeFace: true, SegmentTypeImage: true}
)

// IsValidKeyword reports whether m may be used as a stimulus: only text and
// face segments are allowed.
func IsValidKeyword(m Message) bool {
	return allOf(m, keywordTypes)
}

// IsValidReply reports whether m may be used as a reply: text, face and
// image segments are allowed.
func IsValidReply(m Message) bool {
	return allOf(m, replyTypes)
}

func allOf(m Message, allowed map[SegmentType]bool) bool {
	for _, seg := range m {
		if !allowed[seg.Type] {
			return false
		}
	}
	return true
}
