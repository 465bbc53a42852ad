package model

// Metadata holds the decoded envelope headers of one message.
type Metadata struct {
	Sender    string
	Recipient string
	Date      string // original header value, not reparsed
	Subject   string
}

// PartKind tags the variant of a Part.
type PartKind int

const (
	PartText PartKind = iota
	PartHTML
	PartAttachment
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartHTML:
		return "html"
	case PartAttachment:
		return "attachment"
	default:
		return "unknown"
	}
}

// Attachment is a binary leaf part of a message.
type Attachment struct {
	Index       int // position among the message's attachments
	Filename    string
	ContentType string
	Data        []byte
}

// Part is one classified leaf of a message. Content is set for text and html
// parts, Attachment for attachment parts.
type Part struct {
	Kind       PartKind
	Content    string
	Attachment *Attachment
}

// Parts is an ordered list of classified leaves.
type Parts []Part

func (p Parts) Texts() []string {
	return p.contents(PartText)
}

func (p Parts) HTMLs() []string {
	return p.contents(PartHTML)
}

// Attachments returns the attachments in order of appearance.
func (p Parts) Attachments() []*Attachment {
	out := make([]*Attachment, 0)
	for _, part := range p {
		if part.Kind == PartAttachment && part.Attachment != nil {
			out = append(out, part.Attachment)
		}
	}
	return out
}

func (p Parts) contents(kind PartKind) []string {
	out := make([]string, 0)
	for _, part := range p {
		if part.Kind == kind {
			out = append(out, part.Content)
		}
	}
	return out
}

// RenderedImage is one rasterized page of a PDF attachment.
type RenderedImage struct {
	Data            []byte
	Attachment      string
	AttachmentIndex int
	Page            int // 0-based
	Ext             string
	Fingerprint     string
}

// Record is the normalized, persisted representation of one message.
type Record struct {
	Sender         string   `json:"sender"`
	Recipient      string   `json:"recipient"`
	Date           string   `json:"date"`
	Subject        string   `json:"subject"`
	TextContents   []string `json:"text_contents"`
	HTMLContents   []string `json:"html_contents"`
	Attachments    []string `json:"attachments"`
	ProcessedFiles []string `json:"processed_files"`
}
