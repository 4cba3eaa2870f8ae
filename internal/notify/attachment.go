package notify

// Attachment is one attachment of a chat message, serialized into the
// incoming-webhook JSON schema of the chat service.
type Attachment struct {
	Text      string `json:"text"`
	Title     string `json:"title,omitempty"`
	TitleLink string `json:"title_link,omitempty"`
	Color     string `json:"color,omitempty"`
}

// AttachmentBuilder composes an Attachment.
type AttachmentBuilder struct {
	attachment Attachment
}

func NewAttachmentBuilder(text string) *AttachmentBuilder {
	return &AttachmentBuilder{attachment: Attachment{Text: text}}
}

func (b *AttachmentBuilder) Text(value string) *AttachmentBuilder {
	b.attachment.Text = value
	return b
}

func (b *AttachmentBuilder) Title(value string) *AttachmentBuilder {
	b.attachment.Title = value
	return b
}

func (b *AttachmentBuilder) TitleLink(value string) *AttachmentBuilder {
	b.attachment.TitleLink = value
	return b
}

func (b *AttachmentBuilder) Color(value string) *AttachmentBuilder {
	b.attachment.Color = value
	return b
}

func (b *AttachmentBuilder) Build() Attachment {
	return b.attachment
}
