package curriculum

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockKind names one of the closed set of content block variants.
type BlockKind string

const (
	KindParagraph BlockKind = "paragraph"
	KindHeading   BlockKind = "heading"
	KindList      BlockKind = "list"
	KindCallout   BlockKind = "callout"
	KindCode      BlockKind = "code"
)

// CalloutTone selects how a callout is presented.
type CalloutTone string

const (
	ToneInfo    CalloutTone = "info"
	ToneWarning CalloutTone = "warning"
	ToneTip     CalloutTone = "tip"
	ToneExample CalloutTone = "example"
)

// Block is a single rich-text element of a section body. The set of
// implementations is closed: only the types in this file satisfy it.
type Block interface {
	Kind() BlockKind
	validate() error
	writeMarkdown(b *strings.Builder)
}

type Paragraph struct {
	Text string
}

type Heading struct {
	Level int // 3 or 4
	Text  string
}

type List struct {
	Intro string
	Items []string
}

type Callout struct {
	Tone CalloutTone
	Text string
}

type Code struct {
	Language string
	Source   string
	Caption  string
}

func (Paragraph) Kind() BlockKind { return KindParagraph }
func (Heading) Kind() BlockKind   { return KindHeading }
func (List) Kind() BlockKind      { return KindList }
func (Callout) Kind() BlockKind   { return KindCallout }
func (Code) Kind() BlockKind      { return KindCode }

func (p Paragraph) validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("paragraph is empty")
	}
	return nil
}

func (h Heading) validate() error {
	if h.Level != 3 && h.Level != 4 {
		return fmt.Errorf("heading level %d not in {3,4}", h.Level)
	}
	if strings.TrimSpace(h.Text) == "" {
		return fmt.Errorf("heading is empty")
	}
	return nil
}

func (l List) validate() error {
	if len(l.Items) == 0 {
		return fmt.Errorf("list has no items")
	}
	for i, item := range l.Items {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("list item %d is empty", i)
		}
	}
	return nil
}

func (c Callout) validate() error {
	switch c.Tone {
	case ToneInfo, ToneWarning, ToneTip, ToneExample:
	default:
		return fmt.Errorf("unknown callout tone %q", c.Tone)
	}
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("callout is empty")
	}
	return nil
}

func (c Code) validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("code block is empty")
	}
	return nil
}

func (p Paragraph) writeMarkdown(b *strings.Builder) {
	b.WriteString(p.Text)
	b.WriteString("\n\n")
}

func (h Heading) writeMarkdown(b *strings.Builder) {
	b.WriteString(strings.Repeat("#", h.Level))
	b.WriteString(" ")
	b.WriteString(h.Text)
	b.WriteString("\n\n")
}

func (l List) writeMarkdown(b *strings.Builder) {
	if l.Intro != "" {
		b.WriteString(l.Intro)
		b.WriteString("\n\n")
	}
	for _, item := range l.Items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func (c Callout) writeMarkdown(b *strings.Builder) {
	label := string(c.Tone)
	if label != "" {
		label = strings.ToUpper(label[:1]) + label[1:]
	}
	fmt.Fprintf(b, "> **%s:** %s\n\n", label, c.Text)
}

func (c Code) writeMarkdown(b *strings.Builder) {
	if c.Caption != "" {
		fmt.Fprintf(b, "*%s*\n\n", c.Caption)
	}
	fmt.Fprintf(b, "```%s\n%s\n```\n\n", c.Language, strings.TrimRight(c.Source, "\n"))
}

// blockJSON is the wire shape shared by every variant, discriminated by Type.
type blockJSON struct {
	Type     BlockKind   `json:"type"`
	Content  string      `json:"content,omitempty"`
	Level    int         `json:"level,omitempty"`
	Items    []string    `json:"items,omitempty"`
	Tone     CalloutTone `json:"variant,omitempty"`
	Language string      `json:"language,omitempty"`
	Code     string      `json:"code,omitempty"`
	Caption  string      `json:"caption,omitempty"`
}

// Blocks is an ordered sequence of content blocks with a tagged JSON encoding.
type Blocks []Block

func (bs Blocks) MarshalJSON() ([]byte, error) {
	out := make([]blockJSON, 0, len(bs))
	for _, b := range bs {
		switch v := b.(type) {
		case Paragraph:
			out = append(out, blockJSON{Type: KindParagraph, Content: v.Text})
		case Heading:
			out = append(out, blockJSON{Type: KindHeading, Level: v.Level, Content: v.Text})
		case List:
			out = append(out, blockJSON{Type: KindList, Content: v.Intro, Items: v.Items})
		case Callout:
			out = append(out, blockJSON{Type: KindCallout, Tone: v.Tone, Content: v.Text})
		case Code:
			out = append(out, blockJSON{Type: KindCode, Language: v.Language, Code: v.Source, Caption: v.Caption})
		default:
			return nil, fmt.Errorf("unsupported block %T", b)
		}
	}
	return json.Marshal(out)
}

func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raw []blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raw))
	for i, r := range raw {
		b, err := r.block()
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		out = append(out, b)
	}
	*bs = out
	return nil
}

func (r blockJSON) block() (Block, error) {
	switch BlockKind(strings.ToLower(string(r.Type))) {
	case KindParagraph:
		return Paragraph{Text: r.Content}, nil
	case KindHeading:
		level := r.Level
		if level == 0 {
			level = 3
		}
		return Heading{Level: level, Text: r.Content}, nil
	case KindList:
		return List{Intro: r.Content, Items: r.Items}, nil
	case KindCallout:
		tone := CalloutTone(strings.ToLower(string(r.Tone)))
		if tone == "" {
			tone = ToneInfo
		}
		return Callout{Tone: tone, Text: r.Content}, nil
	case KindCode:
		return Code{Language: r.Language, Source: r.Code, Caption: r.Caption}, nil
	default:
		return nil, fmt.Errorf("unknown block type %q", r.Type)
	}
}
