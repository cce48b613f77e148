package curriculum

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outlineOf(n int) Outline {
	o := Outline{}
	for i := 0; i < n; i++ {
		o.Sections = append(o.Sections, Stub{Title: fmt.Sprintf("Part %d", i+1), Type: "lesson", Objective: "learn"})
	}
	return o
}

func TestFromOutlineContiguousPending(t *testing.T) {
	for n := 3; n <= 20; n++ {
		doc := FromOutline(outlineOf(n))
		require.Len(t, doc.Sections, n)
		require.NoError(t, doc.Validate())
		for i, s := range doc.Sections {
			assert.Equal(t, i, s.Index)
			assert.Equal(t, SectionPending, s.Status)
			assert.Nil(t, s.Content)
		}
	}
}

func TestOutlineValidate(t *testing.T) {
	assert.NoError(t, outlineOf(5).Validate(3, 20))
	assert.Error(t, outlineOf(0).Validate(3, 20))
	assert.Error(t, outlineOf(2).Validate(3, 20))
	assert.Error(t, outlineOf(21).Validate(3, 20))

	blank := outlineOf(4)
	blank.Sections[2].Title = "  "
	assert.ErrorContains(t, blank.Validate(3, 20), "section 2")
}

func TestFromOutlineNormalizesType(t *testing.T) {
	doc := FromOutline(Outline{Sections: []Stub{
		{Title: "a", Type: "Exercise"},
		{Title: "b", Type: "review"},
		{Title: "c", Type: "workshop"},
	}})
	assert.Equal(t, TypeExercise, doc.Sections[0].Type)
	assert.Equal(t, TypeReview, doc.Sections[1].Type)
	assert.Equal(t, TypeLesson, doc.Sections[2].Type)
}

func TestBlocksDecodeAllVariants(t *testing.T) {
	raw := `{
		"introduction": "intro",
		"blocks": [
			{"type": "paragraph", "content": "Hello"},
			{"type": "heading", "level": 4, "content": "Setup"},
			{"type": "list", "content": "Steps", "items": ["one", "two"]},
			{"type": "callout", "variant": "warning", "content": "Careful"},
			{"type": "code", "language": "go", "code": "fmt.Println(1)", "caption": "print"}
		],
		"summary": "done",
		"keyTakeaways": ["a"]
	}`
	var c Content
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.NoError(t, c.Validate())
	require.Len(t, c.Blocks, 5)

	assert.Equal(t, Paragraph{Text: "Hello"}, c.Blocks[0])
	assert.Equal(t, Heading{Level: 4, Text: "Setup"}, c.Blocks[1])
	assert.Equal(t, List{Intro: "Steps", Items: []string{"one", "two"}}, c.Blocks[2])
	assert.Equal(t, Callout{Tone: ToneWarning, Text: "Careful"}, c.Blocks[3])
	assert.Equal(t, Code{Language: "go", Source: "fmt.Println(1)", Caption: "print"}, c.Blocks[4])

	encoded, err := json.Marshal(c)
	require.NoError(t, err)
	var again Content
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.Equal(t, c, again)
}

func TestBlocksRejectUnknownType(t *testing.T) {
	var c Content
	err := json.Unmarshal([]byte(`{"blocks":[{"type":"video","content":"x"}]}`), &c)
	assert.ErrorContains(t, err, "unknown block type")
}

func TestContentValidate(t *testing.T) {
	assert.Error(t, Content{}.Validate())
	assert.Error(t, Content{Blocks: Blocks{Heading{Level: 2, Text: "x"}}}.Validate())
	assert.Error(t, Content{Blocks: Blocks{List{Intro: "x"}}}.Validate())
	assert.Error(t, Content{Blocks: Blocks{Callout{Tone: "shout", Text: "x"}}}.Validate())
	assert.NoError(t, Content{Blocks: Blocks{Paragraph{Text: "ok"}}}.Validate())
}

func TestQuizValidate(t *testing.T) {
	q := func(correct int) Question {
		return Question{Prompt: "Q?", Choices: []string{"a", "b", "c"}, CorrectIndex: correct}
	}
	assert.NoError(t, Quiz{Questions: []Question{q(0), q(1), q(2)}}.Validate())
	assert.Error(t, Quiz{Questions: []Question{q(0), q(1)}}.Validate())
	assert.Error(t, Quiz{Questions: []Question{q(0), q(1), q(3)}}.Validate())
	assert.Error(t, Quiz{Questions: []Question{q(0), q(0), q(0), q(0), q(0), q(0)}}.Validate())
}

func TestDocumentStatusHelpers(t *testing.T) {
	doc := FromOutline(outlineOf(5))
	assert.False(t, doc.AllGenerated())

	for i := range doc.Sections {
		doc.Sections[i].Status = SectionGenerated
	}
	doc.Sections[2].Status = SectionFailed
	assert.False(t, doc.AllGenerated())
	assert.Equal(t, []int{2}, doc.FailedIndices())
	assert.Equal(t, 4, doc.CountByStatus()[SectionGenerated])

	doc.Sections[2].Status = SectionGenerated
	assert.True(t, doc.AllGenerated())
	assert.Empty(t, doc.FailedIndices())
}

func TestDocumentMarshalParse(t *testing.T) {
	doc := FromOutline(outlineOf(3))
	doc.Sections[0].Content = &Content{Blocks: Blocks{Paragraph{Text: "p"}}}
	doc.Sections[0].Status = SectionGenerated

	raw, err := doc.Marshal()
	require.NoError(t, err)
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, doc, parsed)

	empty, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, empty.Sections)
}

func TestDocumentMarkdown(t *testing.T) {
	doc := FromOutline(outlineOf(2))
	doc.Sections[0].Content = &Content{Blocks: Blocks{
		Heading{Level: 3, Text: "Intro"},
		Code{Language: "go", Source: "x := 1\n"},
	}}
	doc.Sections[0].Quiz = &Quiz{Questions: []Question{{Prompt: "Why?", Choices: []string{"a", "b"}, CorrectIndex: 1}}}
	doc.Sections[1].Status = SectionFailed
	doc.Sections[1].FailureReason = ReasonBudgetExceeded

	md := doc.Markdown("My Course")
	assert.True(t, strings.HasPrefix(md, "# My Course"))
	assert.Contains(t, md, "## 1. Part 1")
	assert.Contains(t, md, "### Intro")
	assert.Contains(t, md, "```go\nx := 1\n```")
	assert.Contains(t, md, "- [x] b")
	assert.Contains(t, md, "Generation failed: budget exceeded")
}
