package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToRichText_Emphasis(t *testing.T) {
	out := ToRichText("**bold** and *italic* and ~~gone~~")
	assert.Equal(t, "<b>bold</b> and <i>italic</i> and <s>gone</s>", out)
}

func TestToRichText_InlineCodeNotReprocessed(t *testing.T) {
	out := ToRichText("use `**not bold**` here")
	assert.Equal(t, "use <code>**not bold**</code> here", out)
}

func TestToRichText_CodeFence(t *testing.T) {
	out := ToRichText("```go\nfmt.Println(\"<hi>\")\n```")
	assert.True(t, strings.Contains(out, `<pre><code class="language-go">`))
	assert.True(t, strings.Contains(out, "&lt;hi&gt;"))
	assert.True(t, strings.HasSuffix(out, "</code></pre>"))
}

func TestToRichText_Heading(t *testing.T) {
	out := ToRichText("# Title")
	assert.Equal(t, "<b>Title</b>", out)
}

func TestToRichText_Link(t *testing.T) {
	out := ToRichText("[docs](https://example.com)")
	assert.Equal(t, `<a href="https://example.com">docs</a>`, out)
}

func TestToRichText_EscapesRawMetacharacters(t *testing.T) {
	out := ToRichText("a < b && b > c")
	assert.Equal(t, "a &lt; b &amp;&amp; b &gt; c", out)
}

func TestTruncateRichText_ClosesOpenTags(t *testing.T) {
	rendered := ToRichText("**" + strings.Repeat("x", 50) + "**")
	truncated := TruncateRichText(rendered, 20)
	assert.True(t, strings.HasSuffix(truncated, "</b>"))
	assert.True(t, len([]rune(truncated)) <= 20+len("</b>"))
}

func TestTruncateRichText_NoopWhenShort(t *testing.T) {
	rendered := ToRichText("short")
	assert.Equal(t, rendered, TruncateRichText(rendered, 100))
}
