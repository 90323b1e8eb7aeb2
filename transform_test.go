package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXMLTransformer(t *testing.T) {
	payload := FilePayload{
		Filename: "inv-1.xml",
		Content: []byte(`<?xml version="1.0"?>
<invoice number="42">
  <customer><name>ACME</name></customer>
  <line>a</line>
  <line>b</line>
</invoice>`),
	}

	rec, err := XMLTransformer{}.Transform(payload)
	require.NoError(t, err)

	assert.Equal(t, "inv-1.xml", rec.Filename)
	assert.GreaterOrEqual(t, rec.ParseMs, int64(0))
	assert.Equal(t, "42", rec.Fields["number"])
	assert.Equal(t, map[string]any{"name": "ACME"}, rec.Fields["customer"])
	assert.Equal(t, []any{"a", "b"}, rec.Fields["line"])
}

func TestXMLTransformerKeepsClashingAttributePrefix(t *testing.T) {
	rec, err := XMLTransformer{}.Transform(FilePayload{
		Filename: "clash.xml",
		Content:  []byte(`<invoice id="attr"><id>elem</id></invoice>`),
	})
	require.NoError(t, err)
	assert.Equal(t, "elem", rec.Fields["id"])
	assert.Equal(t, "attr", rec.Fields["-id"])
}

func TestXMLTransformerFailures(t *testing.T) {
	for name, content := range map[string]string{
		"empty":      "",
		"whitespace": " \n\t",
		"unclosed":   "<invoice><id>1</id>",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := XMLTransformer{}.Transform(FilePayload{Filename: "bad.xml", Content: []byte(content)})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrParseFailure)

			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, "bad.xml", parseErr.Filename)
		})
	}
}

func TestXMLTransformerEmptyRoot(t *testing.T) {
	for _, content := range []string{"<invoice/>", "<invoice></invoice>", "<invoice>\n  </invoice>"} {
		rec, err := XMLTransformer{}.Transform(FilePayload{Filename: "empty-root.xml", Content: []byte(content)})
		require.NoError(t, err, content)
		assert.Equal(t, map[string]any{}, rec.Fields, content)
	}

	rec, err := XMLTransformer{}.Transform(FilePayload{Filename: "text.xml", Content: []byte("<invoice>paid</invoice>")})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"#text": "paid"}, rec.Fields)
}
