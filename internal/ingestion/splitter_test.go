package ingestion

import (
	"bufio"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func splitAll(t *testing.T, input string, bufSize int) []string {
	t.Helper()
	roots := map[string]bool{"DATAELEMENT": true, "VALUEDOMAIN": true}
	// OneByteReader forces the split function through every partial-read path.
	scanner := bufio.NewScanner(iotest.OneByteReader(strings.NewReader(input)))
	scanner.Buffer(make([]byte, 0, 16), bufSize)
	scanner.Split(scanRecords(roots))

	var out []string
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestScanRecords(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "wrapper and two records",
			input: `<?xml version="1.0"?><List><DataElement><A>1</A></DataElement> <DataElement n="2"><A>2</A></DataElement></List>`,
			want:  []string{`<DataElement><A>1</A></DataElement>`, `<DataElement n="2"><A>2</A></DataElement>`},
		},
		{
			name:  "longer tag sharing a prefix is not a record",
			input: `<DataElementsList><DataElement><X/></DataElement></DataElementsList>`,
			want:  []string{`<DataElement><X/></DataElement>`},
		},
		{
			name:  "nested roots stay inside the outer record",
			input: `<DataElement><ValueDomain><B/></ValueDomain></DataElement><ValueDomain>v</ValueDomain>`,
			want:  []string{`<DataElement><ValueDomain><B/></ValueDomain></DataElement>`, `<ValueDomain>v</ValueDomain>`},
		},
		{
			name:  "case-insensitive tags",
			input: `<DATAELEMENT><a/></DATAELEMENT><dataelement/>`,
			want:  []string{`<DATAELEMENT><a/></DATAELEMENT>`, `<dataelement/>`},
		},
		{
			name:  "truncated record is still returned",
			input: `<DataElement><A>1</A></DataElement><DataElement><A>2`,
			want:  []string{`<DataElement><A>1</A></DataElement>`, `<DataElement><A>2`},
		},
		{
			name:  "unclosed record ends at the next record",
			input: `<List><DataElement><A>1</A><DataElement><A>2</A></DataElement><DataElement><A>3</A></DataElement></List>`,
			want:  []string{`<DataElement><A>1</A>`, `<DataElement><A>2</A></DataElement>`, `<DataElement><A>3</A></DataElement>`},
		},
		{
			name:  "unclosed record before a self-closing one",
			input: `<DataElement><A>1</A><DataElement/>`,
			want:  []string{`<DataElement><A>1</A>`, `<DataElement/>`},
		},
		{
			name:  "no records",
			input: `<Other><Thing/></Other>`,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitAll(t, tt.input, 1<<20))
		})
	}
}

func TestScanRecordsTooLong(t *testing.T) {
	roots := map[string]bool{"DATAELEMENT": true}
	scanner := bufio.NewScanner(strings.NewReader(`<DataElement>` + strings.Repeat("x", 200) + `</DataElement>`))
	scanner.Buffer(make([]byte, 0, 16), 64)
	scanner.Split(scanRecords(roots))
	for scanner.Scan() {
	}
	assert.ErrorIs(t, scanner.Err(), bufio.ErrTooLong)
}

func TestParseElement(t *testing.T) {
	el, err := parseElement([]byte(`<DataElement><PublicId> 42 </PublicId><Items><Item>a</Item><Item>b &amp; c</Item></Items></DataElement>`))
	require.NoError(t, err)
	assert.Equal(t, "DATAELEMENT", el.Name)
	assert.Equal(t, "42", el.ChildText("publicid"))
	items := el.Child("ITEMS").ChildrenNamed("item")
	require.Len(t, items, 2)
	assert.Equal(t, "b & c", items[1].Text)
	assert.Empty(t, el.ChildText("missing"))

	_, err = parseElement([]byte(`<DataElement><A>1<A></DataElement>`))
	assert.Error(t, err)

	_, err = parseElement([]byte(`<DataElement><A>1</A>`))
	assert.Error(t, err)
}
