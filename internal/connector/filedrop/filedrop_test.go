package filedrop

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/syncd/internal/connector"
	"github.com/hyperengineering/syncd/internal/types"
)

func writeSource(t *testing.T, c *Connector, system, dataType, content string) {
	t.Helper()
	path := c.Path(system, dataType)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

const parcels = `{"id":"P-1","fields":{"acres":{"type":"number","value":1.5},"zone":{"type":"string","value":"R1"}}}
{"id":"P-2","fields":{"acres":{"type":"number","value":12},"zone":{"type":"string","value":"AG"}}}

{"id":"P-3","fields":{"acres":{"type":"number","value":40},"zone":{"type":"string","value":"AG"}}}
`

func TestExtract_StreamsMatchingRecords(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	writeSource(t, c, "pacs", "parcel", parcels)

	s, err := c.Extract(context.Background(), connector.ExtractRequest{
		System: "pacs", DataType: "parcel",
		Filter: []types.FilterCondition{{Field: "zone", Op: types.OpEq, Value: types.StringValue("AG")}},
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 2, s.Total())
	batch, err := s.Next(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "P-2", batch[0].ID)
	assert.Equal(t, 12.0, batch[0].Fields["acres"].Num)

	batch, err = s.Next(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "P-3", batch[0].ID)

	_, err = s.Next(context.Background(), 10)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestExtract_MissingOrMalformedIsUnrecoverable(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = c.Extract(context.Background(), connector.ExtractRequest{System: "pacs", DataType: "parcel"})
	assert.True(t, connector.IsUnrecoverable(err))

	writeSource(t, c, "cama", "valuation", "{not json}\n")
	_, err = c.Extract(context.Background(), connector.ExtractRequest{System: "cama", DataType: "valuation"})
	assert.True(t, connector.IsUnrecoverable(err))
}

func TestLoad_AppendsAndRejectsMissingIDs(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)
	req := connector.LoadRequest{System: "gis", DataType: "parcel"}

	results, err := c.Load(context.Background(), req, []connector.Record{
		{ID: "P-1", Fields: map[string]types.Value{"PARCEL_ID": types.StringValue("P-1")}},
		{ID: "", Fields: map[string]types.Value{}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Err)
	assert.NotEmpty(t, results[1].Err)

	_, err = c.Load(context.Background(), req, []connector.Record{{ID: "P-2", Fields: map[string]types.Value{}}})
	require.NoError(t, err)

	// Loaded records can be extracted again from the target file.
	s, err := c.Extract(context.Background(), connector.ExtractRequest{System: "gis", DataType: "parcel"})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, 2, s.Total())
}
