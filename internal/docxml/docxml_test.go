package docxml_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/docxml"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	root := docxml.NewNode("lease")
	root.SetAttr("device", "eth0").SetAttr("family", "ipv4")
	addr := root.AddChild("address")
	addr.Text = "192.168.1.10/24"

	data, err := docxml.Marshal(root)
	require.NoError(t, err)

	parsed, err := docxml.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, "lease", parsed.Tag)
	assert.Equal(t, "eth0", parsed.Attrs["device"])
	assert.Equal(t, "ipv4", parsed.Attrs["family"])
	require.Len(t, parsed.Children, 1)
	assert.Equal(t, "192.168.1.10/24", parsed.Children[0].Text)
}

func TestUnmarshalTruncatedDocumentErrors(t *testing.T) {
	_, err := docxml.Unmarshal([]byte("<lease><address>10.0.0.1"))
	assert.Error(t, err)
}

func TestUnmarshalEmptyDocumentErrors(t *testing.T) {
	_, err := docxml.Unmarshal([]byte(""))
	assert.Error(t, err)
}

func TestQueryResolvesChildPath(t *testing.T) {
	root := docxml.NewNode("policy")
	devices := root.AddChild("match")
	devices.AddChild("name").Text = "eth0"
	devices.AddChild("name").Text = "eth1"

	found := docxml.Query(root, "match/name")
	assert.Len(t, found, 2)
	assert.Equal(t, "eth0", found[0].Text)
	assert.Equal(t, "eth1", found[1].Text)
}
